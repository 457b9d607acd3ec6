// Package router turns raw browser events into visit boundaries. It
// deduplicates the two event streams (tab focus, navigation complete),
// debounces rapid-fire navigation signals per tab, and drives the ledger:
// finalize the superseded record, open the successor, sync both with the
// backend.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidemark/visitd/internal/activity"
	"github.com/tidemark/visitd/internal/events"
	"github.com/tidemark/visitd/internal/gateway"
	"github.com/tidemark/visitd/internal/ledger"
	"github.com/tidemark/visitd/internal/urlx"
)

// DefaultDebounce is the quiet period after the last navigation-complete
// event for a tab before a boundary is evaluated. Redirect chains and SPA
// route changes fire repeated completes; latest wins.
const DefaultDebounce = 1500 * time.Millisecond

// Backend is the slice of the sync gateway the router needs.
type Backend interface {
	CreateVisit(ctx context.Context, req gateway.CreateVisitRequest) (string, error)
	UpdateDuration(ctx context.Context, remoteID string, seconds int64) error
}

// Config tunes the router.
type Config struct {
	// Debounce window for navigation-complete events. Default: 1500ms.
	Debounce time.Duration `yaml:"debounce"`
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
}

type pendingNav struct {
	timer *time.Timer
	nav   events.Navigation
}

// Router implements events.Handler.
type Router struct {
	cfg     Config
	led     *ledger.Ledger
	backend Backend
	act     *activity.Tracker
	userID  func(ctx context.Context) (string, error)
	onClose func(rec ledger.Record, closedAt time.Time)
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingNav // tab ID → debounce entry
	stopped bool
}

// Option configures a Router.
type Option func(*Router)

// WithOnClose registers a hook invoked with every finalized record (after
// its best-effort duration flush).
func WithOnClose(fn func(rec ledger.Record, closedAt time.Time)) Option {
	return func(r *Router) { r.onClose = fn }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Router. userID supplies the cached local identifier for
// create calls.
func New(cfg Config, led *ledger.Ledger, backend Backend, act *activity.Tracker,
	userID func(ctx context.Context) (string, error), opts ...Option) *Router {
	cfg.defaults()
	r := &Router{
		cfg:     cfg,
		led:     led,
		backend: backend,
		act:     act,
		userID:  userID,
		logger:  slog.Default(),
		pending: make(map[string]*pendingNav),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TabFocused handles a tab switch. Same domain as the open record: liveness
// only, since the user's return to the tab implies engagement, no new record.
// Different domain: a boundary, tagged "tab_switch".
func (r *Router) TabFocused(n events.Navigation) {
	if !urlx.Trackable(n.URL) {
		return
	}
	domain := urlx.Domain(n.URL)
	if domain == r.led.Domain() {
		r.act.Ping(n.When)
		r.led.Touch(n.When)
		return
	}
	r.boundary(n, events.KindTabSwitch)
}

// NavigationCompleted handles a document load. Background-tab navigations
// are ignored; focused-tab ones enter the per-tab debounce table, where a
// newer event cancels and restarts the wait.
func (r *Router) NavigationCompleted(n events.Navigation, focused bool) {
	if !focused {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if p, ok := r.pending[n.TabID]; ok {
		p.timer.Stop()
	}
	p := &pendingNav{nav: n}
	p.timer = time.AfterFunc(r.cfg.Debounce, func() { r.fire(n.TabID, p) })
	r.pending[n.TabID] = p
}

// fire runs when a tab's debounce window expires. Only the latest entry for
// the tab may evaluate; a superseded timer that slips through finds a newer
// entry in the table and gives up.
func (r *Router) fire(tabID string, p *pendingNav) {
	r.mu.Lock()
	cur, ok := r.pending[tabID]
	if !ok || cur != p || r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.pending, tabID)
	r.mu.Unlock()

	n := p.nav
	if !urlx.Trackable(n.URL) {
		return
	}
	if urlx.Domain(n.URL) == r.led.Domain() {
		// Same-domain navigation: internal link, redirect tail, SPA route.
		// One continuous visit, no fragmentation.
		return
	}
	r.boundary(n, events.KindPageVisit)
}

// boundary finalizes the open record and opens its successor. The finalize
// and create calls are independent requests; local state moves on even when
// either fails.
func (r *Router) boundary(n events.Navigation, kind events.Kind) {
	domain := urlx.Domain(n.URL)
	when := n.When
	if when.IsZero() {
		when = time.Now()
	}

	closed := r.led.Open(ledger.Record{
		Domain:     domain,
		URL:        n.URL,
		Title:      n.Title,
		FaviconURL: urlx.FaviconURL(n.URL),
		Kind:       string(kind),
		OpenedAt:   when,
	})
	r.act.Ping(when)

	if closed != nil {
		r.finalize(*closed, when)
	}

	ctx := context.Background()
	uid, err := r.userID(ctx)
	if err != nil {
		r.logger.Warn("router: user id unavailable, tracking locally", "error", err)
	}
	remoteID, err := r.backend.CreateVisit(ctx, gateway.CreateVisitRequest{
		UserID:     uid,
		URL:        n.URL,
		Domain:     domain,
		Title:      n.Title,
		FaviconURL: urlx.FaviconURL(n.URL),
		Event:      string(kind),
		TabID:      n.TabID,
		WindowID:   n.WindowID,
		ClientTS:   when,
	})
	if err != nil {
		// Tracking proceeds with an empty remote ID; duration updates are
		// skipped until a future create succeeds.
		r.logger.Warn("router: create visit failed", "domain", domain, "error", err)
		return
	}
	if !r.led.SetRemoteID(domain, remoteID) {
		r.logger.Debug("router: discarding stale create response",
			"domain", domain, "remote_id", remoteID)
	}
}

// finalize flushes the closed record's last known duration, best-effort.
func (r *Router) finalize(closed ledger.Record, closedAt time.Time) {
	if closed.RemoteID != "" && closed.EngagedSeconds > 0 {
		if err := r.backend.UpdateDuration(context.Background(), closed.RemoteID, closed.EngagedSeconds); err != nil {
			r.logger.Warn("router: final duration flush failed",
				"domain", closed.Domain, "error", err)
		}
	}
	if r.onClose != nil {
		r.onClose(closed, closedAt)
	}
}

// Stop cancels all pending debounce timers.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}
