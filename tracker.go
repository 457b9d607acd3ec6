// Package visitd tracks browsing dwell time. It attaches to a live Chrome,
// attributes continuous engaged time to the domain being visited, survives
// restarts via snapshot persistence, and syncs visit records to a remote
// backend.
package visitd

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidemark/visitd/internal/activity"
	"github.com/tidemark/visitd/internal/bridge"
	"github.com/tidemark/visitd/internal/chromesrc"
	"github.com/tidemark/visitd/internal/events"
	"github.com/tidemark/visitd/internal/gateway"
	"github.com/tidemark/visitd/internal/ledger"
	"github.com/tidemark/visitd/internal/pulse"
	"github.com/tidemark/visitd/internal/router"
	"github.com/tidemark/visitd/internal/store"
	"github.com/tidemark/visitd/internal/urlx"
)

// Tracker is the visitd core: single-slot ledger, navigation router,
// heartbeat, local bridge, remote sync.
type Tracker struct {
	cfg    *Config
	logger *slog.Logger

	st     *store.Store
	led    *ledger.Ledger
	act    *activity.Tracker
	gw     *gateway.Client
	rt     *router.Router
	hb     *pulse.Pulse
	brd    *bridge.Server
	source events.Source
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore injects an already-open store (tests use an in-memory one).
func WithStore(s *store.Store) Option {
	return func(t *Tracker) { t.st = s }
}

// WithSource injects a navigation event source instead of the default
// Chrome DevTools adapter.
func WithSource(src events.Source) Option {
	return func(t *Tracker) { t.source = src }
}

// New creates a Tracker. A persisted snapshot, if any, is restored so
// accumulation resumes where the previous process stopped.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(t)
	}

	if t.st == nil {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		t.st = st
	}

	t.led = ledger.New(t.saveSnapshot)
	t.act = activity.New(
		activity.WithThreshold(cfg.Activity.IdleThreshold),
		activity.WithLogger(logger),
	)
	t.gw = gateway.New(cfg.Backend, logger)
	t.rt = router.New(cfg.Router, t.led, t.gw, t.act, t.st.UserID,
		router.WithOnClose(t.recordClosed),
		router.WithLogger(logger),
	)
	t.hb = pulse.New(cfg.Heartbeat, t.led, t.act, t.gw, logger)
	t.brd = bridge.New(cfg.Bridge, t, logger)

	t.restore()
	return t, nil
}

// restore reloads the persisted snapshot. Storage failure means no prior
// state: tracking restarts cleanly from the next observed navigation.
func (t *Tracker) restore() {
	snap, err := t.st.LoadSnapshot(context.Background())
	if err != nil {
		t.logger.Warn("visitd: snapshot load failed, starting fresh", "error", err)
		return
	}
	if snap == nil || snap.Domain == "" {
		return
	}
	t.led.Restore(ledger.Record{
		RemoteID:       snap.RemoteID,
		Domain:         snap.Domain,
		URL:            snap.URL,
		Title:          snap.Title,
		FaviconURL:     snap.FaviconURL,
		EngagedSeconds: snap.EngagedSeconds,
		OpenedAt:       snap.OpenedAt,
		LastActivity:   snap.LastActivity,
	})
	t.logger.Info("visitd: resumed visit from snapshot",
		"domain", snap.Domain, "engaged_seconds", snap.EngagedSeconds)
}

// Start launches the heartbeat, the local bridge, and the event source.
func (t *Tracker) Start(ctx context.Context) {
	t.hb.Start(ctx)

	if !t.cfg.Bridge.Disabled {
		go func() {
			if err := t.brd.Serve(ctx); err != nil {
				t.logger.Error("visitd: bridge stopped", "error", err)
			}
		}()
	}

	if t.source == nil && (t.cfg.Browser.RemoteURL != "" || t.cfg.Browser.Launch) {
		src := chromesrc.New(ctx, t.cfg.Browser, t.logger)
		t.act.SetProber(src.IdleProber())
		t.source = src
	}
	if t.source != nil {
		go func() {
			if err := t.source.Run(t.rt); err != nil && ctx.Err() == nil {
				t.logger.Error("visitd: event source stopped", "error", err)
			}
		}()
	}
}

// Handler exposes the navigation router for event sources driven
// externally (tests, alternative hosts).
func (t *Tracker) Handler() events.Handler { return t.rt }

// Close stops background work and attempts one final duration flush for
// the open record. The snapshot is already durable; it was written with
// the last mutation.
func (t *Tracker) Close() error {
	t.rt.Stop()
	t.hb.Stop()
	if t.source != nil {
		t.source.Close()
	}

	if cur, ok := t.led.Current(); ok && cur.RemoteID != "" && cur.EngagedSeconds > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.gw.UpdateDuration(ctx, cur.RemoteID, cur.EngagedSeconds); err != nil {
			t.logger.Warn("visitd: shutdown flush failed", "domain", cur.Domain, "error", err)
		}
	}
	return t.st.Close()
}

// saveSnapshot is the ledger's durability hook, invoked synchronously with
// every mutation.
func (t *Tracker) saveSnapshot(rec ledger.Record) {
	err := t.st.SaveSnapshot(context.Background(), store.Snapshot{
		Domain:         rec.Domain,
		RemoteID:       rec.RemoteID,
		URL:            rec.URL,
		Title:          rec.Title,
		FaviconURL:     rec.FaviconURL,
		EngagedSeconds: rec.EngagedSeconds,
		OpenedAt:       rec.OpenedAt,
		LastActivity:   rec.LastActivity,
	})
	if err != nil {
		t.logger.Warn("visitd: snapshot write failed", "domain", rec.Domain, "error", err)
	}
}

// recordClosed mirrors a finalized visit into local history.
func (t *Tracker) recordClosed(rec ledger.Record, closedAt time.Time) {
	err := t.st.RecordVisit(context.Background(), store.Visit{
		Domain:         rec.Domain,
		Registrable:    urlx.Registrable(rec.Domain),
		URL:            rec.URL,
		Title:          rec.Title,
		Kind:           rec.Kind,
		RemoteID:       rec.RemoteID,
		EngagedSeconds: rec.EngagedSeconds,
		OpenedAt:       rec.OpenedAt,
		ClosedAt:       closedAt,
	})
	if err != nil {
		t.logger.Warn("visitd: visit mirror write failed", "domain", rec.Domain, "error", err)
	}
}

// --- bridge.Service ---

// Activity relays a foreground ping. The ping always refreshes engagement;
// it additionally counts as ledger liveness when it originates from the
// tracked domain.
func (t *Tracker) Activity(at time.Time, url string) {
	t.act.Ping(at)
	if url != "" && urlx.Domain(url) == t.led.Domain() {
		t.led.Touch(at)
	}
}

// Idle relays an explicit idle transition from the page.
func (t *Tracker) Idle(at time.Time) {
	t.act.MarkIdle(at)
}

// SyncUserID overwrites the cached identifier with the UI's copy.
func (t *Tracker) SyncUserID(ctx context.Context, userID string) error {
	return t.st.SyncUserID(ctx, userID)
}

// Status returns current ledger contents for display. No side effects.
func (t *Tracker) Status(ctx context.Context) (bridge.StatusView, error) {
	view := bridge.StatusView{}
	if uid, err := t.st.UserID(ctx); err == nil {
		view.UserID = uid
	}
	if cur, ok := t.led.Current(); ok {
		view.Tracking = true
		view.Visit = &cur
	}
	return view, nil
}

// Recent returns recently finalized visits from the local mirror.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]store.Visit, error) {
	return t.st.RecentVisits(ctx, limit)
}

// Domains returns per-domain dwell rollups.
func (t *Tracker) Domains(ctx context.Context, limit int) ([]store.DomainTotal, error) {
	return t.st.TotalsByDomain(ctx, limit)
}
