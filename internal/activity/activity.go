// Package activity answers "is the user currently engaged?" from two
// independent signals: timestamped foreground pings relayed from the visited
// page, and a host-level idle probe queried on demand. Both must agree:
// the host can report active while the user is parked on a page that never
// relays pings, and crediting that time would inflate dwell totals.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the host idle detector's answer.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateLocked State = "locked"
)

// IdleProber queries the host environment's idle detector. Implementations
// may fail (detector unavailable); failure is treated as active.
type IdleProber interface {
	IdleState(ctx context.Context) (State, error)
}

// ProberFunc adapts a function to the IdleProber interface.
type ProberFunc func(ctx context.Context) (State, error)

func (f ProberFunc) IdleState(ctx context.Context) (State, error) { return f(ctx) }

// DefaultIdleThreshold is how stale the last foreground ping may be before
// the user counts as disengaged.
const DefaultIdleThreshold = 60 * time.Second

// Tracker combines the foreground ping stream with the idle probe.
// Safe for concurrent use: pings arrive from the bridge goroutine while the
// heartbeat queries engagement.
type Tracker struct {
	mu        sync.Mutex
	lastPing  time.Time
	idleSince time.Time // zero unless an explicit idle mark is in force

	threshold time.Duration
	prober    IdleProber
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold overrides DefaultIdleThreshold.
func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.threshold = d
		}
	}
}

// WithProber sets the host idle detector. Nil means "always active".
func WithProber(p IdleProber) Option {
	return func(t *Tracker) { t.prober = p }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		threshold: DefaultIdleThreshold,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Ping records a foreground activity signal. A ping clears any explicit
// idle mark.
func (t *Tracker) Ping(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.lastPing) {
		t.lastPing = at
	}
	t.idleSince = time.Time{}
}

// MarkIdle records an explicit idle transition relayed from the page (no
// input seen for the page-side threshold). Engagement stays false until the
// next ping regardless of how recent the last ping was.
func (t *Tracker) MarkIdle(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleSince.IsZero() || at.After(t.idleSince) {
		t.idleSince = at
	}
}

// SetProber installs the host idle detector after construction (the
// detector may only exist once the host adapter is connected).
func (t *Tracker) SetProber(p IdleProber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prober = p
}

// LastPing returns the most recent foreground ping timestamp.
func (t *Tracker) LastPing() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPing
}

// Engaged reports whether the user counts as engaged at now. The idle probe
// is consulted last; an unavailable probe degrades to active rather than
// interrupting accumulation.
func (t *Tracker) Engaged(ctx context.Context, now time.Time) bool {
	t.mu.Lock()
	fresh := !t.lastPing.IsZero() && now.Sub(t.lastPing) < t.threshold
	idleMarked := !t.idleSince.IsZero()
	prober := t.prober
	t.mu.Unlock()

	if idleMarked || !fresh {
		return false
	}
	if prober == nil {
		return true
	}
	state, err := prober.IdleState(ctx)
	if err != nil {
		t.logger.Debug("activity: idle probe unavailable, assuming active", "error", err)
		return true
	}
	return state == StateActive
}
