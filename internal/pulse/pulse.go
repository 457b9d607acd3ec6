// Package pulse is the heartbeat: the sole mechanism that credits dwell
// time to a domain. A low-frequency ticker samples elapsed wall-clock time,
// adds it to the open record when the user counts as engaged, and pushes
// the full total to the backend as an idempotent overwrite.
package pulse

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemark/visitd/internal/activity"
	"github.com/tidemark/visitd/internal/ledger"
)

// DefaultInterval between ticks.
const DefaultInterval = 45 * time.Second

// Updater is the slice of the sync gateway the heartbeat needs.
type Updater interface {
	UpdateDuration(ctx context.Context, remoteID string, seconds int64) error
}

// Config tunes the heartbeat.
type Config struct {
	// Interval between ticks. Default: 45s.
	Interval time.Duration `yaml:"interval"`
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Pulse runs the heartbeat loop.
type Pulse struct {
	cfg     Config
	led     *ledger.Ledger
	act     *activity.Tracker
	backend Updater
	logger  *slog.Logger

	lastTick time.Time
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Pulse. Call Start to launch the loop, or drive Tick
// directly.
func New(cfg Config, led *ledger.Ledger, act *activity.Tracker, backend Updater, logger *slog.Logger) *Pulse {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pulse{
		cfg:     cfg,
		led:     led,
		act:     act,
		backend: backend,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It runs until Stop or context
// cancellation. Repeat calls are no-ops.
func (p *Pulse) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

// Stop signals the heartbeat goroutine to exit and waits for it. Safe to
// call multiple times and before Start.
func (p *Pulse) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Pulse) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Prime the elapsed-time baseline; the first credit happens one full
	// interval after start.
	p.lastTick = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.Tick(ctx, now)
		}
	}
}

// Tick runs one heartbeat step at now. Exported so tests (and a final
// shutdown flush) can drive the scheduler deterministically.
func (p *Pulse) Tick(ctx context.Context, now time.Time) {
	prev := p.lastTick
	p.lastTick = now
	if prev.IsZero() || !now.After(prev) {
		return
	}

	if _, open := p.led.Current(); !open {
		return
	}

	engaged := p.act.Engaged(ctx, now)
	if !engaged {
		// Idle interval: contributes zero, and there is nothing new to push.
		return
	}

	total, ok := p.led.AddEngaged(now.Sub(prev), now)
	if !ok {
		return
	}

	// Re-read: the create response may have landed since the record opened.
	cur, open := p.led.Current()
	if !open || cur.RemoteID == "" {
		return
	}
	if err := p.backend.UpdateDuration(ctx, cur.RemoteID, total); err != nil {
		// Self-heals: the next tick pushes a larger, still-correct total.
		p.logger.Warn("pulse: duration update failed",
			"domain", cur.Domain, "remote_id", cur.RemoteID, "error", err)
	}
}
