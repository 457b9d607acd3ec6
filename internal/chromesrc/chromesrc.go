// Package chromesrc feeds navigation events from a live Chrome over the
// DevTools protocol. Target-info changes on page targets become
// navigation-completed events; a low-frequency focus poll (visibility +
// document focus) synthesizes tab-focus events and doubles as the idle
// probe: a browser with no focused page counts as idle.
package chromesrc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/tidemark/visitd/internal/activity"
	"github.com/tidemark/visitd/internal/events"
)

// Config configures the Chrome connection.
type Config struct {
	// RemoteURL of a Chrome started with --remote-debugging-port, e.g.
	// "http://127.0.0.1:9222". Empty + Launch=true launches a local Chrome.
	RemoteURL string `yaml:"remote_url"`
	// Launch a local (headful) Chrome when no RemoteURL is given.
	Launch bool `yaml:"launch"`
	// PollInterval for the focused-page probe. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Source implements events.Source on top of rod.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	browser *rod.Browser // nil until Run connects
	lnch    *launcher.Launcher

	ctx    context.Context
	cancel context.CancelFunc

	tabs    tabTable
	focused atomic.Value // proto.TargetTargetID of the focused page, "" when none
}

// New creates a Source. Run connects and blocks.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Source {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Source{cfg: cfg, logger: logger, ctx: runCtx, cancel: cancel}
	s.focused.Store(proto.TargetTargetID(""))
	return s
}

// Run connects to Chrome and delivers events to handler until the context
// ends or Close is called.
func (s *Source) Run(handler events.Handler) error {
	controlURL, err := s.resolveControlURL()
	if err != nil {
		return err
	}

	b := rod.New().ControlURL(controlURL).Context(s.ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("chromesrc: connect: %w", err)
	}
	s.setBrowser(b)

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("chromesrc: enable target discovery: %w", err)
	}

	go s.pollFocus(handler)

	// Blocks until the context is cancelled.
	wait := b.EachEvent(func(e *proto.TargetTargetInfoChanged) {
		info := e.TargetInfo
		if info == nil || info.Type != "page" {
			return
		}
		if !s.tabs.update(info.TargetID, info.URL, info.Title) {
			return
		}
		focused := s.focused.Load().(proto.TargetTargetID) == info.TargetID
		handler.NavigationCompleted(events.Navigation{
			TabID: string(info.TargetID),
			URL:   info.URL,
			Title: info.Title,
			When:  time.Now(),
		}, focused)
	}, func(e *proto.TargetTargetDestroyed) {
		s.tabs.remove(e.TargetID)
	})
	wait()
	return s.ctx.Err()
}

func (s *Source) resolveControlURL() (string, error) {
	if s.cfg.RemoteURL != "" {
		u, err := launcher.ResolveURL(s.cfg.RemoteURL)
		if err != nil {
			return "", fmt.Errorf("chromesrc: resolve %s: %w", s.cfg.RemoteURL, err)
		}
		return u, nil
	}
	if !s.cfg.Launch {
		return "", fmt.Errorf("chromesrc: no remote_url and launch disabled")
	}
	lnch := launcher.New().Headless(false)
	u, err := lnch.Launch()
	if err != nil {
		return "", fmt.Errorf("chromesrc: launch chrome: %w", err)
	}
	s.mu.Lock()
	s.lnch = lnch
	s.mu.Unlock()
	return u, nil
}

// setBrowser publishes the connected browser; Browser readers run on the
// heartbeat and focus-poll goroutines.
func (s *Source) setBrowser(b *rod.Browser) {
	s.mu.Lock()
	s.browser = b
	s.mu.Unlock()
}

// Browser returns the connected browser, nil before Run connects.
func (s *Source) Browser() *rod.Browser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browser
}

// pollFocus finds the page the user is actually looking at. CDP has no
// browser-wide "tab activated" event, so the probe asks each page whether
// it is visible and holds document focus.
func (s *Source) pollFocus(handler events.Handler) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		id, nav, ok := s.findFocused()
		prev := s.focused.Load().(proto.TargetTargetID)
		if !ok {
			s.focused.Store(proto.TargetTargetID(""))
			continue
		}
		s.focused.Store(id)
		if id != prev {
			handler.TabFocused(nav)
		}
	}
}

func (s *Source) findFocused() (proto.TargetTargetID, events.Navigation, bool) {
	b := s.Browser()
	if b == nil {
		return "", events.Navigation{}, false
	}
	pages, err := b.Pages()
	if err != nil {
		s.logger.Debug("chromesrc: list pages", "error", err)
		return "", events.Navigation{}, false
	}
	for _, p := range pages {
		res, err := p.Eval(`() => document.visibilityState === "visible" && document.hasFocus()`)
		if err != nil || !res.Value.Bool() {
			continue
		}
		url, title := s.tabs.get(p.TargetID)
		if url == "" {
			if info, err := p.Info(); err == nil {
				url, title = info.URL, info.Title
			}
		}
		return p.TargetID, events.Navigation{
			TabID: string(p.TargetID),
			URL:   url,
			Title: title,
			When:  time.Now(),
		}, true
	}
	return "", events.Navigation{}, false
}

// IdleProber reports idle when the last focus poll found no focused page.
// Probe failures surface as errors and the caller falls back to active.
func (s *Source) IdleProber() activity.IdleProber {
	return activity.ProberFunc(func(ctx context.Context) (activity.State, error) {
		if s.Browser() == nil {
			return "", fmt.Errorf("chromesrc: not connected")
		}
		if s.focused.Load().(proto.TargetTargetID) == "" {
			return activity.StateIdle, nil
		}
		return activity.StateActive, nil
	})
}

// Close disconnects from Chrome and, when we launched it, kills the process.
func (s *Source) Close() error {
	s.cancel()
	s.mu.RLock()
	b, lnch := s.browser, s.lnch
	s.mu.RUnlock()
	if b != nil {
		if err := b.Close(); err != nil {
			s.logger.Debug("chromesrc: close browser", "error", err)
		}
	}
	if lnch != nil {
		lnch.Kill()
	}
	return nil
}

// tabTable deduplicates target-info updates: an event only propagates when
// the target's URL actually changed (title churn and attach flips are
// noise).
type tabTable struct {
	mu   sync.Mutex
	tabs map[proto.TargetTargetID]tabInfo
}

type tabInfo struct {
	url   string
	title string
}

func (t *tabTable) update(id proto.TargetTargetID, url, title string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tabs == nil {
		t.tabs = make(map[proto.TargetTargetID]tabInfo)
	}
	prev, seen := t.tabs[id]
	t.tabs[id] = tabInfo{url: url, title: title}
	return !seen || prev.url != url
}

func (t *tabTable) get(id proto.TargetTargetID) (url, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.tabs[id]
	return info.url, info.title
}

func (t *tabTable) remove(id proto.TargetTargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tabs, id)
}
