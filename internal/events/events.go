// Package events defines the navigation event model shared between host
// adapters (Chrome DevTools, test fakes) and the routing core. The core
// registers a Handler; which concrete host delivers the events is a
// startup-time decision.
package events

import "time"

// Kind tags how a visit boundary was crossed. The backend stores it for
// diagnostics; the two kinds are functionally identical.
type Kind string

const (
	KindPageVisit Kind = "page_visit"
	KindTabSwitch Kind = "tab_switch"
)

// Navigation describes one candidate navigation observed in the browser.
type Navigation struct {
	// TabID identifies the tab. Opaque; Chrome target IDs are strings.
	TabID string
	// WindowID is the hosting window, zero when the host cannot tell.
	WindowID int
	URL      string
	Title    string
	When     time.Time
}

// Handler receives browser-level navigation events. Implementations must be
// safe for calls from the host adapter's event goroutine.
type Handler interface {
	// TabFocused fires when the user switches to a different tab.
	TabFocused(n Navigation)
	// NavigationCompleted fires when a tab finishes loading a document.
	// focused reports whether the tab is the currently focused one.
	NavigationCompleted(n Navigation, focused bool)
}

// Source is a host adapter that feeds a Handler until the context ends.
type Source interface {
	Run(handler Handler) error
	Close() error
}
