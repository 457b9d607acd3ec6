// Package ledger holds the authoritative record of the visit currently
// being tracked. It is a single-slot register, not a collection: opening a
// new record closes the previous one. Every mutation invokes the snapshot
// hook synchronously so a process restart resumes accumulation instead of
// restarting the domain's timer from zero.
package ledger

import (
	"sync"
	"time"
)

// Record is one visit: a continuous stay on a single domain.
type Record struct {
	// RemoteID is assigned by the backend; empty until the create call
	// returns (tracking proceeds locally in the meantime).
	RemoteID string `json:"remote_id,omitempty"`
	// Domain is the partition key: a new record is opened iff it changes.
	Domain     string `json:"domain"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	FaviconURL string `json:"favicon_url,omitempty"`
	// Kind records how the visit boundary was crossed (diagnostic only).
	Kind     string    `json:"kind"`
	OpenedAt time.Time `json:"opened_at"`
	// EngagedSeconds accumulates monotonically; only the heartbeat adds to it.
	EngagedSeconds int64     `json:"engaged_seconds"`
	LastActivity   time.Time `json:"last_activity"`
}

// SnapshotFunc persists a record image. It is called synchronously inside
// each mutation, in mutation order.
type SnapshotFunc func(Record)

// Ledger is the single-slot visit register. Safe for concurrent use; the
// router and the heartbeat mutate it from different goroutines.
type Ledger struct {
	mu       sync.Mutex
	cur      *Record
	snapshot SnapshotFunc
}

// New creates a Ledger. snapshot may be nil (tests).
func New(snapshot SnapshotFunc) *Ledger {
	return &Ledger{snapshot: snapshot}
}

// Restore loads a pre-restart record into the slot without invoking the
// snapshot hook (the image just came from disk).
func (l *Ledger) Restore(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cur = &rec
}

// Open replaces the slot with a fresh record and returns the closed
// predecessor, if any. The new record starts at zero engaged seconds.
func (l *Ledger) Open(rec Record) (closed *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil {
		prev := *l.cur
		closed = &prev
	}
	rec.EngagedSeconds = 0
	if rec.LastActivity.IsZero() {
		rec.LastActivity = rec.OpenedAt
	}
	l.cur = &rec
	l.snap()
	return closed
}

// Current returns a copy of the open record, or false when the slot is empty.
func (l *Ledger) Current() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return Record{}, false
	}
	return *l.cur, true
}

// Domain returns the currently tracked domain, or empty.
func (l *Ledger) Domain() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return ""
	}
	return l.cur.Domain
}

// SetRemoteID applies a create-call response. The response is checked
// against the current domain: a stale response for a domain the user has
// since left must not be misattributed to the wrong record.
func (l *Ledger) SetRemoteID(domain, remoteID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil || l.cur.Domain != domain {
		return false
	}
	l.cur.RemoteID = remoteID
	l.snap()
	return true
}

// AddEngaged credits elapsed engaged time to the open record and returns
// the new total. No-op on an empty slot or a non-positive delta.
func (l *Ledger) AddEngaged(d time.Duration, at time.Time) (total int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil || d <= 0 {
		return 0, false
	}
	l.cur.EngagedSeconds += int64(d / time.Second)
	if at.After(l.cur.LastActivity) {
		l.cur.LastActivity = at
	}
	l.snap()
	return l.cur.EngagedSeconds, true
}

// Touch updates the last-activity timestamp (liveness from a same-domain
// tab switch) without crediting time.
func (l *Ledger) Touch(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil || !at.After(l.cur.LastActivity) {
		return
	}
	l.cur.LastActivity = at
	l.snap()
}

// snap invokes the snapshot hook with a copy. Caller holds the lock, which
// keeps snapshot order identical to mutation order.
func (l *Ledger) snap() {
	if l.snapshot == nil || l.cur == nil {
		return
	}
	l.snapshot(*l.cur)
}
