// Package store is visitd's durable local storage: the single-row tracker
// snapshot that lets a restart resume dwell accumulation, the cached user
// identifier, and an append-only local mirror of finalized visits for
// status queries and per-domain rollups.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidemark/visitd/internal/dbopen"
	"github.com/tidemark/visitd/internal/idgen"
)

// Schema creates all store tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tracker_state (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	domain          TEXT NOT NULL,
	remote_id       TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	favicon_url     TEXT NOT NULL DEFAULT '',
	engaged_seconds INTEGER NOT NULL DEFAULT 0,
	opened_at       INTEGER NOT NULL,
	last_activity   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identity (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	user_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS visits (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	domain          TEXT NOT NULL,
	registrable     TEXT NOT NULL,
	url             TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	remote_id       TEXT NOT NULL DEFAULT '',
	engaged_seconds INTEGER NOT NULL DEFAULT 0,
	opened_at       INTEGER NOT NULL,
	closed_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visits_domain ON visits(registrable);
CREATE INDEX IF NOT EXISTS idx_visits_opened ON visits(opened_at DESC);
`

// Snapshot is the persisted image of the currently open visit. It carries
// everything a restart needs to resume accumulation instead of restarting
// the domain's timer from zero.
type Snapshot struct {
	Domain         string
	RemoteID       string
	URL            string
	Title          string
	FaviconURL     string
	EngagedSeconds int64
	OpenedAt       time.Time
	LastActivity   time.Time
}

// Visit is one finalized ledger entry mirrored locally.
type Visit struct {
	Domain         string    `json:"domain"`
	Registrable    string    `json:"registrable"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	Kind           string    `json:"kind"`
	RemoteID       string    `json:"remote_id,omitempty"`
	EngagedSeconds int64     `json:"engaged_seconds"`
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `json:"closed_at"`
}

// DomainTotal is an aggregated dwell rollup keyed by registrable domain.
type DomainTotal struct {
	Domain         string `json:"domain"`
	Visits         int64  `json:"visits"`
	EngagedSeconds int64  `json:"engaged_seconds"`
}

// Store wraps the visitd database.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already-open database. The caller is responsible for having
// applied Schema (Open does both).
func New(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Prefixed("usr_", idgen.Default)}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot persists the open visit. Called synchronously after every
// ledger mutation that a process restart could otherwise lose.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_state (
			id, domain, remote_id, url, title, favicon_url,
			engaged_seconds, opened_at, last_activity
		) VALUES (1,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			domain          = excluded.domain,
			remote_id       = excluded.remote_id,
			url             = excluded.url,
			title           = excluded.title,
			favicon_url     = excluded.favicon_url,
			engaged_seconds = excluded.engaged_seconds,
			opened_at       = excluded.opened_at,
			last_activity   = excluded.last_activity`,
		snap.Domain, snap.RemoteID, snap.URL, snap.Title, snap.FaviconURL,
		snap.EngagedSeconds, snap.OpenedAt.Unix(), snap.LastActivity.Unix())
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted open visit, or nil when none exists.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, remote_id, url, title, favicon_url,
		       engaged_seconds, opened_at, last_activity
		FROM tracker_state WHERE id = 1`)

	var snap Snapshot
	var openedAt, lastActivity int64
	err := row.Scan(&snap.Domain, &snap.RemoteID, &snap.URL, &snap.Title,
		&snap.FaviconURL, &snap.EngagedSeconds, &openedAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}
	snap.OpenedAt = time.Unix(openedAt, 0)
	snap.LastActivity = time.Unix(lastActivity, 0)
	return &snap, nil
}

// UserID returns the cached locally-generated user identifier, creating and
// persisting one on first use.
func (s *Store) UserID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM identity WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: load user id: %w", err)
	}

	id = s.newID()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (id, user_id) VALUES (1, ?)`, id); err != nil {
		return "", fmt.Errorf("store: create user id: %w", err)
	}
	return id, nil
}

// SyncUserID overwrites the cached identifier with one generated elsewhere
// (the UI side of the split storage model). The incoming value wins.
func (s *Store) SyncUserID(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("store: sync user id: empty identifier")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (id, user_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id`, userID)
	if err != nil {
		return fmt.Errorf("store: sync user id: %w", err)
	}
	return nil
}

// RecordVisit appends a finalized visit to the local mirror.
func (s *Store) RecordVisit(ctx context.Context, v Visit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visits (
			domain, registrable, url, title, kind, remote_id,
			engaged_seconds, opened_at, closed_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.Domain, v.Registrable, v.URL, v.Title, v.Kind, v.RemoteID,
		v.EngagedSeconds, v.OpenedAt.Unix(), v.ClosedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: record visit: %w", err)
	}
	return nil
}

// RecentVisits returns the most recently closed visits, newest first.
func (s *Store) RecentVisits(ctx context.Context, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, registrable, url, title, kind, remote_id,
		       engaged_seconds, opened_at, closed_at
		FROM visits ORDER BY opened_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent visits: %w", err)
	}
	defer rows.Close()

	var out []Visit
	for rows.Next() {
		var v Visit
		var openedAt, closedAt int64
		if err := rows.Scan(&v.Domain, &v.Registrable, &v.URL, &v.Title, &v.Kind,
			&v.RemoteID, &v.EngagedSeconds, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("store: recent visits scan: %w", err)
		}
		v.OpenedAt = time.Unix(openedAt, 0)
		v.ClosedAt = time.Unix(closedAt, 0)
		out = append(out, v)
	}
	return out, rows.Err()
}

// TotalsByDomain aggregates dwell time by registrable domain, most engaged
// first.
func (s *Store) TotalsByDomain(ctx context.Context, limit int) ([]DomainTotal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT registrable, COUNT(*), COALESCE(SUM(engaged_seconds), 0)
		FROM visits GROUP BY registrable
		ORDER BY SUM(engaged_seconds) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: totals by domain: %w", err)
	}
	defer rows.Close()

	var out []DomainTotal
	for rows.Next() {
		var dt DomainTotal
		if err := rows.Scan(&dt.Domain, &dt.Visits, &dt.EngagedSeconds); err != nil {
			return nil, fmt.Errorf("store: totals scan: %w", err)
		}
		out = append(out, dt)
	}
	return out, rows.Err()
}
