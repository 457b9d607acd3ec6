package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tidemark/visitd/internal/dbopen"
	"github.com/tidemark/visitd/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.New(db)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := store.Snapshot{
		Domain:         "x.com",
		RemoteID:       "abc",
		URL:            "https://x.com/p",
		Title:          "X",
		FaviconURL:     "https://x.com/favicon.ico",
		EngagedSeconds: 42,
		OpenedAt:       opened,
		LastActivity:   opened.Add(40 * time.Second),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("LoadSnapshot returned nil after save")
	}
	if got.Domain != "x.com" || got.RemoteID != "abc" || got.EngagedSeconds != 42 {
		t.Errorf("snapshot mismatch: %+v", got)
	}
	if !got.OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %v, want %v", got.OpenedAt, opened)
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, domain := range []string{"a.com", "b.com"} {
		snap := store.Snapshot{Domain: domain, EngagedSeconds: int64(i), OpenedAt: now, LastActivity: now}
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Domain != "b.com" || got.EngagedSeconds != 1 {
		t.Errorf("snapshot = %+v, want latest write (b.com)", got)
	}
}

func TestLoadSnapshotEmpty(t *testing.T) {
	s := testStore(t)
	got, err := s.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("LoadSnapshot on empty store = %+v, want nil", got)
	}
}

func TestUserIDStableAcrossCalls(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.UserID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first, "usr_") {
		t.Errorf("user id %q missing usr_ prefix", first)
	}
	second, err := s.UserID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("user id changed between calls: %q vs %q", first, second)
	}
}

func TestSyncUserIDOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.UserID(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncUserID(ctx, "usr_from_ui"); err != nil {
		t.Fatal(err)
	}
	got, err := s.UserID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "usr_from_ui" {
		t.Errorf("UserID after sync = %q, want usr_from_ui", got)
	}

	if err := s.SyncUserID(ctx, ""); err == nil {
		t.Error("SyncUserID accepted empty identifier")
	}
}

func TestVisitsMirrorAndTotals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	visits := []store.Visit{
		{Domain: "news.bbc.co.uk", Registrable: "bbc.co.uk", URL: "https://news.bbc.co.uk/a", Kind: "page_visit", EngagedSeconds: 30, OpenedAt: base, ClosedAt: base.Add(time.Minute)},
		{Domain: "www.bbc.co.uk", Registrable: "bbc.co.uk", URL: "https://www.bbc.co.uk/b", Kind: "tab_switch", EngagedSeconds: 45, OpenedAt: base.Add(time.Minute), ClosedAt: base.Add(2 * time.Minute)},
		{Domain: "a.com", Registrable: "a.com", URL: "https://a.com", Kind: "page_visit", EngagedSeconds: 10, OpenedAt: base.Add(2 * time.Minute), ClosedAt: base.Add(3 * time.Minute)},
	}
	for _, v := range visits {
		if err := s.RecordVisit(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.RecentVisits(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentVisits len = %d, want 2", len(recent))
	}
	if recent[0].Domain != "a.com" {
		t.Errorf("newest visit = %q, want a.com", recent[0].Domain)
	}

	totals, err := s.TotalsByDomain(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 2 {
		t.Fatalf("TotalsByDomain len = %d, want 2", len(totals))
	}
	if totals[0].Domain != "bbc.co.uk" || totals[0].EngagedSeconds != 75 || totals[0].Visits != 2 {
		t.Errorf("top total = %+v, want bbc.co.uk/75s/2 visits", totals[0])
	}
}
