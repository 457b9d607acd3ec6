package visitd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tidemark/visitd/internal/dbopen"
	"github.com/tidemark/visitd/internal/events"
	"github.com/tidemark/visitd/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend is an httptest visit backend recording creates and updates.
type fakeBackend struct {
	mu      sync.Mutex
	creates []map[string]any
	updates map[string][]int64
	nextID  int
	srv     *httptest.Server
}

func newBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{updates: make(map[string][]int64)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/visits", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.creates = append(f.creates, body)
		f.nextID++
		id := fmt.Sprintf("v_%d", f.nextID)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true, "visit_id": id})
	})
	mux.HandleFunc("PUT /api/v1/visits/{id}/duration", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		id := r.PathValue("id")
		f.updates[id] = append(f.updates[id], body["duration_seconds"])
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) createDomains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.creates {
		out = append(out, c["domain"].(string))
	}
	return out
}

func testConfig(backendURL string) *Config {
	cfg := &Config{}
	cfg.Backend.BaseURL = backendURL
	cfg.Bridge.Disabled = true
	cfg.Router.Debounce = 20 * time.Millisecond
	return cfg
}

func newTracker(t *testing.T, backend *fakeBackend) *Tracker {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	tr, err := New(testConfig(backend.srv.URL), nil, WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.rt.Stop() })
	return tr
}

func navTo(tr *Tracker, tab, url string, at time.Time) {
	tr.Handler().NavigationCompleted(events.Navigation{TabID: tab, URL: url, Title: "t", When: at}, true)
}

func waitDebounce() { time.Sleep(80 * time.Millisecond) }

func TestSingleVisitAccumulatesEngagedTime(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)
	ctx := context.Background()

	navTo(tr, "tab1", "https://a.com/page1", t0)
	waitDebounce()

	if got := backend.createDomains(); len(got) != 1 || got[0] != "a.com" {
		t.Fatalf("creates = %v, want [a.com]", got)
	}

	// 65 seconds of activity pings every few seconds, then a heartbeat.
	tr.hb.Tick(ctx, t0) // baseline
	for s := 0; s <= 65; s += 4 {
		tr.Activity(t0.Add(time.Duration(s)*time.Second), "https://a.com/page1")
	}
	tr.hb.Tick(ctx, t0.Add(65*time.Second))

	backend.mu.Lock()
	got := backend.updates["v_1"]
	backend.mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no duration update after engaged heartbeat")
	}
	if got[0] < 55 || got[0] > 70 {
		t.Fatalf("duration = %d, want within [55,70]", got[0])
	}
}

func TestSameDomainNavigationDoesNotFragment(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)

	navTo(tr, "tab1", "https://a.com/page1", t0)
	waitDebounce()
	navTo(tr, "tab1", "https://a.com/page2", t0.Add(time.Second))
	waitDebounce()

	if got := backend.createDomains(); len(got) != 1 {
		t.Fatalf("creates = %v, want exactly one for a.com", got)
	}
}

func TestDomainTransitionFlushesThenCreates(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)
	ctx := context.Background()

	navTo(tr, "tab1", "https://a.com/", t0)
	waitDebounce()

	// Accumulate some engaged time on a.com.
	tr.hb.Tick(ctx, t0)
	tr.Activity(t0.Add(40*time.Second), "https://a.com/")
	tr.hb.Tick(ctx, t0.Add(45*time.Second))

	navTo(tr, "tab1", "https://b.com/", t0.Add(time.Minute))
	waitDebounce()

	if got := backend.createDomains(); len(got) != 2 || got[1] != "b.com" {
		t.Fatalf("creates = %v, want [a.com b.com]", got)
	}
	backend.mu.Lock()
	flushes := backend.updates["v_1"]
	backend.mu.Unlock()
	// Heartbeat update plus the boundary's final flush, same total.
	if len(flushes) < 2 || flushes[len(flushes)-1] != 45 {
		t.Fatalf("a.com updates = %v, want final flush of 45", flushes)
	}

	// The finalized visit landed in the local mirror.
	recent, err := tr.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Domain != "a.com" || recent[0].EngagedSeconds != 45 {
		t.Fatalf("recent = %+v, want one a.com visit with 45s", recent)
	}
}

func TestInternalURLProducesNothing(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)

	navTo(tr, "tab1", "chrome://extensions", t0)
	waitDebounce()

	if got := backend.createDomains(); len(got) != 0 {
		t.Fatalf("creates = %v, want none for chrome://", got)
	}
	view, err := tr.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if view.Tracking {
		t.Fatalf("status = %+v, want not tracking", view)
	}
}

func TestIdleHeartbeatAddsNothing(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)
	ctx := context.Background()

	navTo(tr, "tab1", "https://a.com/", t0)
	waitDebounce()

	tr.hb.Tick(ctx, t0)
	tr.Idle(t0.Add(time.Second))
	tr.hb.Tick(ctx, t0.Add(45*time.Second))

	view, _ := tr.Status(ctx)
	if view.Visit == nil || view.Visit.EngagedSeconds != 0 {
		t.Fatalf("visit = %+v, want zero engaged seconds after idle interval", view.Visit)
	}
}

func TestRestartResumesAccumulation(t *testing.T) {
	backend := newBackend(t)
	dbPath := filepath.Join(t.TempDir(), "visitd.db")
	ctx := context.Background()

	cfg := testConfig(backend.srv.URL)
	cfg.DBPath = dbPath

	tr1, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	navTo(tr1, "tab1", "https://x.com/", t0)
	waitDebounce()
	tr1.hb.Tick(ctx, t0)
	tr1.Activity(t0.Add(40*time.Second), "https://x.com/")
	tr1.hb.Tick(ctx, t0.Add(42*time.Second))
	tr1.rt.Stop()
	if err := tr1.Close(); err != nil {
		t.Fatal(err)
	}

	// Reload: the snapshot must resume, not reset.
	tr2, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr2.Close()
	defer tr2.rt.Stop()

	view, err := tr2.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if view.Visit == nil || view.Visit.Domain != "x.com" {
		t.Fatalf("status after restart = %+v, want x.com resumed", view)
	}
	if view.Visit.EngagedSeconds != 42 {
		t.Fatalf("EngagedSeconds after restart = %d, want 42", view.Visit.EngagedSeconds)
	}

	// One engaged tick adds to the restored total.
	tr2.hb.Tick(ctx, t0.Add(60*time.Second))
	tr2.Activity(t0.Add(100*time.Second), "https://x.com/")
	tr2.hb.Tick(ctx, t0.Add(105*time.Second))

	view, _ = tr2.Status(ctx)
	if view.Visit.EngagedSeconds != 87 {
		t.Fatalf("EngagedSeconds = %d, want 42+45=87", view.Visit.EngagedSeconds)
	}
}

func TestUserIDSurvivesAndSyncs(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)
	ctx := context.Background()

	view, err := tr.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(view.UserID, "usr_") {
		t.Fatalf("user id = %q, want generated usr_ identifier", view.UserID)
	}

	if err := tr.SyncUserID(ctx, "usr_ui_copy"); err != nil {
		t.Fatal(err)
	}
	view, _ = tr.Status(ctx)
	if view.UserID != "usr_ui_copy" {
		t.Fatalf("user id after sync = %q, want usr_ui_copy", view.UserID)
	}

	// The synced identifier rides on subsequent create calls.
	navTo(tr, "tab1", "https://a.com/", t0)
	waitDebounce()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.creates) != 1 || backend.creates[0]["user_id"] != "usr_ui_copy" {
		t.Fatalf("creates = %v, want user_id usr_ui_copy", backend.creates)
	}
}

func TestDomainsRollup(t *testing.T) {
	backend := newBackend(t)
	tr := newTracker(t, backend)
	ctx := context.Background()

	navTo(tr, "tab1", "https://news.bbc.co.uk/story", t0)
	waitDebounce()
	tr.hb.Tick(ctx, t0)
	tr.Activity(t0.Add(40*time.Second), "https://news.bbc.co.uk/story")
	tr.hb.Tick(ctx, t0.Add(45*time.Second))

	navTo(tr, "tab1", "https://a.com/", t0.Add(time.Minute))
	waitDebounce()

	totals, err := tr.Domains(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 1 || totals[0].Domain != "bbc.co.uk" || totals[0].EngagedSeconds != 45 {
		t.Fatalf("totals = %+v, want bbc.co.uk with 45s", totals)
	}
}
