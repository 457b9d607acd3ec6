package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateVisit(t *testing.T) {
	var got CreateVisitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/visits" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "visit_id": "v_123"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	id, err := c.CreateVisit(context.Background(), CreateVisitRequest{
		UserID:   "usr_1",
		URL:      "https://a.com/page",
		Domain:   "a.com",
		Event:    "page_visit",
		TabID:    "tab-1",
		ClientTS: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "v_123" {
		t.Errorf("visit id = %q, want v_123", id)
	}
	if got.Domain != "a.com" || got.UserID != "usr_1" || got.Event != "page_visit" {
		t.Errorf("payload = %+v", got)
	}
}

func TestCreateVisitBackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	if _, err := c.CreateVisit(context.Background(), CreateVisitRequest{Domain: "a.com"}); err == nil {
		t.Fatal("expected error on success=false")
	}
}

func TestUpdateDuration(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/visits/v_1/duration" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["duration_seconds"] != 90 {
			t.Errorf("duration_seconds = %d, want 90", body["duration_seconds"])
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	if err := c.UpdateDuration(context.Background(), "v_1", 90); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", calls.Load())
	}
}

func TestUpdateDurationSanityCeiling(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	for _, seconds := range []int64{0, -5, MaxDurationSeconds, MaxDurationSeconds + 1} {
		if err := c.UpdateDuration(context.Background(), "v_1", seconds); err != nil {
			t.Errorf("UpdateDuration(%d) returned error: %v", seconds, err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("out-of-range durations reached the backend: %d calls", calls.Load())
	}
}

func TestUpdateDurationEmptyRemoteID(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"}, nil)
	if err := c.UpdateDuration(context.Background(), "", 10); err == nil {
		t.Fatal("expected error for empty remote id")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	if _, err := c.CreateVisit(context.Background(), CreateVisitRequest{Domain: "a.com"}); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	if err := c.UpdateDuration(context.Background(), "v_1", 10); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}
