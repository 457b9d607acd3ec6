// Package bridge is the local HTTP surface of visitd: the in-process
// message channel of the original extension, reshaped as a loopback REST
// API. The page-side collaborator posts activity and idle signals here, the
// UI collaborator syncs its user identifier and reads tracking status.
// All message handlers are fire-and-forget; errors never reach the page.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tidemark/visitd/internal/ledger"
	"github.com/tidemark/visitd/internal/store"
)

// StatusView is the read-only answer to a tracking-status query.
type StatusView struct {
	Tracking bool           `json:"tracking"`
	UserID   string         `json:"user_id,omitempty"`
	Visit    *ledger.Record `json:"visit,omitempty"`
}

// Service is what the bridge needs from the tracking core.
type Service interface {
	// Activity relays a foreground ping from the visited page.
	Activity(at time.Time, url string)
	// Idle relays an explicit idle transition.
	Idle(at time.Time)
	// SyncUserID overwrites the cached identifier with the UI's.
	SyncUserID(ctx context.Context, userID string) error
	// Status returns current ledger contents. No side effects.
	Status(ctx context.Context) (StatusView, error)
	// Recent returns recently finalized visits from the local mirror.
	Recent(ctx context.Context, limit int) ([]store.Visit, error)
	// Domains returns per-domain dwell rollups.
	Domains(ctx context.Context, limit int) ([]store.DomainTotal, error)
}

// Config configures the bridge listener.
type Config struct {
	// Addr to listen on. Default: "127.0.0.1:7487".
	Addr string `yaml:"addr"`
	// Disabled skips the listener entirely (headless deployments where the
	// page and UI collaborators are absent).
	Disabled bool `yaml:"disabled"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7487"
	}
}

// Server hosts the bridge API.
type Server struct {
	cfg    Config
	svc    Service
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config, svc Service, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, svc: svc, logger: logger}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/activity", s.handleActivity)
	r.Post("/v1/idle", s.handleIdle)
	r.Post("/v1/identity", s.handleIdentity)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/visits/recent", s.handleRecent)
	r.Get("/v1/domains", s.handleDomains)

	return r
}

// Serve runs the listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type signalPayload struct {
	// TS is unix milliseconds from the page's clock; zero means "now".
	TS  int64  `json:"ts"`
	URL string `json:"url,omitempty"`
}

func (p signalPayload) at() time.Time {
	if p.TS <= 0 {
		return time.Now()
	}
	return time.UnixMilli(p.TS)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var p signalPayload
	// Malformed payloads are acknowledged and dropped: a missed ping only
	// costs one interval of credit, never a user-facing failure.
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.logger.Debug("bridge: bad activity payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	s.svc.Activity(p.at(), p.URL)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	var p signalPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.logger.Debug("bridge: bad idle payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	s.svc.Idle(p.at())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	if err := s.svc.SyncUserID(r.Context(), p.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	visits, err := s.svc.Recent(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	totals, err := s.svc.Domains(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": totals})
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
