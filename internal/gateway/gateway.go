// Package gateway is the only module that talks to the remote visit
// backend. Two operations: create a visit record, overwrite its duration.
// No retries: a failed update is superseded by the next heartbeat's update,
// which carries the full current total rather than a delta.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MaxDurationSeconds is the sanity ceiling for a single visit (24h).
// Values at or above it, like zero and negative values, are dropped locally
// before any network call.
const MaxDurationSeconds = 86400

// Config configures the backend client.
type Config struct {
	// BaseURL of the visit backend, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`
	// Timeout per request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
	// UserAgent header. Default: "visitd/1.0".
	UserAgent string `yaml:"user_agent"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "visitd/1.0"
	}
}

// Client is the backend HTTP client.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// CreateVisitRequest is the create-visit payload.
type CreateVisitRequest struct {
	UserID     string    `json:"user_id"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	Title      string    `json:"title,omitempty"`
	FaviconURL string    `json:"favicon_url,omitempty"`
	Event      string    `json:"event"`
	TabID      string    `json:"tab_id,omitempty"`
	WindowID   int       `json:"window_id,omitempty"`
	ClientTS   time.Time `json:"client_ts"`
}

type createVisitResponse struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id"`
}

type updateDurationResponse struct {
	Success bool `json:"success"`
}

// CreateVisit registers a new visit and returns the backend's identifier.
func (c *Client) CreateVisit(ctx context.Context, req CreateVisitRequest) (string, error) {
	var resp createVisitResponse
	if err := c.post(ctx, http.MethodPost, "/api/v1/visits", req, &resp); err != nil {
		return "", fmt.Errorf("gateway: create visit: %w", err)
	}
	if !resp.Success || resp.VisitID == "" {
		return "", fmt.Errorf("gateway: create visit: backend rejected request")
	}
	return resp.VisitID, nil
}

// UpdateDuration overwrites the visit's engaged-seconds total. Idempotent
// by design: the value is a full total, not an increment, so missed or
// duplicated calls cannot corrupt it. Out-of-range values (≤0 or ≥24h) are
// dropped without a call and without error.
func (c *Client) UpdateDuration(ctx context.Context, remoteID string, seconds int64) error {
	if remoteID == "" {
		return fmt.Errorf("gateway: update duration: empty remote id")
	}
	if seconds <= 0 || seconds >= MaxDurationSeconds {
		c.logger.Debug("gateway: dropping out-of-range duration",
			"remote_id", remoteID, "seconds", seconds)
		return nil
	}
	body := map[string]int64{"duration_seconds": seconds}
	var resp updateDurationResponse
	path := "/api/v1/visits/" + remoteID + "/duration"
	if err := c.post(ctx, http.MethodPut, path, body, &resp); err != nil {
		return fmt.Errorf("gateway: update duration: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("gateway: update duration: backend rejected request")
	}
	return nil
}

func (c *Client) post(ctx context.Context, method, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Bounded read keeps error messages useful without trusting the body.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
