// Command visitd is the browsing-dwell tracking daemon.
//
// Usage:
//
//	visitd -config visitd.yaml            # run with config file
//	visitd -db visitd.db -chrome http://127.0.0.1:9222
//	visitd -db visitd.db -status          # show local history and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/tidemark/visitd"
	"github.com/tidemark/visitd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to visitd.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	backendURL := flag.String("backend", "", "visit backend base URL")
	chromeURL := flag.String("chrome", "", "Chrome remote debugging URL (e.g. http://127.0.0.1:9222)")
	showStatus := flag.Bool("status", false, "show local tracking history and exit")
	mcpStdio := flag.Bool("mcp", false, "also serve MCP tools over stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *backendURL, *chromeURL, *showStatus, *mcpStdio); err != nil {
		logger.Error("visitd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, backendURL, chromeURL string, showStatus, mcpStdio bool) error {
	cfg, err := resolveConfig(configPath, dbPath, backendURL, chromeURL)
	if err != nil {
		return err
	}

	// One-shot: history straight from the local database, no daemon needed.
	if showStatus {
		return printStatus(ctx, cfg.DBPath)
	}

	t, err := visitd.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer t.Close()

	if mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "visitd",
			Version: "1.0.0",
		}, nil)
		t.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("visitd: mcp stdio", "error", err)
			}
		}()
	}

	t.Start(ctx)
	logger.Info("visitd: running", "db", cfg.DBPath, "backend", cfg.Backend.BaseURL)

	<-ctx.Done()
	logger.Info("visitd: shutting down")
	return nil
}

func resolveConfig(configPath, dbPath, backendURL, chromeURL string) (*visitd.Config, error) {
	var cfg *visitd.Config
	if configPath != "" {
		loaded, err := visitd.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &visitd.Config{}
	}

	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if backendURL != "" {
		cfg.Backend.BaseURL = backendURL
	}
	if chromeURL != "" {
		cfg.Browser.RemoteURL = chromeURL
	}
	return cfg, nil
}

func printStatus(ctx context.Context, dbPath string) error {
	if dbPath == "" {
		dbPath = "visitd.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	recent, err := st.RecentVisits(ctx, 20)
	if err != nil {
		return err
	}
	totals, err := st.TotalsByDomain(ctx, 20)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"open_visit": snap,
		"recent":     recent,
		"domains":    totals,
	})
}
