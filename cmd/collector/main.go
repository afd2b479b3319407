// Market-move intelligence collector — ingests prediction-market trades
// and book ticks, detects price/volume movements across multiple windows,
// scores them, and serves a live SSE stream.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → buffers → detectors → scorer → API
//	feeds/               — source adapters: sharded CLOB websocket, REST poller, backfill, movers
//	buffer/              — batch trade writer with circuit breaker + disk spool, aggregate buffer
//	ticks/               — mid-tick append + latest-row upsert
//	movement/            — real-time, windowed, and event-level movement detectors + finalize worker
//	signal/              — classification, news relevance, narrative explanations
//	api/                 — SSE live stream, track endpoint, health
//	store/               — PostgREST-style table store client
package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("collector running",
		"api_port", cfg.Server.Port,
		"slugs", cfg.Feeds.EventSlugs,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeLog, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
