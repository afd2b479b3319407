// Package api serves the live stream surface: an SSE feed of ticks,
// trades, and movements for a set of requested markets, plus the track
// endpoint that tells the collector which event slug a viewer is watching.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
)

// Store is the store slice the API reads from and writes tracking rows to.
type Store interface {
	Fetch(ctx context.Context, table string, params map[string]string, out any) error
	Upsert(ctx context.Context, table string, rows any, conflictCols string) error
	Patch(ctx context.Context, table string, predicate map[string]string, fields any) error
}

// Server runs the HTTP API.
type Server struct {
	cfg    config.ServerConfig
	store  Store
	server *http.Server
	logger *slog.Logger
	now    func() time.Time
	stats  func() map[string]any
}

// SetStats installs a callback whose fields are merged into /health
// responses (buffer depth, spool size, uptime).
func (s *Server) SetStats(fn func() map[string]any) {
	s.stats = fn
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.ServerConfig, st Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "api-server"),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/stream", s.handleStream)
	r.Post("/track", s.handleTrack)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: /stream holds the connection open indefinitely.
	}
	return s
}

// Start blocks serving until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// writeError emits the JSON error envelope every failure response uses.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"ts":     s.now().UTC().Format(time.RFC3339),
	}
	if s.stats != nil {
		for k, v := range s.stats() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
