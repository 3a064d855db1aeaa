// Package health serves the optional local health and stats listener.
// It is off by default; the front end enables it by setting health.listen
// in the config when it wants to observe the sidecar out of band.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/connies-uploader/sidecar/internal/dispatch"
	"github.com/connies-uploader/sidecar/internal/history"
	"github.com/connies-uploader/sidecar/internal/log"
)

// StatsSource provides the dispatcher counters for /stats.
type StatsSource interface {
	Snapshot() dispatch.Snapshot
}

// TokenSource reports remaining rate-limit tokens per service.
type TokenSource interface {
	Tokens() map[string]float64
}

// RecentSource lists the latest recorded uploads for /recent.
type RecentSource interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server is the HTTP listener. Local observability only: it exposes no
// mutation endpoints and never sees credentials or file contents.
type Server struct {
	listen    string
	stats     StatsSource
	tokens    TokenSource
	recent    RecentSource // nil when history is disabled
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(listen string, stats StatsSource, tokens TokenSource, recent RecentSource) *Server {
	return &Server{
		listen:    listen,
		stats:     stats,
		tokens:    tokens,
		recent:    recent,
		logger:    log.WithComponent("health"),
		startedAt: time.Now(),
	}
}

// Start runs the listener until ctx is canceled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("health listener starting", "listen", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("health listener shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("health listener shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("health listener error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Get("/recent", s.handleRecent)
	return r
}

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Active        int64  `json:"active"`
}

// StatsResponse is the GET /stats body.
type StatsResponse struct {
	dispatch.Snapshot
	UptimeSeconds int64              `json:"uptime_seconds"`
	RateTokens    map[string]float64 `json:"rate_tokens"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	s.writeJSON(w, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    snap.QueueDepth,
		Active:        snap.Active,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, StatsResponse{
		Snapshot:      s.stats.Snapshot(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RateTokens:    s.tokens.Tokens(),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		http.Error(w, "history is not enabled", http.StatusNotFound)
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}
	entries, err := s.recent.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("query recent uploads", "error", err.Error())
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
