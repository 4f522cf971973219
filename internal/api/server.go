// Package api serves a read-only view of the destination over HTTP: the
// snapshots, the retention plan, run history and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/retention"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// Catalog reads snapshots and the latest pointer.
type Catalog interface {
	List() (snapshot.History, error)
	Latest() (snapshot.Pointer, error)
}

// Planner computes the retention plan at a given time.
type Planner interface {
	Plan(now time.Time) (retention.Plan, error)
}

// RunStore reads the run journal.
type RunStore interface {
	Recent(ctx context.Context, limit int) ([]journal.Run, error)
	Get(ctx context.Context, runID string) (journal.Run, error)
	Deletions(ctx context.Context, runID string) ([]journal.Deletion, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the bearer token required on every route but /healthz. Empty
	// disables auth.
	Token string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	catalog   Catalog
	planner   Planner
	runs      RunStore
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a new API server instance. runs and metrics may be nil, which
// drops their routes.
func New(config Config, catalog Catalog, planner Planner, runs RunStore, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		catalog:   catalog,
		planner:   planner,
		runs:      runs,
		metrics:   metrics,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/plan", s.handlePlan)
		if s.runs != nil {
			r.Get("/runs", s.handleRuns)
			r.Get("/runs/{runID}", s.handleRun)
		}
		r.Get("/openapi.json", s.handleOpenAPI)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
