package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/stevedore/internal/auth"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
)

// RunnerController is the runner lifecycle surface of the dispatch factory.
type RunnerController interface {
	List() []dispatch.Status
	StartRunner(ctx context.Context, id string) error
	ResumeRunner(ctx context.Context, id string) error
	StopRunner(ctx context.Context, id string) error
	Threads() int
	SetThreads(ctx context.Context, n int) error
}

// JobStore creates and inspects jobs on the local queue.
type JobStore interface {
	CreateJob(ctx context.Context, req queue.CreateJobRequest) (string, error)
	GetJob(ctx context.Context, key string) (*queue.JobRecord, error)
	Depth(ctx context.Context) (int, error)
}

// OperationLister reads the operation log.
type OperationLister interface {
	List(ctx context.Context, limit int) ([]oplog.Event, error)
}

// Config is the listen address and the credentials the API accepts.
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.Token
}

// Server serves the admin API over a dispatch factory and the local broker.
type Server struct {
	config    Config
	runners   RunnerController
	jobs      JobStore
	ops       OperationLister
	events    *events.Hub
	keys      *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. ops may be nil.
func New(config Config, runners RunnerController, jobs JobStore, ops OperationLister, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		runners:   runners,
		jobs:      jobs,
		ops:       ops,
		events:    hub,
		keys:      auth.NewKeyring(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes mounts the public probes and the scoped admin routes.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.RunnersRead)).Get("/runners", s.handleListRunners)
		r.With(s.requireScopes(auth.RunnersRead)).Get("/runners/{id}", s.handleGetRunner)
		r.With(s.requireScopes(auth.RunnersRead)).Get("/runners/{id}/template", s.handleTemplate)
		r.With(s.requireScopes(auth.RunnersWrite)).Post("/runners/{id}/start", s.handleStartRunner)
		r.With(s.requireScopes(auth.RunnersWrite)).Post("/runners/{id}/stop", s.handleStopRunner)

		r.With(s.requireScopes(auth.RunnersRead, auth.SettingsWrite)).Get("/settings/threads", s.handleGetThreads)
		r.With(s.requireScopes(auth.SettingsWrite)).Put("/settings/threads", s.handleSetThreads)

		r.With(s.requireScopes(auth.JobsWrite)).Post("/jobs", s.handleCreateJob)
		r.With(s.requireScopes(auth.JobsRead)).Get("/jobs/{key}", s.handleGetJob)

		r.With(s.requireScopes(auth.OperationsRead)).Get("/operations", s.handleListOperations)
		r.With(s.requireScopes(auth.EventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware writes one record per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
