// Package server hosts the orchestrator's listening surfaces: the agent
// websocket channel, the admin JSON API, the operator event stream mount,
// and the Prometheus metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/connmgr"
	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/dispatch"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/internal/registry"
	"github.com/netpulse/netpulse/internal/scheduler"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/tracing"
)

// TaskScheduler is the scheduler surface the admin API drives.
type TaskScheduler interface {
	ScheduleTaskAt(ctx context.Context, taskID uuid.UUID, runAt time.Time) error
	PauseTask(ctx context.Context, taskID uuid.UUID) error
	ResumeTask(ctx context.Context, taskID uuid.UUID) error
	CancelTask(ctx context.Context, taskID uuid.UUID) error
	ForceExecuteTask(ctx context.Context, taskID uuid.UUID) error
	UpdateTaskPriority(ctx context.Context, taskID uuid.UUID, priority int) error
	Stats() scheduler.Stats
}

// ConnectionTracker is the connection-pool surface the status endpoint reads.
type ConnectionTracker interface {
	Stats() connmgr.PoolStats
}

// MessageQueue exposes dispatcher queue counters for the status endpoint.
type MessageQueue interface {
	QueueStats() dispatch.QueueStats
}

// RawPayloadStore resolves raw result payloads that were offloaded to object
// storage.
type RawPayloadStore interface {
	// PresignedURL returns a time-limited download URL for a stored payload.
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
	// DeleteByTask removes every payload stored for a task.
	DeleteByTask(ctx context.Context, taskID uuid.UUID) error
}

// ManifestApplier reconciles declared probe manifests with the task store.
type ManifestApplier interface {
	Apply(ctx context.Context, manifests []registry.Manifest) (*registry.ApplyResult, error)
}

// Deps bundles everything the admin API serves from. Repos, Scheduler,
// Conns, and Queue are required; the rest are optional.
type Deps struct {
	Repos     *database.Repositories
	Scheduler TaskScheduler
	Conns     ConnectionTracker
	Queue     MessageQueue

	// Ready reports backend readiness for /readyz; nil always passes.
	Ready func(ctx context.Context) error
	// Publisher announces task lifecycle changes made through the API.
	Publisher events.Publisher
	// Events, when set, is mounted at the events path for operator
	// websocket subscriptions.
	Events http.Handler
	// RawStore, when set, serves offloaded raw payloads and cleans them up
	// when their task is deleted.
	RawStore RawPayloadStore
	// Manifests, when set, applies declarative probe manifests posted
	// to the API.
	Manifests ManifestApplier
}

// HTTPConfig holds configuration for the admin API server.
type HTTPConfig struct {
	// Port is the port to listen on.
	Port int
	// AdminToken is the bearer token required on /api/v1 and the event
	// stream.
	AdminToken string
	// EnableCORS enables CORS support.
	EnableCORS bool
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// EventsPath is the mount point for the operator event stream (default: /ws).
	EventsPath string
	// EnableTracing enables OpenTelemetry tracing for HTTP requests.
	EnableTracing bool
	// Metrics records HTTP request metrics when set.
	Metrics *metrics.OrchestratorMetrics
}

// DefaultHTTPConfig returns sensible defaults for the admin API server.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:           8080,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		EventsPath:     "/ws",
	}
}

// HTTPServer serves the admin JSON API.
type HTTPServer struct {
	cfg       HTTPConfig
	deps      Deps
	server    *http.Server
	logger    log.Logger
	startedAt time.Time
}

// NewHTTPServer creates an admin API server.
func NewHTTPServer(cfg HTTPConfig, deps Deps, logger log.Logger) *HTTPServer {
	if cfg.Port == 0 {
		cfg = DefaultHTTPConfig()
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = "/ws"
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "http_server"),
	}
}

// Start starts the admin API server and blocks until the context is
// cancelled or the listener fails.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info().
		Str("address", addr).
		Bool("cors_enabled", s.cfg.EnableCORS).
		Bool("events_mounted", s.deps.Events != nil).
		Msg("starting admin API server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, stopping admin API server")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin API server error: %w", err)
		}
		return nil
	}
}

// Stop gracefully stops the admin API server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("stopping admin API server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("admin API server shutdown error")
		return err
	}

	s.logger.Info().Msg("admin API server stopped")
	return nil
}

// Handler builds the full admin handler with routes and middleware.
func (s *HTTPServer) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	api.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	api.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	api.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDeleteAgent)
	api.HandleFunc("POST /api/v1/agents/{id}/enable", s.handleEnableAgent)
	api.HandleFunc("POST /api/v1/agents/{id}/disable", s.handleDisableAgent)
	api.HandleFunc("GET /api/v1/agents/{id}/results", s.handleListAgentResults)

	api.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	api.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	api.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	api.HandleFunc("PUT /api/v1/tasks/{id}", s.handleUpdateTask)
	api.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/pause", s.handlePauseTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/resume", s.handleResumeTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/run", s.handleRunTask)
	api.HandleFunc("GET /api/v1/tasks/{id}/results", s.handleListTaskResults)
	api.HandleFunc("GET /api/v1/tasks/{id}/reassignments", s.handleListTaskReassignments)

	api.HandleFunc("GET /api/v1/results/{id}", s.handleGetResult)
	api.HandleFunc("GET /api/v1/results/{id}/raw", s.handleGetResultRaw)

	api.HandleFunc("POST /api/v1/manifests", s.handleApplyManifests)

	api.HandleFunc("GET /api/v1/status", s.handleStatus)

	root := http.NewServeMux()
	root.Handle("/api/v1/", s.authMiddleware(api))
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.HandleFunc("GET /readyz", s.handleReadyz)
	if s.deps.Events != nil {
		root.Handle("GET "+s.cfg.EventsPath, s.authMiddleware(s.deps.Events))
	}

	var handler http.Handler = root
	handler = log.HTTPMiddleware(s.logger)(handler)
	if s.cfg.Metrics != nil {
		handler = s.metricsMiddleware(handler)
	}
	if s.cfg.EnableTracing {
		handler = tracing.Middleware(handler)
	}
	if s.cfg.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	handler = s.recoveryMiddleware(handler)

	return handler
}

// corsMiddleware adds CORS headers and answers preflight requests.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, o := range s.cfg.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from handler panics.
func (s *HTTPServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().
					Any("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("recovered from panic")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error": "internal server error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency. Paths are
// normalized to keep label cardinality bounded.
func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.cfg.Metrics.RecordAPIRequest(
			r.Method,
			normalizePath(r.URL.Path),
			fmt.Sprintf("%d", wrapped.statusCode),
			time.Since(start).Seconds(),
		)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
