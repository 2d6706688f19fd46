// Package api is the HTTP surface: room lifecycle, workflow ingest, cron
// schedules, execution logs, live events and operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/state"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/internal/streaming"
	"github.com/rendis/openrooms/pkg/schema"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	unmatched         = "unmatched"
)

// RoomEngine is the engine surface the API drives.
type RoomEngine interface {
	CreateRoom(ctx context.Context, req engine.NewRoom) (*schema.Room, error)
	ExecuteRoom(ctx context.Context, roomID string) (*engine.RunResult, error)
	PauseRoom(ctx context.Context, roomID string) error
	ResumeRoom(ctx context.Context, roomID string) error
	CancelRoom(ctx context.Context, roomID string) error
}

// LogReader lists a room's execution log.
type LogReader interface {
	ListLogs(ctx context.Context, roomID string, filter store.LogFilter) ([]*store.LogEntry, error)
}

// StateReader reads and drops room state.
type StateReader interface {
	GetState(ctx context.Context, roomID string) (*schema.RoomState, error)
	DeleteState(ctx context.Context, roomID string) error
}

// WorkflowValidator checks a workflow before it is stored.
type WorkflowValidator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}

// HTTPRecorder receives request measurements.
type HTTPRecorder interface {
	ObserveHTTP(method, path string, status int, d time.Duration)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the server's collaborators. Queue, Hub, Validator, Metrics,
// Gatherer and Health are optional.
type Deps struct {
	Engine    RoomEngine
	Rooms     store.RoomStore
	Workflows store.WorkflowStore
	Schedules store.ScheduleStore
	Logs      LogReader
	States    StateReader
	Queue     engine.RunQueue
	Hub       streaming.EventHub
	Validator WorkflowValidator
	Metrics   HTTPRecorder
	Gatherer  prometheus.Gatherer
	Health    map[string]HealthCheck
}

// Server wraps the chi router and its dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	addr   string
}

// NewServer creates a server with every route registered.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logging.OrDefault(logger),
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Route("/v1/rooms", func(r chi.Router) {
		r.Post("/", s.handleCreateRoom)
		r.Get("/", s.handleListRooms)
		r.Get("/{id}", s.handleGetRoom)
		r.Delete("/{id}", s.handleDeleteRoom)
		r.Get("/{id}/status", s.handleRoomStatus)
		r.Post("/{id}/run", s.handleRunRoom)
		r.Post("/{id}/pause", s.handlePauseRoom)
		r.Post("/{id}/resume", s.handleResumeRoom)
		r.Post("/{id}/cancel", s.handleCancelRoom)
		r.Get("/{id}/logs", s.handleRoomLogs)
		r.Get("/{id}/events", s.handleRoomEvents)
	})

	s.router.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{id}", s.handleGetWorkflow)
	})

	s.router.Route("/v1/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.Put("/{id}", s.handleUpdateSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			logging.Duration(time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// metricsMiddleware labels requests by chi route pattern, not raw path.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveHTTP(r.Method, routePattern(r), status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
}

var _ StateReader = state.Store(nil)
