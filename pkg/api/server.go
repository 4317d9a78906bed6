package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/locks"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/ratelimit"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/worker"
)

// Deps are the components the control API routes requests into. None of
// them are owned by Server; callers start/stop them independently.
type Deps struct {
	Queue   *queue.Manager
	Workers *worker.Manager
	Locks   *locks.Service
	Limiter *ratelimit.Limiter
	Metrics *metrics.Aggregator
	Gateway storage.Gateway
}

// Server is the control API: a chi router over Deps plus the HTTP server
// lifecycle.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds a Server with routes registered but not yet listening.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: log.WithComponent("api")}
	s.router = s.newRouter()
	return s
}

// Router exposes the chi.Router for embedding (e.g. in tests via httptest,
// or behind an operator-supplied auth middleware).
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))

	r.Route("/api/worker", func(r chi.Router) {
		r.Post("/register", s.handleWorkerRegister)
		r.Post("/{id}/heartbeat", s.handleWorkerHeartbeat)
		r.Post("/{id}/lock", s.handleWorkerLock)
		r.Post("/{id}/unlock", s.handleWorkerUnlock)
		r.Post("/{id}/complete", s.handleWorkerComplete)
		r.Post("/{id}/fail", s.handleWorkerFail)
		r.Post("/{id}/stuck", s.handleWorkerStuck)
	})

	r.Route("/api/work", func(r chi.Router) {
		r.Post("/", s.handleAddWork)
		r.Get("/{id}", s.handleGetWork)
		r.Post("/{id}/cancel", s.handleCancelWork)
		r.Patch("/{id}/spec", s.handleUpdateWorkSpec)
	})

	r.Get("/api/status", metrics.StatusHandler(s.deps.Limiter.CanSpawnWorker))
	r.Get("/api/workers", s.handleListWorkers)
	r.Post("/api/workers/{id}/kill", s.handleKillWorker)
	r.Get("/api/queue", s.handleListQueue)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/learnings", s.handleListLearnings)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", metrics.LivenessHandler())

	return r
}

// Start begins serving on addr. It blocks until the server stops; callers
// typically invoke it in its own goroutine.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("control API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
