package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/berth/internal/config"
	"github.com/me/berth/internal/executor"
	"github.com/me/berth/internal/scheduler"
	"github.com/me/berth/pkg/model"
)

// Server is the berth REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	scheduler *scheduler.Scheduler
	registry  *executor.Registry // optional; reported by /health
	limiter   *limiter.Limiter   // nil when deployment creation is not rate limited
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithExecutorRegistry sets the executor registry reported by /health.
func WithExecutorRegistry(reg *executor.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		scheduler: sched,
		limiter:   newCreateLimiter(cfg.RateLimitPerMinute),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusNotFound,
			model.NewNotFoundError("route", r.URL.Path))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", s.handleListOrganizations)
			r.Post("/", s.handleCreateOrganization)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetOrganization)
				r.Get("/resources", s.handleOrganizationResources)
				r.Get("/clusters", s.handleListOrganizationClusters)
			})
		})

		r.Route("/clusters", func(r chi.Router) {
			r.Get("/", s.handleListClusters)
			r.Post("/", s.handleCreateCluster)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCluster)
				r.Delete("/", s.handleDeleteCluster)
				r.Get("/usage", s.handleClusterUsage)
				r.Put("/status", s.handleSetClusterStatus)
				r.Post("/reconcile", s.handleReconcileCluster)
				r.Get("/deployments", s.handleListClusterDeployments)
				r.With(s.rateLimit).Post("/deployments", s.handleCreateClusterDeployment)
			})
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.With(s.rateLimit).Post("/", s.handleCreateDeployment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDeployment)
				r.Delete("/", s.handleDeleteDeployment)
				r.Post("/dependencies", s.handleAddDependency)
				r.Post("/complete", s.handleCompleteDeployment)
				r.Post("/fail", s.handleFailDeployment)
				r.Post("/requeue", s.handleRequeueDeployment)
				r.Post("/start-succeeded", s.handleStartSucceeded)
				r.Post("/start-failed", s.handleStartFailed)
			})
		})
	})
}
