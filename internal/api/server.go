package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/lifecycle"
)

// Dependencies are the services the API exposes.
type Dependencies struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Detection *detection.Service
	Lifecycle *lifecycle.Service

	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer

	// AsyncDetection sends run requests to a worker over the bus.
	AsyncDetection bool
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Global middleware stack
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health and metrics endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Read-only endpoints
	router.Get("/rules", handler.ListRules)

	router.Route("/detection", func(r chi.Router) {
		r.Post("/run", handler.RunDetection)
		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/last", handler.LastRun)
		r.Get("/logs", handler.ListLogs)
	})

	router.Route("/flags", func(r chi.Router) {
		r.Get("/", handler.ListFlags)
		r.Get("/stats", handler.FlagStats)
		r.Get("/{id}", handler.GetFlag)

		// Lifecycle actions (operator required)
		r.Group(func(r chi.Router) {
			r.Use(OperatorMiddleware)
			r.Post("/", handler.CreateFlag)
			r.Post("/{id}/clear", handler.ClearFlag)
			r.Post("/{id}/blacklist", handler.BlacklistFlag)
			r.Post("/{id}/unblacklist", handler.UnblacklistFlag)
			r.Post("/{id}/rekyc", handler.RequestReKYC)
		})
	})

	router.Route("/rekyc", func(r chi.Router) {
		r.Get("/", handler.ListReKYC)
		r.With(OperatorMiddleware).Post("/{id}/complete", handler.CompleteReKYC)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
