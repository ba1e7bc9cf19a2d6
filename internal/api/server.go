// Package api provides the HTTP API server for the control plane.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/shipyard/internal/api/handlers"
	"github.com/narvanalabs/shipyard/internal/api/health"
	"github.com/narvanalabs/shipyard/internal/api/middleware"
	"github.com/narvanalabs/shipyard/internal/deploy"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Service *deploy.Service
	Health  *health.Checker
	// Live serves the websocket log subscription endpoint. Optional.
	Live     http.Handler
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	deps       Deps
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(Version)
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Metrics(s.deps.Metrics))

	r.Get("/health", s.deps.Health.Handler())

	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Websocket connections are long lived and stay outside the request timeout.
	if s.deps.Live != nil {
		r.Method(http.MethodGet, "/ws", s.deps.Live)
	}

	projectHandler := handlers.NewProjectHandler(s.deps.Service, s.logger)
	deploymentHandler := handlers.NewDeploymentHandler(s.deps.Service, s.logger)
	logHandler := handlers.NewLogHandler(s.deps.Service, s.logger)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Post("/project", projectHandler.Create)
		r.Get("/projects/{projectID}", projectHandler.Get)
		r.Get("/projects/{projectID}/deployments", projectHandler.ListDeployments)

		r.Post("/deploy", deploymentHandler.Trigger)
		r.Get("/deployments/{deploymentID}", deploymentHandler.Get)

		r.Get("/logs/{deploymentID}", logHandler.Get)
	})

	s.router = r
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
