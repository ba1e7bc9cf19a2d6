// Package main runs the subdomain reverse proxy in front of the bucket
// holding the built sites.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/proxy"
	"github.com/narvanalabs/shipyard/internal/shutdown"
	"github.com/narvanalabs/shipyard/pkg/config"
	"github.com/narvanalabs/shipyard/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log := logger.FromEnv()

	cfg := config.LoadWithDefaults()
	if err := cfg.ValidateProxy(); err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log *logger.Logger) int {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)

	reg := prometheus.NewRegistry()
	p, err := proxy.New(cfg.Proxy.BasePath,
		proxy.WithMetrics(metrics.New(reg)),
		proxy.WithLogger(log.WithComponent("proxy").Logger),
	)
	if err != nil {
		log.WithError(err).Error("failed to create proxy")
		return 1
	}

	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
		Handler:           p,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
	if cfg.Proxy.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	var components []shutdown.Component
	for _, srv := range servers {
		components = append(components, shutdown.NewHTTPServerComponent(srv.Addr, srv))
		go func(srv *http.Server) {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel(fmt.Errorf("serving %s: %w", srv.Addr, err))
			}
		}(srv)
	}
	coord.Register(components...)

	log.Info("reverse proxy running", "base_path", cfg.Proxy.BasePath)

	coord.WaitForSignal(ctx)
	coord.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("proxy stopped with error")
		return 1
	}
	return coord.ExitCode()
}
