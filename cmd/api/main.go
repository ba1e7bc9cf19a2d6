// Package main provides the entry point for the API server. Besides the
// HTTP surface it runs the log ingester, the live broadcast relay and the
// deployment reaper.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/narvanalabs/shipyard/internal/api"
	"github.com/narvanalabs/shipyard/internal/api/health"
	"github.com/narvanalabs/shipyard/internal/broadcast"
	"github.com/narvanalabs/shipyard/internal/deploy"
	"github.com/narvanalabs/shipyard/internal/launcher"
	"github.com/narvanalabs/shipyard/internal/logpipe"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/queue"
	"github.com/narvanalabs/shipyard/internal/queue/redisstream"
	"github.com/narvanalabs/shipyard/internal/shutdown"
	"github.com/narvanalabs/shipyard/internal/store/migrations"
	pgstore "github.com/narvanalabs/shipyard/internal/store/postgres"
	"github.com/narvanalabs/shipyard/pkg/config"
	"github.com/narvanalabs/shipyard/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := logger.FromEnv()

	cfg, err := config.Load()
	if err != nil {
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		return 1
	}
	coord.Register(shutdown.NewCloserComponent("database", st))

	if cfg.MigrateOnStart {
		runner, err := migrations.New(st.DB(), log.WithComponent("migrations").Logger)
		if err == nil {
			err = runner.Up(ctx)
		}
		if err != nil {
			log.WithError(err).Error("failed to apply migrations")
			coord.Shutdown()
			return 1
		}
	}

	rdb, err := redisstream.NewClient(ctx, cfg.Queue.RedisURL)
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		coord.Shutdown()
		return 1
	}
	coord.Register(shutdown.NewCloserComponent("redis", rdb))

	l, err := launcher.New(ctx, cfg.Launcher, log.WithComponent("launcher").Logger)
	if err != nil {
		log.WithError(err).Error("failed to create launcher")
		coord.Shutdown()
		return 1
	}

	// Live broadcast: an in-process hub, optionally fanned out across API
	// instances through redis pub/sub.
	hub := broadcast.NewHub(log.WithComponent("broadcast").Logger)
	hub.OnDrop = m.BroadcastDrop
	var router broadcast.Router = hub
	var background []shutdown.Component
	closers := []shutdown.Component{shutdown.NewCloserComponent("broadcast hub", hub)}
	if p, ok := l.(launcher.Preparer); ok {
		background = append(background, shutdown.Go(ctx, "launcher prepare", func(ctx context.Context) error {
			if err := p.Prepare(ctx); err != nil {
				log.WithError(err).Warn("preparing launcher, builds will retry on launch")
			}
			return nil
		}))
	}
	if cfg.Broadcast.Mode == "redis" {
		relay := broadcast.NewRelay(rdb, hub, log.WithComponent("relay").Logger)
		relay.RetryDelay = cfg.Queue.RestartDelay
		router = relay
		closers = append(closers, shutdown.NewCloserComponent("broadcast relay subscription", relay))
		background = append(background, shutdown.Go(ctx, "broadcast relay", relay.Run))
	}

	ingester := logpipe.NewIngester(st, router, m, logpipe.IngesterConfig{
		BatchSize:         cfg.Queue.BatchSize,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		MessageTimeout:    cfg.Queue.MessageTimeout,
		RestartDelay:      cfg.Queue.RestartDelay,
	}, log.WithComponent("ingester").Logger)
	factory := consumerFactory(rdb, cfg.Queue, log)
	background = append(background, shutdown.Go(ctx, "log ingester", func(ctx context.Context) error {
		return ingester.Supervise(ctx, factory)
	}))

	if cfg.DeploymentTimeout > 0 {
		reaper := deploy.NewReaper(st, l, router, cfg.DeploymentTimeout, cfg.ReaperInterval, m, log.WithComponent("reaper").Logger)
		background = append(background, shutdown.Go(ctx, "reaper", reaper.Run))
	}
	coord.Register(closers...)
	coord.Register(background...)

	svc := deploy.NewService(st, l, deploy.Config{PublicURLTemplate: cfg.PublicURLTemplate}, m, log.WithComponent("deploy").Logger)

	checker := health.NewChecker(api.Version)
	checker.Add("database", st, true)
	checker.Add("redis", health.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}), false)

	server := api.NewServer(cfg, api.Deps{
		Service:  svc,
		Health:   checker,
		Live:     broadcast.NewHandler(router, st.Logs(), cfg.Broadcast.ReplayLimit, log.WithComponent("ws").Logger),
		Metrics:  m,
		Gatherer: reg,
	}, log.Logger)
	httpSrv := shutdown.Go(ctx, "api server", server.Start)
	coord.Register(httpSrv)

	go func() {
		<-httpSrv.Done()
		if err := httpSrv.Err(); err != nil {
			cancel(fmt.Errorf("api server: %w", err))
		}
	}()

	log.Info("api server running",
		"version", api.Version,
		"launcher", l.Name(),
		"broadcast", cfg.Broadcast.Mode,
		"partitions", cfg.Queue.Partitions,
	)

	coord.WaitForSignal(ctx)
	coord.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("server stopped with error")
		return 1
	}
	log.Info("server stopped")
	return coord.ExitCode()
}

func consumerFactory(rdb *redis.Client, qc config.QueueConfig, log *logger.Logger) logpipe.ConsumerFactory {
	cfg := redisstream.Config{
		Topic:        qc.Topic,
		Partitions:   qc.Partitions,
		Group:        qc.Group,
		Consumer:     qc.Consumer,
		BlockTimeout: qc.BlockTimeout,
		ClaimMinIdle: qc.ClaimMinIdle,
	}
	return func(ctx context.Context) (queue.Consumer, error) {
		return redisstream.NewConsumer(ctx, rdb, cfg, log.WithComponent("consumer").Logger)
	}
}
