// Package main is the build agent that runs inside every build job. It
// clones, installs, builds and uploads one deployment, then exits.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/narvanalabs/shipyard/internal/agent"
	"github.com/narvanalabs/shipyard/internal/artifact"
	"github.com/narvanalabs/shipyard/internal/logpipe"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue/redisstream"
	"github.com/narvanalabs/shipyard/internal/retry"
	"github.com/narvanalabs/shipyard/pkg/config"
	"github.com/narvanalabs/shipyard/pkg/logger"
)

func main() {
	log := logger.FromEnv()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	log = log.WithDeployment(cfg.ProjectID, cfg.DeploymentID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, log))
}

func run(ctx context.Context, cfg *config.AgentConfig, log *logger.Logger) int {
	rdb, err := redisstream.NewClient(ctx, cfg.Queue.RedisURL)
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		return 1
	}
	producer := redisstream.NewProducer(rdb, redisstream.Config{
		Topic:      cfg.Queue.Topic,
		Partitions: cfg.Queue.Partitions,
		MaxLen:     cfg.Queue.MaxLen,
	}, true, log.WithComponent("producer").Logger)
	defer producer.Close()

	sink := logpipe.NewPublisher(producer, cfg.ProjectID, cfg.DeploymentID, log.Logger)

	objects, err := artifact.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to create object store")
		sink.PublishStatus(ctx, "Build failed: "+err.Error(), models.DeploymentStatusFailed)
		return 1
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.UploadAttempts
	policy.InitialBackoff = cfg.UploadBackoff
	uploader := artifact.NewUploader(objects, sink, artifact.Options{
		Prefix:         cfg.Storage.Prefix,
		Scope:          cfg.StorageScope(),
		Policy:         policy,
		AttemptTimeout: cfg.UploadAttemptTimeout,
		FailFast:       cfg.UploadFailFast,
		Logger:         log.WithComponent("uploader").Logger,
	})

	start := time.Now()
	err = agent.New(cfg, sink, uploader, log.Logger).Run(ctx)
	log.Info("agent finished",
		"duration", time.Since(start).Round(time.Millisecond),
		"lines_sent", sink.Sent(),
		"lines_dropped", sink.Dropped(),
	)
	if err != nil {
		log.WithError(err).Error("build failed")
		return 1
	}
	return 0
}
