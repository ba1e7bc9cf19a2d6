package logpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/shipyard/internal/broadcast"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue"
	"github.com/narvanalabs/shipyard/internal/store"
)

// IngesterConfig tunes the ingestion loop.
type IngesterConfig struct {
	BatchSize         int
	HeartbeatInterval time.Duration
	MessageTimeout    time.Duration
	RestartDelay      time.Duration
	// IdleBackoff is slept after an empty fetch.
	IdleBackoff time.Duration
}

// DefaultIngesterConfig returns the production defaults.
func DefaultIngesterConfig() IngesterConfig {
	return IngesterConfig{
		BatchSize:         100,
		HeartbeatInterval: 3 * time.Second,
		MessageTimeout:    10 * time.Second,
		RestartDelay:      5 * time.Second,
		IdleBackoff:       50 * time.Millisecond,
	}
}

// ConsumerFactory builds a fresh queue consumer.
type ConsumerFactory func(ctx context.Context) (queue.Consumer, error)

// Ingester persists queued log messages. Each batch is committed only after
// every message in it was processed, so a crash mid-batch redelivers the
// whole batch and the idempotent insert absorbs the repeats.
type Ingester struct {
	logs        store.LogStore
	deployments store.DeploymentStore
	broadcast   broadcast.Publisher
	metrics     *metrics.Metrics
	cfg         IngesterConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewIngester creates an ingester. broadcast and m may be nil.
func NewIngester(st store.Store, bc broadcast.Publisher, m *metrics.Metrics, cfg IngesterConfig, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultIngesterConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = def.MessageTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	return &Ingester{
		logs:        st.Logs(),
		deployments: st.Deployments(),
		broadcast:   bc,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Supervise runs the ingestion loop until ctx is done, rebuilding the
// consumer from factory after RestartDelay whenever it fails.
func (i *Ingester) Supervise(ctx context.Context, factory ConsumerFactory) error {
	for {
		err := i.runOnce(ctx, factory)
		if ctx.Err() != nil {
			i.logger.Info("log consumer stopped")
			return nil
		}

		i.metrics.ConsumerRestart()
		i.logger.Error("log consumer failed, restarting",
			"error", err,
			"delay", i.cfg.RestartDelay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(i.cfg.RestartDelay):
		}
	}
}

func (i *Ingester) runOnce(ctx context.Context, factory ConsumerFactory) error {
	c, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}
	defer c.Close()

	i.logger.Info("log consumer started")
	return i.Run(ctx, c)
}

// Run consumes batches from c until ctx is done or a transport error occurs.
func (i *Ingester) Run(ctx context.Context, c queue.Consumer) error {
	for {
		n, err := i.ProcessBatch(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 && i.cfg.IdleBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(i.cfg.IdleBackoff):
			}
		}
	}
}

// ProcessBatch fetches, processes and commits one batch. It returns the
// number of messages in the batch.
func (i *Ingester) ProcessBatch(ctx context.Context, c queue.Consumer) (int, error) {
	batch, err := c.Fetch(ctx, i.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	stop := i.heartbeat(ctx, c, batch)
	for _, m := range batch {
		if ctx.Err() != nil {
			break
		}
		i.process(ctx, m)
	}
	stop()

	// Leave the batch pending so it is redelivered after restart.
	if err := ctx.Err(); err != nil {
		return len(batch), err
	}

	if err := c.Commit(ctx, batch); err != nil {
		return len(batch), fmt.Errorf("committing batch: %w", err)
	}
	i.metrics.IngestBatch()
	i.logger.Debug("batch committed", "size", len(batch))
	return len(batch), nil
}

// heartbeat keeps the batch claimed while it is processed. The returned
// func stops the ticker and waits for it to exit.
func (i *Ingester) heartbeat(ctx context.Context, c queue.Consumer, batch []queue.Message) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(i.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.Heartbeat(hbCtx, batch); err != nil && hbCtx.Err() == nil {
					i.logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// process handles one message. Failures are logged and counted; they never
// abort the batch.
func (i *Ingester) process(ctx context.Context, m queue.Message) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.MessageTimeout)
	defer cancel()

	msg, err := Decode(m.Value)
	if err != nil {
		i.metrics.IngestMessage(metrics.OutcomeMalformed)
		i.logger.Warn("skipping malformed log message", "ref", m.Ref(), "error", err)
		return
	}

	event := ToEvent(msg, m, i.now())
	log := i.logger.With("deployment_id", event.DeploymentID, "event_id", event.EventID)

	inserted, err := i.logs.Insert(ctx, event)
	if err != nil {
		i.metrics.IngestMessage(metrics.OutcomeFailed)
		log.Error("failed to persist log event", "error", err)
		return
	}

	if inserted {
		i.metrics.IngestMessage(metrics.OutcomeInserted)
		if i.broadcast != nil {
			if err := i.broadcast.Publish(ctx, event.DeploymentID, event); err != nil {
				log.Warn("failed to broadcast log event", "error", err)
			}
		}
	} else {
		i.metrics.IngestMessage(metrics.OutcomeDuplicate)
	}

	// Status is applied on duplicates too: the first delivery may have been
	// stored before its status write failed.
	if msg.Status != "" {
		i.applyStatus(ctx, log, event.DeploymentID, msg.Status)
	}
}

func (i *Ingester) applyStatus(ctx context.Context, log *slog.Logger, deploymentID string, status models.DeploymentStatus) {
	changed, err := i.deployments.AdvanceStatus(ctx, deploymentID, status)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("status update timed out", "status", status)
			return
		}
		log.Error("failed to update deployment status", "status", status, "error", err)
		return
	}
	if changed {
		log.Info("deployment status changed", "status", status)
	}
}
