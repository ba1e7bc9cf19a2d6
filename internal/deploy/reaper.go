package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/shipyard/internal/broadcast"
	"github.com/narvanalabs/shipyard/internal/launcher"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store"
)

// reaperNamespace derives the event id of the timeout line so repeated
// sweeps never store it twice.
var reaperNamespace = uuid.MustParse("9b0c7c52-5d3f-4a55-9d0e-3c1f0f6b2a41")

// staleStatuses are the statuses a deployment can get stuck in.
var staleStatuses = []models.DeploymentStatus{
	models.DeploymentStatusQueued,
	models.DeploymentStatusBuilding,
}

// Reaper fails deployments whose build job stopped reporting.
type Reaper struct {
	store     store.Store
	launcher  launcher.Launcher
	broadcast broadcast.Publisher
	timeout   time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewReaper creates a reaper failing deployments not updated for timeout.
// l, bc and m may be nil.
func NewReaper(st store.Store, l launcher.Launcher, bc broadcast.Publisher, timeout, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:     st,
		launcher:  l,
		broadcast: bc,
		timeout:   timeout,
		interval:  interval,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaping stale deployments", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep fails every stale deployment once and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.now().Add(-r.timeout)
	stale, err := r.store.Deployments().ListStale(ctx, staleStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("listing stale deployments: %w", err)
	}

	reaped := 0
	for _, d := range stale {
		changed, err := r.store.Deployments().AdvanceStatus(ctx, d.ID, models.DeploymentStatusFailed)
		if err != nil {
			r.logger.Error("failing stale deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		if !changed {
			// Finished or failed between the list and the update.
			continue
		}
		reaped++

		logger := r.logger.With("project_id", d.ProjectID, "deployment_id", d.ID)
		logger.Warn("deployment timed out", "status", d.Status, "updated_at", d.UpdatedAt)

		r.record(ctx, d)

		if r.launcher != nil {
			if err := r.launcher.Stop(ctx, d.ID); err != nil {
				logger.Warn("stopping build job", "error", err)
			}
		}
	}

	r.metrics.Reaped(reaped)
	return reaped, nil
}

// record stores and broadcasts a log line explaining the failure.
func (r *Reaper) record(ctx context.Context, d *models.Deployment) {
	event := &models.LogEvent{
		EventID:      uuid.NewSHA1(reaperNamespace, []byte(d.ID)).String(),
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Message:      fmt.Sprintf("Build failed: no progress for %s, deployment timed out", r.timeout),
		Timestamp:    r.now().UTC(),
	}

	inserted, err := r.store.Logs().Insert(ctx, event)
	if err != nil {
		r.logger.Warn("storing timeout log line", "deployment_id", d.ID, "error", err)
		return
	}
	if inserted && r.broadcast != nil {
		if err := r.broadcast.Publish(ctx, d.ID, event); err != nil {
			r.logger.Debug("broadcasting timeout log line", "deployment_id", d.ID, "error", err)
		}
	}
}
