package logpipe

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue"
)

// Publisher emits the log lines of one deployment to the queue. Send
// failures are logged and dropped; they never fail the build.
type Publisher struct {
	producer     queue.Producer
	projectID    string
	deploymentID string
	logger       *slog.Logger

	seq     atomic.Int64
	dropped atomic.Int64
	now     func() time.Time
}

// NewPublisher creates a publisher for one deployment.
func NewPublisher(producer queue.Producer, projectID, deploymentID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer:     producer,
		projectID:    projectID,
		deploymentID: deploymentID,
		logger:       logger,
		now:          time.Now,
	}
}

// Publish emits one line.
func (p *Publisher) Publish(ctx context.Context, line string) {
	p.send(ctx, line, "")
}

// PublishStatus emits a lifecycle line that also moves the deployment to status.
func (p *Publisher) PublishStatus(ctx context.Context, line string, status models.DeploymentStatus) {
	p.send(ctx, line, status)
}

func (p *Publisher) send(ctx context.Context, line string, status models.DeploymentStatus) {
	msg := &models.LogMessage{
		EventID:      uuid.NewString(),
		ProjectID:    p.projectID,
		DeploymentID: p.deploymentID,
		Log:          line,
		Timestamp:    p.now().UTC(),
		Sequence:     p.seq.Add(1),
		Status:       status,
	}

	data, err := Encode(msg)
	if err != nil {
		p.drop(err)
		return
	}

	// A cancelled build still reports how it ended.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	if err := p.producer.Publish(ctx, p.deploymentID, data); err != nil {
		p.drop(err)
	}
}

func (p *Publisher) drop(err error) {
	p.dropped.Add(1)
	p.logger.Warn("dropping log line", "deployment_id", p.deploymentID, "error", err)
}

// Sent returns the number of lines attempted.
func (p *Publisher) Sent() int64 {
	return p.seq.Load()
}

// Dropped returns the number of lines that could not be sent.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes and releases the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
