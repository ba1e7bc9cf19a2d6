package logpipe

import (
	"context"
	"errors"
	"testing"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue/queuetest"
)

type failingProducer struct{ closed bool }

func (f *failingProducer) Publish(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func (f *failingProducer) Close() error {
	f.closed = true
	return nil
}

func TestPublisherSequencesLines(t *testing.T) {
	broker := queuetest.NewBroker()
	p := NewPublisher(broker, "p-1", "d-1", nil)
	ctx := context.Background()

	p.PublishStatus(ctx, "Build started...", models.DeploymentStatusBuilding)
	p.Publish(ctx, "added 12 packages")
	p.Publish(ctx, "error: warning deprecated")

	msgs, err := broker.Consumer("c").Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(msgs))
	}

	ids := make(map[string]bool)
	for i, m := range msgs {
		if m.Key != "d-1" {
			t.Errorf("message %d key = %q, want d-1", i, m.Key)
		}
		msg, err := Decode(m.Value)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Sequence != int64(i+1) {
			t.Errorf("message %d sequence = %d", i, msg.Sequence)
		}
		if msg.EventID == "" || ids[msg.EventID] {
			t.Errorf("message %d has missing or repeated event id", i)
		}
		ids[msg.EventID] = true
		if i == 0 && msg.Status != models.DeploymentStatusBuilding {
			t.Errorf("lifecycle status = %q", msg.Status)
		}
		if i > 0 && msg.Status != "" {
			t.Errorf("plain line carries status %q", msg.Status)
		}
	}
}

func TestPublisherDropsOnFailure(t *testing.T) {
	fp := &failingProducer{}
	p := NewPublisher(fp, "p-1", "d-1", nil)

	p.Publish(context.Background(), "one")
	p.Publish(context.Background(), "two")

	if p.Dropped() != 2 || p.Sent() != 2 {
		t.Errorf("Sent() = %d, Dropped() = %d; want 2, 2", p.Sent(), p.Dropped())
	}
	if err := p.Close(); err != nil || !fp.closed {
		t.Errorf("Close() = %v, closed = %v", err, fp.closed)
	}
}

func TestPublisherSendsAfterCancel(t *testing.T) {
	broker := queuetest.NewBroker()
	p := NewPublisher(broker, "p-1", "d-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.PublishStatus(ctx, "Build failed: cancelled", models.DeploymentStatusFailed)

	msgs, _ := broker.Consumer("c").Fetch(context.Background(), 10)
	if len(msgs) != 1 {
		t.Errorf("published %d messages after cancel, want 1", len(msgs))
	}
}
