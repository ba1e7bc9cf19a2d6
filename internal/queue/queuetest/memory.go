// Package queuetest provides an in-memory queue with consumer group
// redelivery semantics for tests.
package queuetest

import (
	"context"
	"strconv"
	"sync"

	"github.com/narvanalabs/shipyard/internal/queue"
)

// Broker holds one ordered log and a single consumer group over it.
type Broker struct {
	mu        sync.Mutex
	entries   []queue.Message
	delivered map[string]string // entry id -> owning consumer
	acked     map[string]bool
	next      int

	// FetchErr, when set, is returned by the next Fetch call and then cleared.
	FetchErr error
	// Heartbeats counts Heartbeat calls.
	Heartbeats int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		delivered: make(map[string]string),
		acked:     make(map[string]bool),
	}
}

// Publish appends a message.
func (b *Broker) Publish(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.entries = append(b.entries, queue.Message{
		Stream: "memory:0",
		ID:     strconv.Itoa(b.next),
		Key:    key,
		Value:  append([]byte(nil), value...),
	})
	return nil
}

// Close is a no-op.
func (b *Broker) Close() error { return nil }

// Redeliver appends an existing message again under a new entry id, as a
// producer retry would.
func (b *Broker) Redeliver(m queue.Message) {
	_ = b.Publish(context.Background(), m.Key, m.Value)
}

// Acked returns the number of acknowledged entries.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

// Pending returns the number of delivered but unacknowledged entries.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id := range b.delivered {
		if !b.acked[id] {
			n++
		}
	}
	return n
}

// Consumer returns a group member named name.
func (b *Broker) Consumer(name string) *Consumer {
	return &Consumer{broker: b, name: name, draining: true}
}

// Consumer implements queue.Consumer against a Broker.
type Consumer struct {
	broker   *Broker
	name     string
	draining bool
	closed   bool
}

// Fetch returns this member's pending entries first, then undelivered ones.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, queue.ErrClosed
	}
	if b.FetchErr != nil {
		err := b.FetchErr
		b.FetchErr = nil
		return nil, err
	}

	var out []queue.Message
	if c.draining {
		for _, m := range b.entries {
			if len(out) == max {
				break
			}
			if b.delivered[m.ID] == c.name && !b.acked[m.ID] {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		c.draining = false
	}

	for _, m := range b.entries {
		if len(out) == max {
			break
		}
		if _, ok := b.delivered[m.ID]; !ok {
			b.delivered[m.ID] = c.name
			out = append(out, m)
		}
	}
	return out, nil
}

// Heartbeat records the call.
func (c *Consumer) Heartbeat(context.Context, []queue.Message) error {
	c.broker.mu.Lock()
	c.broker.Heartbeats++
	c.broker.mu.Unlock()
	return nil
}

// Commit acknowledges msgs.
func (c *Consumer) Commit(_ context.Context, msgs []queue.Message) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.acked[m.ID] = true
	}
	return nil
}

// Close marks the member closed.
func (c *Consumer) Close() error {
	c.broker.mu.Lock()
	c.closed = true
	c.broker.mu.Unlock()
	return nil
}
