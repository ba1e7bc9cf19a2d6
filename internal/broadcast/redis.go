package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRelayPrefix namespaces relay channels in Redis.
const DefaultRelayPrefix = "shipyard:logs:"

// DefaultRelayRetryDelay is the pause between subscribe attempts.
const DefaultRelayRetryDelay = 5 * time.Second

// Relay is a Router that shares events between API replicas. Publish goes
// to Redis; every replica's Run loop feeds what it hears into a local Hub
// that owns the subscriptions.
type Relay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	logger *slog.Logger

	// RetryDelay separates attempts to (re)subscribe after a failure.
	RetryDelay time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// NewRelay creates a relay over client delivering into hub.
func NewRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:     client,
		hub:        hub,
		prefix:     DefaultRelayPrefix,
		logger:     logger,
		RetryDelay: DefaultRelayRetryDelay,
	}
}

// Publish sends event to every replica.
func (r *Relay) Publish(ctx context.Context, channel string, event *models.LogEvent) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding log event: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to relay: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (r *Relay) Subscribe(channel string) *Subscription {
	return r.hub.Subscribe(channel)
}

// Unsubscribe removes a local subscriber.
func (r *Relay) Unsubscribe(sub *Subscription) {
	r.hub.Unsubscribe(sub)
}

// Run forwards relayed events into the local hub until ctx is done or the
// relay is closed. A failed subscription is retried after RetryDelay.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil || r.isClosed() {
			return nil
		}
		if err == nil {
			err = errors.New("subscription channel closed")
		}
		r.logger.Error("broadcast relay failed, retrying", "error", err, "delay", r.RetryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.RetryDelay):
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribing to relay: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pubsub.Close()
		return nil
	}
	r.pubsub = pubsub
	r.mu.Unlock()
	defer pubsub.Close()

	r.logger.Info("broadcast relay started", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg)
		}
	}
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) deliver(ctx context.Context, msg *redis.Message) {
	var event models.LogEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	_ = r.hub.Publish(ctx, strings.TrimPrefix(msg.Channel, r.prefix), &event)
}

// Close stops the relay subscription and ends Run.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.pubsub == nil {
		return nil
	}
	return r.pubsub.Close()
}
