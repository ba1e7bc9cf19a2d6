package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/narvanalabs/shipyard/internal/models"
)

// Hub is an in-process Router.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Subscription // channel -> subscriber ID -> subscription
	buffer   int
	logger   *slog.Logger

	// OnDrop is called when an event is dropped for a slow subscriber.
	OnDrop func(channel string)
}

// NewHub creates a hub with DefaultBufferSize subscriber buffers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[string]*Subscription),
		buffer:   DefaultBufferSize,
		logger:   logger,
	}
}

// Subscribe registers a new subscriber on channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	ch := make(chan *models.LogEvent, h.buffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		C:       ch,
		ch:      ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Subscription)
		h.channels[channel] = subs
	}
	subs[sub.ID] = sub

	h.logger.Debug("subscriber added", "subscriber_id", sub.ID, "deployment_id", channel)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[sub.Channel]
	if !ok {
		return
	}
	if _, exists := subs[sub.ID]; exists {
		close(sub.ch)
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.channels, sub.Channel)
		}
		h.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends event to every subscriber of channel without blocking.
func (h *Hub) Publish(_ context.Context, channel string, event *models.LogEvent) error {
	if event == nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.channels[channel] {
		select {
		case sub.ch <- event:
		default:
			// Channel full, skip this event for this subscriber
			h.logger.Warn("subscriber channel full, dropping log event",
				"subscriber_id", sub.ID,
				"deployment_id", channel,
			)
			if h.OnDrop != nil {
				h.OnDrop(channel)
			}
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers across channels.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.channels {
		n += len(subs)
	}
	return n
}

// Close drops every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.channels {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.channels, channel)
	}
	return nil
}
