// Package broadcast fans persisted log events out to live subscribers keyed
// by deployment id.
package broadcast

import (
	"context"

	"github.com/narvanalabs/shipyard/internal/models"
)

// DefaultBufferSize is the per-subscriber channel capacity. A subscriber
// whose buffer is full misses events until it catches up.
const DefaultBufferSize = 100

// Publisher delivers events to current subscribers of a channel. Delivery is
// best-effort: there is no backlog for subscribers that join later.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *models.LogEvent) error
}

// Router is a Publisher that also hands out subscriptions.
type Router interface {
	Publisher
	Subscribe(channel string) *Subscription
	Unsubscribe(sub *Subscription)
}

// Subscription receives events published to one channel. C is closed on
// Unsubscribe.
type Subscription struct {
	ID      string
	Channel string
	C       <-chan *models.LogEvent

	ch chan *models.LogEvent
}
