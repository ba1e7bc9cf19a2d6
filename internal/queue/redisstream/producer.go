package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/narvanalabs/shipyard/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Producer implements queue.Producer with XADD.
type Producer struct {
	client  *redis.Client
	cfg     Config
	logger  *slog.Logger
	ownsCli bool

	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a producer on client. If owned is true Close also
// closes the client.
func NewProducer(client *redis.Client, cfg Config, owned bool, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		ownsCli: owned,
	}
}

// Publish appends value to the partition stream of key.
func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return queue.ErrClosed
	}

	stream := queue.StreamName(p.cfg.Topic, queue.Partition(key, p.cfg.Partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldKey:   key,
			fieldValue: value,
		},
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", stream, err)
	}
	return nil
}

// Close stops accepting messages. XADD is synchronous so there is nothing
// left to flush once in-flight Publish calls return.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.ownsCli {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("closing redis client: %w", err)
		}
	}
	return nil
}
