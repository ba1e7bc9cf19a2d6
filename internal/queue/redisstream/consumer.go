package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/shipyard/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Consumer implements queue.Consumer with XREADGROUP.
//
// Fetch first drains this member's own pending entries list (reading from
// id "0"), then switches to new entries (">"). Every ClaimMinIdle it also
// takes over entries that other members left idle.
//
// COUNT applies per stream, so one read can return more than max entries
// across partitions. The surplus is held and handed out by the next Fetch
// before anything else is read; it stays pending in the group meanwhile.
type Consumer struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	streams []string

	mu        sync.Mutex
	draining  bool
	lastClaim time.Time
	closed    bool
	held      []queue.Message
}

// NewConsumer joins the consumer group, creating the group and the partition
// streams when missing.
func NewConsumer(ctx context.Context, client *redis.Client, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("consumer group and consumer name are required")
	}

	c := &Consumer{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		streams:   queue.StreamNames(cfg.Topic, cfg.Partitions),
		draining:  true,
		lastClaim: time.Now(),
	}

	if err := c.ensureGroups(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("creating group %s on %s: %w", c.cfg.Group, stream, err)
		}
	}
	return nil
}

// Fetch returns up to max messages.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]queue.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, queue.ErrClosed
	}
	if max < 1 {
		max = 1
	}
	if len(c.held) > 0 {
		n := min(max, len(c.held))
		out := c.held[:n:n]
		c.held = c.held[n:]
		c.mu.Unlock()
		return out, nil
	}
	draining := c.draining
	claimDue := time.Since(c.lastClaim) >= c.cfg.ClaimMinIdle
	c.mu.Unlock()

	if draining {
		msgs, err := c.read(ctx, "0", max, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		c.logger.Debug("pending entries drained", "consumer", c.cfg.Consumer)
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}

	if claimDue {
		msgs, err := c.reclaim(ctx, max)
		c.mu.Lock()
		c.lastClaim = time.Now()
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}

	return c.read(ctx, ">", max, c.cfg.BlockTimeout)
}

// read issues XREADGROUP over every partition starting at id and returns at
// most max entries, holding the rest for the next Fetch. A negative block
// omits the BLOCK argument.
func (c *Consumer) read(ctx context.Context, id string, max int, block time.Duration) ([]queue.Message, error) {
	streams := make([]string, 0, 2*len(c.streams))
	streams = append(streams, c.streams...)
	for range c.streams {
		streams = append(streams, id)
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  streams,
		Count:    int64(perStreamCount(max, len(c.streams))),
		Block:    block,
	}).Result()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if isNoGroup(err) {
			if gerr := c.ensureGroups(ctx); gerr != nil {
				return nil, gerr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("reading group %s: %w", c.cfg.Group, err)
	}

	var out []queue.Message
	var stale []queue.Message
	for _, xs := range res {
		for _, xm := range xs.Messages {
			m, ok := toMessage(xs.Stream, xm)
			if !ok {
				// Pending entry whose body was trimmed from the stream.
				stale = append(stale, queue.Message{Stream: xs.Stream, ID: xm.ID})
				continue
			}
			out = append(out, m)
		}
	}

	if len(stale) > 0 {
		c.logger.Warn("acknowledging trimmed pending entries", "count", len(stale))
		if err := c.Commit(ctx, stale); err != nil {
			return nil, err
		}
	}

	if len(out) > max {
		c.mu.Lock()
		c.held = append(c.held, out[max:]...)
		c.mu.Unlock()
		out = out[:max:max]
	}
	return out, nil
}

// perStreamCount spreads a fetch budget over n streams, rounding up.
func perStreamCount(max, n int) int {
	if n < 1 {
		return max
	}
	return (max + n - 1) / n
}

// reclaim takes over entries idle in other members' pending lists.
func (c *Consumer) reclaim(ctx context.Context, max int) ([]queue.Message, error) {
	var out []queue.Message
	for _, stream := range c.streams {
		if len(out) >= max {
			break
		}
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max - len(out)),
		}).Result()
		if err != nil {
			if isNoGroup(err) {
				continue
			}
			return nil, fmt.Errorf("reclaiming idle entries on %s: %w", stream, err)
		}
		for _, xm := range msgs {
			if m, ok := toMessage(stream, xm); ok {
				out = append(out, m)
			}
		}
	}
	if len(out) > 0 {
		c.logger.Info("reclaimed idle entries", "count", len(out), "consumer", c.cfg.Consumer)
	}
	return out, nil
}

// Heartbeat claims the in-flight entries for this member again, which
// resets their idle time.
func (c *Consumer) Heartbeat(ctx context.Context, msgs []queue.Message) error {
	for stream, ids := range groupIDs(msgs) {
		err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  0,
			Messages: ids,
		}).Err()
		if err != nil {
			return fmt.Errorf("heartbeat on %s: %w", stream, err)
		}
	}
	return nil
}

// Commit acknowledges msgs.
func (c *Consumer) Commit(ctx context.Context, msgs []queue.Message) error {
	for stream, ids := range groupIDs(msgs) {
		if err := c.client.XAck(ctx, stream, c.cfg.Group, ids...).Err(); err != nil {
			return fmt.Errorf("acknowledging on %s: %w", stream, err)
		}
	}
	return nil
}

// Close marks the member closed. The shared client stays open.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.held = nil
	return nil
}

func groupIDs(msgs []queue.Message) map[string][]string {
	out := make(map[string][]string)
	for _, m := range msgs {
		out[m.Stream] = append(out[m.Stream], m.ID)
	}
	return out
}

func toMessage(stream string, xm redis.XMessage) (queue.Message, bool) {
	if xm.Values == nil {
		return queue.Message{}, false
	}
	m := queue.Message{Stream: stream, ID: xm.ID}
	if k, ok := xm.Values[fieldKey].(string); ok {
		m.Key = k
	}
	v, ok := xm.Values[fieldValue].(string)
	if !ok {
		return m, true
	}
	m.Value = []byte(v)
	return m, true
}
