// Package redisstream implements the queue interfaces on Redis Streams.
//
// A topic is split into N partition streams named "<topic>:<p>". Every
// partition is read through one consumer group; group members are identified
// by a consumer name that must stay stable across restarts so a member can
// recover its own pending entries.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry field names.
const (
	fieldKey   = "key"
	fieldValue = "value"
)

// Config holds stream and group settings shared by producers and consumers.
type Config struct {
	Topic      string
	Partitions int

	// Consumer side.
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged in another
	// member's pending list before this member takes it over.
	ClaimMinIdle time.Duration

	// Producer side. Streams are trimmed approximately to MaxLen entries.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "container-logs"
	}
	if c.Partitions < 1 {
		c.Partitions = 1
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	return c
}

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// isBusyGroup reports whether err is the reply to creating an existing group.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// isNoGroup reports whether the stream or group vanished under us.
func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isTimeout(err error) bool {
	return errors.Is(err, redis.Nil)
}
