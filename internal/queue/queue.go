// Package queue defines the durable, partitioned log queue used between build
// agents and the ingestion consumer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
)

// Common errors returned by queue operations.
var (
	// ErrClosed is returned by operations on a closed producer or consumer.
	ErrClosed = errors.New("queue closed")
)

// Message is a single delivered queue entry.
type Message struct {
	// Stream is the partition stream the entry was read from.
	Stream string
	// ID is the entry id, unique within Stream.
	ID string
	// Key is the partitioning key (the deployment id).
	Key   string
	Value []byte
}

// Ref identifies the message for logging and id derivation.
func (m Message) Ref() string {
	return m.Stream + "/" + m.ID
}

// Producer appends messages to the queue.
type Producer interface {
	// Publish appends value to the partition owned by key. Messages with the
	// same key are delivered in publish order.
	Publish(ctx context.Context, key string, value []byte) error
	// Close flushes pending writes and releases resources.
	Close() error
}

// Consumer reads messages as a member of a consumer group. Messages that are
// fetched but never committed are delivered again, to this member after a
// restart or to another member once they go idle.
type Consumer interface {
	// Fetch returns up to max messages. Messages this member fetched earlier
	// but never committed come first. An empty result with a nil error means
	// nothing arrived before the poll timeout.
	Fetch(ctx context.Context, max int) ([]Message, error)
	// Heartbeat marks the in-flight messages as still being processed so no
	// other group member reclaims them.
	Heartbeat(ctx context.Context, msgs []Message) error
	// Commit acknowledges msgs. They are never delivered again.
	Commit(ctx context.Context, msgs []Message) error
	// Close releases the member. Uncommitted messages stay pending.
	Close() error
}

// Partition maps key onto one of n partitions with FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// StreamName returns the name of partition p of topic.
func StreamName(topic string, p int) string {
	return fmt.Sprintf("%s:%d", topic, p)
}

// StreamNames returns the names of all n partitions of topic.
func StreamNames(topic string, n int) []string {
	if n < 1 {
		n = 1
	}
	names := make([]string, n)
	for i := range names {
		names[i] = StreamName(topic, i)
	}
	return names
}
