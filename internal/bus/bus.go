// Package bus provides the event bus abstraction connecting pipeline
// stages: ordered within a partition, unordered across partitions,
// at-least-once delivery. Consumers must be idempotent on record ids.
package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

// Topic names carried by every implementation.
const (
	TopicNormalized = "normalized"
	TopicFeatures   = "features"
	TopicAlerts     = "alerts"
)

var (
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("bus is closed")
	// ErrPublishTimeout is returned when a publish could not complete
	// within the caller's deadline.
	ErrPublishTimeout = errors.New("publish timed out")
)

// Message is a record delivered to a subscriber.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Handler processes one delivered message. Returning nil commits the
// offset; returning an error causes redelivery.
type Handler func(ctx context.Context, msg Message) error

// Bus is the contract every implementation satisfies. Publish blocks
// when the partition is full; that is the backpressure primitive the
// producing stage relies on.
type Bus interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
	Close() error
}

// PartitionFor maps a key onto one of n partitions with a stable hash.
func PartitionFor(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}
