package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// InProc is a single-process Bus backed by bounded per-partition
// channels. Ordering is preserved within a partition; a full partition
// blocks the publisher, which is how backpressure propagates upstream.
//
// Messages published before any group subscribes to a topic are parked
// in a bounded pending buffer and handed to the first group that
// arrives; in the daemon all subscriptions are wired before the
// listeners start, so the buffer only matters in tests.
type InProc struct {
	partitions int
	bufferSize int
	logger     *slog.Logger

	mu     sync.Mutex
	topics map[string]*inprocTopic
	closed atomic.Bool
	wg     sync.WaitGroup
}

type inprocTopic struct {
	groups  map[string]*inprocGroup
	pending []Message
}

type inprocGroup struct {
	channels []chan Message
	offsets  []atomic.Int64
}

// NewInProc creates an in-process bus.
func NewInProc(partitions, bufferSize int, logger *slog.Logger) *InProc {
	if partitions < 1 {
		partitions = 1
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &InProc{
		partitions: partitions,
		bufferSize: bufferSize,
		logger:     logger,
		topics:     make(map[string]*inprocTopic),
	}
}

func (b *InProc) topic(name string) *inprocTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &inprocTopic{groups: make(map[string]*inprocGroup)}
		b.topics[name] = t
	}
	return t
}

func (b *InProc) newGroup() *inprocGroup {
	g := &inprocGroup{
		channels: make([]chan Message, b.partitions),
		offsets:  make([]atomic.Int64, b.partitions),
	}
	for i := range g.channels {
		g.channels[i] = make(chan Message, b.bufferSize)
	}
	return g
}

// Publish delivers the record to every consumer group of the topic,
// blocking when a partition buffer is full.
func (b *InProc) Publish(ctx context.Context, topic string, key, value []byte) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	part := PartitionFor(key, b.partitions)
	msg := Message{
		Topic:     topic,
		Partition: part,
		Key:       key,
		Value:     value,
		Time:      time.Now(),
	}

	b.mu.Lock()
	t := b.topic(topic)
	if len(t.groups) == 0 {
		if len(t.pending) < b.bufferSize {
			t.pending = append(t.pending, msg)
		} else {
			b.logger.Warn("pending buffer full, dropping record", "topic", topic)
		}
		b.mu.Unlock()
		return nil
	}
	targets := make([]*inprocGroup, 0, len(t.groups))
	for _, g := range t.groups {
		targets = append(targets, g)
	}
	b.mu.Unlock()

	for _, g := range targets {
		msg.Offset = g.offsets[part].Add(1) - 1
		select {
		case g.channels[part] <- msg:
		case <-ctx.Done():
			return ErrPublishTimeout
		}
	}
	return nil
}

// Subscribe starts one worker per partition for the consumer group.
// A handler error causes redelivery of the same message with backoff,
// preserving partition order.
func (b *InProc) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.Lock()
	t := b.topic(topic)
	g, ok := t.groups[group]
	first := len(t.groups) == 0
	if !ok {
		g = b.newGroup()
		t.groups[group] = g
	}
	if first && len(t.pending) > 0 {
		for _, msg := range t.pending {
			part := msg.Partition
			msg.Offset = g.offsets[part].Add(1) - 1
			select {
			case g.channels[part] <- msg:
			default:
			}
		}
		t.pending = nil
	}
	b.mu.Unlock()

	for i := 0; i < b.partitions; i++ {
		b.wg.Add(1)
		go b.consume(ctx, g.channels[i], topic, group, handler)
	}
	return nil
}

func (b *InProc) consume(ctx context.Context, ch chan Message, topic, group string, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			backoff := 50 * time.Millisecond
			for {
				if err := handler(ctx, msg); err == nil {
					break
				} else {
					b.logger.Warn("handler failed, redelivering",
						"topic", topic, "group", group,
						"partition", msg.Partition, "offset", msg.Offset,
						"error", err,
					)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 5*time.Second {
					backoff *= 2
				}
			}
		}
	}
}

// Close shuts down the bus. Subscribed workers exit once their context
// is cancelled.
func (b *InProc) Close() error {
	b.closed.Store(true)
	return nil
}
