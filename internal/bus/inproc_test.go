package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPartitionFor_Stable(t *testing.T) {
	key := []byte("203.0.113.7")
	first := PartitionFor(key, 8)
	for i := 0; i < 100; i++ {
		if got := PartitionFor(key, 8); got != first {
			t.Fatalf("partition changed: %d != %d", got, first)
		}
	}
	if first < 0 || first >= 8 {
		t.Fatalf("partition out of range: %d", first)
	}
	if PartitionFor(key, 1) != 0 {
		t.Error("single partition must map to 0")
	}
}

func TestInProc_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewInProc(4, 100, testLogger())
	defer b.Close()

	var mu sync.Mutex
	got := make(map[string]bool)
	done := make(chan struct{})

	err := b.Subscribe(ctx, TopicNormalized, "test", func(_ context.Context, msg Message) error {
		mu.Lock()
		got[string(msg.Value)] = true
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		key := []byte{byte(i)}
		if err := b.Publish(ctx, TopicNormalized, key, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}

func TestInProc_OrderWithinPartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewInProc(4, 100, testLogger())
	defer b.Close()

	var mu sync.Mutex
	var order []byte
	done := make(chan struct{})

	b.Subscribe(ctx, TopicFeatures, "test", func(_ context.Context, msg Message) error {
		mu.Lock()
		order = append(order, msg.Value[0])
		if len(order) == 20 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	// Same key, so same partition: order must be preserved.
	key := []byte("10.0.0.1")
	for i := 0; i < 20; i++ {
		if err := b.Publish(ctx, TopicFeatures, key, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if int(v) != i {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
}

func TestInProc_RedeliveryOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewInProc(1, 10, testLogger())
	defer b.Close()

	var attempts atomic.Int32
	done := make(chan struct{})

	b.Subscribe(ctx, TopicAlerts, "test", func(_ context.Context, msg Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	if err := b.Publish(ctx, TopicAlerts, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestInProc_PendingBufferFlushedToFirstGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewInProc(2, 10, testLogger())
	defer b.Close()

	// Publish before any subscriber exists.
	if err := b.Publish(ctx, TopicNormalized, []byte("k"), []byte("early")); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	b.Subscribe(ctx, TopicNormalized, "late", func(_ context.Context, msg Message) error {
		if string(msg.Value) == "early" {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parked message was not delivered")
	}
}

func TestInProc_ClosedPublish(t *testing.T) {
	b := NewInProc(1, 10, testLogger())
	b.Close()
	if err := b.Publish(context.Background(), TopicNormalized, nil, nil); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}
