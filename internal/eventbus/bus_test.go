package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentaudit/decision-audit/internal/db"
)

func setupTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, opts...)
}

func TestPublishAndDeliver(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "logs.create", "idem-1", map[string]string{"agent_id": "a1"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got atomic.Int64
	sub := bus.Subscribe(ctx, "logs.create", "workers", func(ctx context.Context, msg Message) error {
		got.Add(1)
		return nil
	}, WithPollInterval(10*time.Millisecond))
	defer sub.Stop()

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestQueueGroupAtMostOnceDelivery(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, "logs.create", fmt.Sprintf("idem-%d", i), map[string]string{}, nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, msg Message) error {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		return nil
	}

	sub1 := bus.Subscribe(ctx, "logs.create", "workers", handler, WithPollInterval(5*time.Millisecond))
	sub2 := bus.Subscribe(ctx, "logs.create", "workers", handler, WithPollInterval(5*time.Millisecond))
	defer sub1.Stop()
	defer sub2.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times, want 1", id, count)
		}
	}
}

func TestPermanentFailureGoesToDLQImmediately(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "logs.create", "idem-bad", map[string]string{}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var attempts atomic.Int64
	sub := bus.Subscribe(ctx, "logs.create", "workers", func(ctx context.Context, msg Message) error {
		attempts.Add(1)
		return Permanent(fmt.Errorf("schema violation"))
	}, WithPollInterval(5*time.Millisecond))
	defer sub.Stop()

	waitFor(t, func() bool { return attempts.Load() >= 1 })
	time.Sleep(20 * time.Millisecond) // let the single delivery settle

	entries, err := bus.DLQ(ctx, "logs.create", 10)
	if err != nil {
		t.Fatalf("DLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 delivery attempt for a permanent failure, got %d", attempts.Load())
	}
}

func TestTransientFailureRetriedThenDLQAfterMaxDeliver(t *testing.T) {
	bus := setupTestBus(t, WithMaxDeliver(2), WithBackoffSchedule([]time.Duration{0, 0}))
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "logs.update", "idem-x", map[string]string{}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var attempts atomic.Int64
	sub := bus.Subscribe(ctx, "logs.update", "workers", func(ctx context.Context, msg Message) error {
		attempts.Add(1)
		return fmt.Errorf("transient store timeout")
	}, WithPollInterval(5*time.Millisecond))
	defer sub.Stop()

	waitFor(t, func() bool {
		entries, _ := bus.DLQ(ctx, "logs.update", 10)
		return len(entries) == 1
	})

	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts before DLQ (max_deliver=2), got %d", attempts.Load())
	}
}

func TestHealthSnapshot(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "logs.create", "idem-1", map[string]string{}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	snapshot, err := bus.HealthSnapshot(ctx)
	if err != nil {
		t.Fatalf("HealthSnapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Subject != "logs.create" || snapshot[0].PendingCount != 1 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
