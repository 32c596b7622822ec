package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryQueueVisibilityAndAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8, time.Minute)

	if q.Mode() != ModeMemory {
		t.Fatalf("expected %s, got %s", ModeMemory, q.Mode())
	}

	if err := q.Enqueue(ctx, testPayload("p1", "later"), time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if lease, _ := q.Dequeue(ctx); lease != nil {
		t.Fatalf("job visible before its time: %s", lease.Key)
	}

	if err := q.Enqueue(ctx, testPayload("p2", "now"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, _ := q.Dequeue(ctx)
	if lease == nil || lease.Key != "job:p2" {
		t.Fatalf("expected job:p2, got %v", lease)
	}

	// Exclusivity while leased.
	if other, _ := q.Dequeue(ctx); other != nil && other.Key == "job:p2" {
		t.Fatal("leased job dequeued twice")
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 { // only the future p1 remains
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestMemoryQueueSupersede(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8, time.Minute)

	if err := q.Enqueue(ctx, testPayload("p1", "old"), time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testPayload("p1", "new"), 0); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected one live entry, got %d", depth)
	}

	lease, _ := q.Dequeue(ctx)
	if lease == nil || lease.Payload.Message != "new" {
		t.Fatalf("expected superseding payload, got %v", lease)
	}
	if again, _ := q.Dequeue(ctx); again != nil {
		t.Fatalf("stale entry dequeued: %s", again.Payload.Message)
	}

	// Stale lease settling must keep a newer generation alive.
	if err := q.Enqueue(ctx, testPayload("p1", "newer"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Fail(ctx, lease); err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	next, _ := q.Dequeue(ctx)
	if next == nil || next.Payload.Message != "newer" {
		t.Fatalf("superseding entry lost, got %v", next)
	}
}

func TestMemoryQueueStaleSettleAfterRedequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8, 5*time.Millisecond)

	if err := q.Enqueue(ctx, testPayload("p1", "old"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stale, _ := q.Dequeue(ctx)
	if stale == nil {
		t.Fatal("expected stale lease")
	}

	// Reschedule while the old attempt runs, then lease the new entry.
	if err := q.Enqueue(ctx, testPayload("p1", "new"), 0); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	fresh, _ := q.Dequeue(ctx)
	if fresh == nil {
		t.Fatal("expected fresh lease")
	}

	// The stale attempt settling must not strip the fresh lease's marker.
	if err := q.Ack(ctx, stale); err != nil {
		t.Fatalf("ack stale: %v", err)
	}
	if err := q.Retry(ctx, stale, 0); err != nil {
		t.Fatalf("retry stale: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("stale settle re-scheduled the job, depth=%d", depth)
	}

	// Fresh executor crashes: the lease must expire and the job come back.
	time.Sleep(10 * time.Millisecond)
	reclaimed, err := q.ReclaimExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "job:p1" {
		t.Fatalf("job stranded after stale settle: reclaimed=%v", reclaimed)
	}
	again, _ := q.Dequeue(ctx)
	if again == nil || again.Payload.Message != "new" {
		t.Fatalf("expected the superseding payload back, got %v", again)
	}
}

func TestMemoryQueueRetry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8, time.Minute)

	if err := q.Enqueue(ctx, testPayload("p1", "flaky"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, _ := q.Dequeue(ctx)
	if lease == nil {
		t.Fatal("expected lease")
	}
	if err := q.Retry(ctx, lease, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}

	again, _ := q.Dequeue(ctx)
	if again == nil || again.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %v", again)
	}
}

func TestMemoryQueueReclaimExpired(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(8, 5*time.Millisecond)

	if err := q.Enqueue(ctx, testPayload("p1", "stuck"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if lease, _ := q.Dequeue(ctx); lease == nil {
		t.Fatal("expected lease")
	}

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := q.ReclaimExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected one reclaimed lease, got %v", reclaimed)
	}
	if lease, _ := q.Dequeue(ctx); lease == nil {
		t.Fatal("reclaimed job should be visible again")
	}
}

func TestMemoryQueueCapacity(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2, time.Minute)

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, testPayload(fmt.Sprintf("p%d", i), "x"), 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue(ctx, testPayload("p9", "over"), 0)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Superseding an existing key is allowed at capacity.
	if err := q.Enqueue(ctx, testPayload("p0", "replacement"), 0); err != nil {
		t.Fatalf("supersede at capacity: %v", err)
	}
}
