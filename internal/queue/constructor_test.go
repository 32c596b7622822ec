package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"postflow/internal/config"
)

func TestNewPrefersRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RedisAddr:    mr.Addr(),
		LeaseTimeout: time.Minute,
	}

	q := New(context.Background(), cfg, zerolog.Nop())
	if q.Mode() != ModeDurable {
		t.Fatalf("expected durable mode, got %q", q.Mode())
	}

	// The connection is shared with other Redis-backed subsystems.
	rq, ok := q.(*RedisQueue)
	if !ok {
		t.Fatalf("expected *RedisQueue, got %T", q)
	}
	if err := rq.Client().Ping(context.Background()).Err(); err != nil {
		t.Fatalf("shared client should reach the same server: %v", err)
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close() // nothing listening at addr anymore

	cfg := config.Config{
		RedisAddr:           addr,
		LeaseTimeout:        time.Minute,
		MemoryQueueCapacity: 16,
	}

	q := New(context.Background(), cfg, zerolog.Nop())
	if q.Mode() != ModeMemory {
		t.Fatalf("expected memory fallback, got %q", q.Mode())
	}

	// The fallback still honors the queue contract.
	payload := testPayload("p1", "hello")
	if err := q.Enqueue(context.Background(), payload, 0); err != nil {
		t.Fatalf("enqueue on fallback: %v", err)
	}
	lease, err := q.Dequeue(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("dequeue on fallback: lease=%v err=%v", lease, err)
	}
}
