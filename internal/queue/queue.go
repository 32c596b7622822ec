// Package queue provides the persistent delay queue feeding the worker
// engine. Jobs become visible once their scheduled time has passed; an atomic
// dequeue+lease step guarantees a key is held by at most one executor.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/models"
	"postflow/internal/telemetry"
)

// Queue operating modes.
const (
	ModeDurable = "redis"
	ModeMemory  = "memory"
)

// ErrQueueFull is returned by the bounded in-memory fallback when it cannot
// accept another job.
var ErrQueueFull = errors.New("queue at capacity")

// Lease is a job held exclusively by one executor between Dequeue and
// Ack/Retry/Fail.
type Lease struct {
	Key     string
	Payload models.JobPayload
	Attempt int

	// gen identifies the enqueue generation this lease belongs to. A
	// reschedule bumps the generation, turning any outcome call from the
	// stale lease into a no-op on the new entry.
	gen int64
}

// Queue is the delay-queue contract shared by the durable Redis
// implementation and the in-memory fallback.
type Queue interface {
	// Enqueue stores the payload under its derived key with the given
	// delay (clamped to zero). An existing pending entry for the same key
	// is superseded.
	Enqueue(ctx context.Context, payload models.JobPayload, delay time.Duration) error

	// Dequeue returns at most one visible job, marking it in-flight. A nil
	// lease means nothing is due.
	Dequeue(ctx context.Context) (*Lease, error)

	// Ack permanently removes a leased job after terminal success.
	Ack(ctx context.Context, lease *Lease) error

	// Retry re-inserts the leased job with an incremented attempt counter
	// and a new visibility delay.
	Retry(ctx context.Context, lease *Lease, delay time.Duration) error

	// Fail permanently removes a leased job after retry exhaustion. The
	// caller records the terminal failure on the job log.
	Fail(ctx context.Context, lease *Lease) error

	// Remove drops a pending entry by key. Missing entries are not an
	// error; cancellation is best-effort.
	Remove(ctx context.Context, key string) error

	// ReclaimExpired returns timed-out leases to the pending set.
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)

	// Depth reports how many jobs are waiting for their visibility time.
	Depth(ctx context.Context) (int64, error)

	// Mode reports ModeDurable or ModeMemory.
	Mode() string
}

// New dials Redis and returns the durable queue. When Redis is unreachable it
// degrades to the bounded in-memory queue so the host process keeps serving;
// the mode flag and gauge make the switch observable. Memory mode forfeits
// cross-restart durability.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).
			Str("addr", cfg.RedisAddr).
			Msg("redis unreachable, degrading to non-durable in-memory queue")
		telemetry.QueueModeGauge.Set(1)
		return NewMemoryQueue(cfg.MemoryQueueCapacity, cfg.LeaseTimeout)
	}
	telemetry.QueueModeGauge.Set(0)
	return NewRedisQueue(client, cfg.LeaseTimeout)
}
