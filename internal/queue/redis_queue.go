package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"postflow/internal/models"
)

// RedisQueue coordinates scheduled and in-flight jobs in Redis. Pending jobs
// live in a ZSET scored by visibility time; leased jobs move to a second ZSET
// scored by lease deadline; payload, attempt counter, and generation live in
// a per-job hash.
type RedisQueue struct {
	client       *redis.Client
	scheduledKey string
	inflightKey  string
	metaPrefix   string
	leaseTTL     time.Duration
}

// NewRedisQueue builds a durable queue on an established client.
func NewRedisQueue(client *redis.Client, leaseTTL time.Duration) *RedisQueue {
	if leaseTTL == 0 {
		leaseTTL = 30 * time.Second
	}
	return &RedisQueue{
		client:       client,
		scheduledKey: "queue:scheduled",
		inflightKey:  "queue:inflight",
		metaPrefix:   "queue:job:",
		leaseTTL:     leaseTTL,
	}
}

func (q *RedisQueue) metaKey(jobKey string) string {
	return q.metaPrefix + jobKey
}

// Mode reports the durable mode.
func (q *RedisQueue) Mode() string { return ModeDurable }

// Client exposes the underlying connection for subsystems that share it, such
// as the rate limiter.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Enqueue inserts or supersedes the entry for the payload's key.
func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	key := payload.Key()
	visibleAt := time.Now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, q.metaKey(key), "gen", 1)
	pipe.HSet(ctx, q.metaKey(key), "payload", raw, "attempt", 1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(visibleAt.UnixMilli()), Member: key})
	// Any lease for this key is now stale; the scheduled entry owns the job.
	pipe.ZRem(ctx, q.inflightKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

// Dequeue pops one visible job and leases it. The script removes the member
// from the scheduled set and adds it to the in-flight set atomically, so no
// two executors can hold the same key.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Lease, error) {
	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), now.Add(q.leaseTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	key, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job meta %s: %w", key, err)
	}
	raw, ok := meta["payload"]
	if !ok {
		// Orphaned member without meta; drop it rather than looping.
		_ = q.client.ZRem(ctx, q.inflightKey, key).Err()
		return nil, nil
	}

	var payload models.JobPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		_ = q.client.ZRem(ctx, q.inflightKey, key).Err()
		_ = q.client.Del(ctx, q.metaKey(key)).Err()
		return nil, fmt.Errorf("corrupt payload for %s: %w", key, err)
	}

	attempt, _ := strconv.Atoi(meta["attempt"])
	if attempt <= 0 {
		attempt = 1
	}
	gen, _ := strconv.ParseInt(meta["gen"], 10, 64)

	return &Lease{Key: key, Payload: payload, Attempt: attempt, gen: gen}, nil
}

// Ack removes a leased job for good. A lease from a superseded generation is
// a no-op: the in-flight marker may already belong to the newer generation's
// executor.
func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	return q.settle(ctx, lease)
}

// Fail removes a leased job after retry exhaustion.
func (q *RedisQueue) Fail(ctx context.Context, lease *Lease) error {
	return q.settle(ctx, lease)
}

func (q *RedisQueue) settle(ctx context.Context, lease *Lease) error {
	err := settleScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey, q.metaKey(lease.Key)},
		lease.Key, lease.gen,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("settle %s: %w", lease.Key, err)
	}
	return nil
}

// Retry re-inserts the leased job with attempt+1 and visibility now+delay.
func (q *RedisQueue) Retry(ctx context.Context, lease *Lease, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	visibleAt := time.Now().Add(delay)
	err := retryScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey, q.metaKey(lease.Key)},
		lease.Key, lease.gen, visibleAt.UnixMilli(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("retry %s: %w", lease.Key, err)
	}
	return nil
}

// Remove drops a pending or leased entry by key.
func (q *RedisQueue) Remove(ctx context.Context, key string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, key)
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.Del(ctx, q.metaKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// ReclaimExpired returns timed-out leases to the scheduled set with immediate
// visibility.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	return keys, nil
}

// Depth returns the number of pending jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return nil
end
local key = due[1]
redis.call('ZREM', KEYS[1], key)
redis.call('ZADD', KEYS[2], ARGV[2], key)
return key
`)

// settleScript deletes the job when the lease still owns the current
// generation. The in-flight marker is only removed on a generation match;
// after a supersede it belongs to the newer generation's executor.
var settleScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[3], 'gen')
if gen == ARGV[2] then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('DEL', KEYS[3])
  return 1
end
return 0
`)

// retryScript re-schedules the job unless a newer generation superseded it,
// in which case it touches nothing.
var retryScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[3], 'gen')
if gen == ARGV[2] then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('HINCRBY', KEYS[3], 'attempt', 1)
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)
