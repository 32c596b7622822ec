package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"postflow/internal/models"
)

// MemoryQueue is the bounded, non-durable fallback used when Redis cannot be
// reached. It keeps the process serving but loses all state on restart, so it
// must never be mistaken for the durable mode; Mode() and the fallback gauge
// make the distinction visible.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]*memJob
	pending  entryHeap
	capacity int
	leaseTTL time.Duration
}

type memJob struct {
	payload  models.JobPayload
	attempt  int
	gen      int64
	inflight bool
	deadline time.Time
}

type entry struct {
	key       string
	gen       int64
	visibleAt time.Time
}

// NewMemoryQueue builds a fallback queue holding at most capacity jobs.
func NewMemoryQueue(capacity int, leaseTTL time.Duration) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if leaseTTL == 0 {
		leaseTTL = 30 * time.Second
	}
	return &MemoryQueue{
		jobs:     make(map[string]*memJob),
		capacity: capacity,
		leaseTTL: leaseTTL,
	}
}

// Mode reports the degraded mode.
func (q *MemoryQueue) Mode() string { return ModeMemory }

// Enqueue inserts or supersedes the entry for the payload's key.
func (q *MemoryQueue) Enqueue(_ context.Context, payload models.JobPayload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	key := payload.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.jobs[key]
	if !exists {
		if len(q.jobs) >= q.capacity {
			return ErrQueueFull
		}
		job = &memJob{}
		q.jobs[key] = job
	}
	job.gen++
	job.payload = payload
	job.attempt = 1
	job.inflight = false

	heap.Push(&q.pending, entry{key: key, gen: job.gen, visibleAt: time.Now().Add(delay)})
	return nil
}

// Dequeue returns the earliest visible job, marking it in-flight. Stale heap
// entries left behind by supersede or retry are skipped lazily.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Lease, error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.reclaimLocked(now)

	for q.pending.Len() > 0 {
		top := q.pending[0]
		if top.visibleAt.After(now) {
			return nil, nil
		}
		heap.Pop(&q.pending)

		job, ok := q.jobs[top.key]
		if !ok || job.gen != top.gen || job.inflight {
			continue
		}
		job.inflight = true
		job.deadline = now.Add(q.leaseTTL)
		return &Lease{Key: top.key, Payload: job.payload, Attempt: job.attempt, gen: job.gen}, nil
	}
	return nil, nil
}

// Ack removes a leased job for good.
func (q *MemoryQueue) Ack(_ context.Context, lease *Lease) error {
	q.settle(lease)
	return nil
}

// Fail removes a leased job after retry exhaustion.
func (q *MemoryQueue) Fail(_ context.Context, lease *Lease) error {
	q.settle(lease)
	return nil
}

func (q *MemoryQueue) settle(lease *Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[lease.Key]
	if !ok || job.gen != lease.gen {
		// Superseded while in flight; the inflight flag may belong to the
		// newer generation's lease, so touch nothing.
		return
	}
	delete(q.jobs, lease.Key)
}

// Retry re-inserts the leased job with attempt+1 and visibility now+delay.
func (q *MemoryQueue) Retry(_ context.Context, lease *Lease, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[lease.Key]
	if !ok || job.gen != lease.gen {
		return nil
	}
	job.inflight = false
	job.attempt++
	heap.Push(&q.pending, entry{key: lease.Key, gen: job.gen, visibleAt: time.Now().Add(delay)})
	return nil
}

// Remove drops a pending or leased entry by key.
func (q *MemoryQueue) Remove(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, key)
	return nil
}

// ReclaimExpired returns timed-out leases to the pending set.
func (q *MemoryQueue) ReclaimExpired(_ context.Context, now time.Time, _ int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(now), nil
}

func (q *MemoryQueue) reclaimLocked(now time.Time) []string {
	var reclaimed []string
	for key, job := range q.jobs {
		if job.inflight && !job.deadline.After(now) {
			job.inflight = false
			heap.Push(&q.pending, entry{key: key, gen: job.gen, visibleAt: now})
			reclaimed = append(reclaimed, key)
		}
	}
	return reclaimed
}

// Depth reports how many jobs are waiting for their visibility time.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, job := range q.jobs {
		if !job.inflight {
			n++
		}
	}
	return n, nil
}

type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
