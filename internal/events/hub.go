// Package events carries job lifecycle notifications from the scheduler and
// worker to asynchronous observers (the websocket feed). It replaces
// callback-style emission with an explicit channel-based hub.
package events

import (
	"sync"
	"time"
)

// Event statuses mirror the job attempt state machine.
const (
	StatusEnqueued   = "enqueued"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusRetrying   = "retrying"
	StatusFailed     = "failed"
)

// Event is one job lifecycle transition.
type Event struct {
	Key     string    `json:"key"`
	OwnerID string    `json:"owner_id"`
	PostID  string    `json:"post_id,omitempty"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events rather than stalling the worker.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers the event to every subscriber with room in its buffer.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered event channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}
