package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"postflow/internal/models"
)

// PublishResult describes a successful publish call.
type PublishResult struct {
	ExternalID  string
	PublishedAt time.Time
}

// Publisher performs the platform side-effect. It is treated as a black box
// with its own network latency; the engine bounds every call with a timeout.
type Publisher interface {
	Publish(ctx context.Context, platform models.Platform, message string) (PublishResult, error)
}

// SimulatedPublisher mimics a per-platform API call: random latency, then
// success. Production deployments swap in real platform clients.
type SimulatedPublisher struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

// NewSimulatedPublisher returns a publisher with 300-900ms simulated latency.
func NewSimulatedPublisher() *SimulatedPublisher {
	return &SimulatedPublisher{
		MinLatency: 300 * time.Millisecond,
		MaxLatency: 900 * time.Millisecond,
	}
}

// Publish waits out the simulated latency and reports success.
func (p *SimulatedPublisher) Publish(ctx context.Context, platform models.Platform, _ string) (PublishResult, error) {
	latency := p.MinLatency
	if p.MaxLatency > p.MinLatency {
		latency += time.Duration(rand.Int63n(int64(p.MaxLatency - p.MinLatency)))
	}

	select {
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	case <-time.After(latency):
	}

	return PublishResult{
		ExternalID:  fmt.Sprintf("%s-%s", platform, uuid.New().String()),
		PublishedAt: time.Now().UTC(),
	}, nil
}
