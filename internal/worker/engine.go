package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"postflow/internal/apperr"
	"postflow/internal/config"
	"postflow/internal/events"
	"postflow/internal/models"
	"postflow/internal/queue"
	"postflow/internal/store"
	"postflow/internal/telemetry"
)

// Store is the persistence surface the engine mutates. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	SetPostProcessing(ctx context.Context, postID string) error
	MarkPostPublished(ctx context.Context, postID string, publishedAt time.Time) error
	MarkPostFailed(ctx context.Context, postID string) error
	BeginJobLogAttempt(ctx context.Context, p store.UpsertJobLogParams) error
	CompleteJobLog(ctx context.Context, logID string, result map[string]any) error
	FailJobLog(ctx context.Context, logID string, attempts int, lastError string) error
}

// Engine pulls visible jobs from the delay queue and drives each through the
// attempt state machine with bounded concurrency. It never propagates
// attempt errors to its caller; every outcome lands in the job log.
type Engine struct {
	cfg       config.Config
	queue     queue.Queue
	store     Store
	publisher Publisher
	media     MediaPreparer
	hub       *events.Hub
	log       zerolog.Logger
}

// NewEngine wires an engine. media and hub may be nil.
func NewEngine(cfg config.Config, q queue.Queue, st Store, pub Publisher, media MediaPreparer, hub *events.Hub, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		queue:     q,
		store:     st,
		publisher: pub,
		media:     media,
		hub:       hub,
		log:       logger.With().Str("component", "worker").Logger(),
	}
}

// Run processes jobs until the context is cancelled. At most
// WorkerConcurrency attempts execute at once; the dispatcher blocks when the
// pool is saturated.
func (e *Engine) Run(ctx context.Context) error {
	concurrency := e.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	pool := new(errgroup.Group)
	pool.SetLimit(concurrency)

	e.log.Info().Int("concurrency", concurrency).Str("queue_mode", e.queue.Mode()).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			_ = pool.Wait()
			return ctx.Err()
		default:
		}

		if reclaimed, err := e.queue.ReclaimExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			e.log.Warn().Strs("keys", reclaimed).Msg("reclaimed expired leases")
		}
		if depth, err := e.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		lease, err := e.queue.Dequeue(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("dequeue failed")
			if !e.sleep(ctx) {
				_ = pool.Wait()
				return ctx.Err()
			}
			continue
		}
		if lease == nil {
			if !e.sleep(ctx) {
				_ = pool.Wait()
				return ctx.Err()
			}
			continue
		}

		pool.Go(func() error {
			e.process(ctx, lease)
			return nil
		})
	}
}

func (e *Engine) sleep(ctx context.Context) bool {
	interval := e.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

// process runs a single attempt: received -> processing -> published|failed.
func (e *Engine) process(ctx context.Context, lease *queue.Lease) {
	payload := lease.Payload

	if err := validatePayload(payload); err != nil {
		// Malformed job: drop, never retry. There may be no owner to
		// attribute a log row to, so the process log is the record.
		e.log.Error().Err(err).Str("key", lease.Key).Msg("dropping malformed job")
		_ = e.queue.Fail(ctx, lease)
		telemetry.JobsDropped.Inc()
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := e.log.With().
		Str("key", lease.Key).
		Str("owner_id", payload.OwnerID).
		Str("post_id", payload.PostID).
		Str("platform", string(payload.Platform)).
		Int("attempt", lease.Attempt).
		Logger()
	logger.Info().Msg("processing job")

	if payload.PostID != "" {
		// Tolerates a post deleted after enqueue.
		if err := e.store.SetPostProcessing(ctx, payload.PostID); err != nil {
			e.finishFailed(ctx, lease, logger, apperr.Transient("mark post processing", err))
			return
		}
	}
	if err := e.store.BeginJobLogAttempt(ctx, store.UpsertJobLogParams{
		ID:       lease.Key,
		JobID:    payload.JobID,
		OwnerID:  payload.OwnerID,
		PostID:   payload.PostID,
		Attempts: lease.Attempt,
	}); err != nil {
		e.finishFailed(ctx, lease, logger, apperr.Transient("begin job log", err))
		return
	}

	e.publishEvent(lease, events.StatusProcessing, "")

	result, err := e.attempt(ctx, payload)
	if err != nil {
		e.finishFailed(ctx, lease, logger, err)
		return
	}

	if payload.PostID != "" {
		if err := e.store.MarkPostPublished(ctx, payload.PostID, result.PublishedAt); err != nil {
			e.finishFailed(ctx, lease, logger, apperr.Transient("mark post published", err))
			return
		}
	}
	if err := e.store.CompleteJobLog(ctx, lease.Key, map[string]any{
		"external_id":  result.ExternalID,
		"published_at": result.PublishedAt.Format(time.RFC3339),
	}); err != nil {
		logger.Error().Err(err).Msg("job published but log update failed")
	}
	_ = e.queue.Ack(ctx, lease)

	telemetry.PublishSuccess.Inc()
	e.publishEvent(lease, events.StatusPublished, "")
	logger.Info().Str("external_id", result.ExternalID).Msg("job published")
}

// attempt performs the bounded publish side-effect, preparing media first
// when the post carries any.
func (e *Engine) attempt(ctx context.Context, payload models.JobPayload) (PublishResult, error) {
	timeout := e.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if payload.MediaURL != "" && e.media != nil {
		if _, err := e.media.Prepare(ctx, payload); err != nil {
			return PublishResult{}, apperr.Transient("prepare media", err)
		}
	}

	result, err := e.publisher.Publish(ctx, payload.Platform, payload.Message)
	if err != nil {
		return PublishResult{}, apperr.Transient("publish", err)
	}
	return result, nil
}

// finishFailed records the failed attempt and either schedules a retry or
// closes the job out.
func (e *Engine) finishFailed(ctx context.Context, lease *queue.Lease, logger zerolog.Logger, attemptErr error) {
	telemetry.PublishFailures.Inc()

	if err := e.store.FailJobLog(ctx, lease.Key, lease.Attempt, attemptErr.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to record attempt failure")
	}

	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var fatal *apperr.FatalError
	exhausted := lease.Attempt >= maxAttempts || errors.As(attemptErr, &fatal)

	if !exhausted {
		delay := Backoff(e.cfg.BackoffBase, lease.Attempt)
		if err := e.queue.Retry(ctx, lease, delay); err != nil {
			logger.Error().Err(err).Msg("failed to re-enqueue for retry")
		}
		telemetry.RetriesScheduled.Inc()
		e.publishEvent(lease, events.StatusRetrying, attemptErr.Error())
		logger.Warn().Err(attemptErr).Dur("backoff", delay).Msg("attempt failed, retry scheduled")
		return
	}

	if lease.Payload.PostID != "" {
		if err := e.store.MarkPostFailed(ctx, lease.Payload.PostID); err != nil {
			logger.Error().Err(err).Msg("failed to mark post failed")
		}
	}
	_ = e.queue.Fail(ctx, lease)
	telemetry.JobsExhausted.Inc()
	e.publishEvent(lease, events.StatusFailed, attemptErr.Error())
	logger.Error().Err(attemptErr).Msg("job failed terminally")
}

func (e *Engine) publishEvent(lease *queue.Lease, status, errMsg string) {
	e.hub.Publish(events.Event{
		Key:     lease.Key,
		OwnerID: lease.Payload.OwnerID,
		PostID:  lease.Payload.PostID,
		Status:  status,
		Attempt: lease.Attempt,
		Error:   errMsg,
	})
}

func validatePayload(p models.JobPayload) error {
	if p.OwnerID == "" {
		return apperr.Fatal("job payload missing owner id")
	}
	if p.Message == "" {
		return apperr.Fatal("job payload missing message")
	}
	if _, err := models.ParsePlatform(string(p.Platform)); err != nil {
		return apperr.Fatal(err.Error())
	}
	return nil
}

// Backoff computes the delay before the next attempt: base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
