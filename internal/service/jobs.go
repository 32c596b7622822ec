package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postflow/internal/apperr"
	"postflow/internal/events"
	"postflow/internal/models"
	"postflow/internal/queue"
	"postflow/internal/store"
)

// JobStore is the persistence surface the job service needs.
type JobStore interface {
	GetJobLog(ctx context.Context, ownerID, logID string) (models.JobLog, error)
	ListJobLogs(ctx context.Context, ownerID string, f store.JobLogFilter) ([]models.JobLog, error)
	MarkJobLogRetrying(ctx context.Context, ownerID, logID, newJobID string) (models.JobLog, error)
	FailJobLog(ctx context.Context, logID string, attempts int, lastError string) error
	GetPost(ctx context.Context, ownerID, postID string) (models.Post, error)
}

// Jobs exposes job-log history and idempotent recovery of failed jobs.
type Jobs struct {
	store JobStore
	queue queue.Queue
	hub   *events.Hub
	log   zerolog.Logger
}

// NewJobs wires the job service. hub may be nil.
func NewJobs(st JobStore, q queue.Queue, hub *events.Hub, logger zerolog.Logger) *Jobs {
	return &Jobs{
		store: st,
		queue: q,
		hub:   hub,
		log:   logger.With().Str("component", "jobs").Logger(),
	}
}

// GetUserJobLogs lists an owner's job logs with optional status/post filters.
func (s *Jobs) GetUserJobLogs(ctx context.Context, ownerID string, f store.JobLogFilter) ([]models.JobLog, error) {
	if err := validateListFilter(&f.Limit, &f.Offset); err != nil {
		return nil, err
	}
	return s.store.ListJobLogs(ctx, ownerID, f)
}

// GetJobLogByID returns the owner's job log or NotFoundError.
func (s *Jobs) GetJobLogByID(ctx context.Context, ownerID, logID string) (models.JobLog, error) {
	jl, err := s.store.GetJobLog(ctx, ownerID, logID)
	if errors.Is(err, store.ErrNotFound) {
		return models.JobLog{}, apperr.NotFound("job log", logID)
	}
	return jl, err
}

// RetryJob re-enqueues the job behind a failed log with a fresh attempt
// counter and immediate visibility. A log that is not in failed status
// reports not-found: there is nothing to retry, and the guard keeps a double
// retry from spawning duplicate in-flight jobs.
func (s *Jobs) RetryJob(ctx context.Context, ownerID, logID string) (models.JobLog, error) {
	jl, err := s.GetJobLogByID(ctx, ownerID, logID)
	if err != nil {
		return models.JobLog{}, err
	}
	if jl.Status != models.JobStatusFailed {
		return models.JobLog{}, apperr.NotFound("failed job log", logID)
	}

	// The original payload is rebuilt from the post; a log without one has
	// nothing left to publish.
	if jl.PostID == nil {
		return models.JobLog{}, apperr.NotFound("failed job log", logID)
	}
	post, err := s.store.GetPost(ctx, ownerID, *jl.PostID)
	if errors.Is(err, store.ErrNotFound) {
		return models.JobLog{}, apperr.NotFound("post", *jl.PostID)
	}
	if err != nil {
		return models.JobLog{}, err
	}

	newJobID := uuid.New().String()
	updated, err := s.store.MarkJobLogRetrying(ctx, ownerID, logID, newJobID)
	if errors.Is(err, store.ErrNotFound) {
		// Lost the race against a concurrent retry.
		return models.JobLog{}, apperr.NotFound("failed job log", logID)
	}
	if err != nil {
		return models.JobLog{}, fmt.Errorf("mark job log retrying: %w", err)
	}

	payload := models.JobPayload{
		JobID:       newJobID,
		OwnerID:     ownerID,
		PostID:      post.ID,
		Platform:    post.Platform,
		Message:     post.Content,
		ScheduledAt: time.Now().UTC(),
	}
	if post.MediaURL != nil {
		payload.MediaURL = *post.MediaURL
	}
	if err := s.queue.Enqueue(ctx, payload, 0); err != nil {
		// Put the log back so the owner can retry again later.
		_ = s.store.FailJobLog(ctx, logID, updated.Attempts, "re-enqueue failed: "+err.Error())
		return models.JobLog{}, apperr.Transient("enqueue retry job", err)
	}

	s.hub.Publish(events.Event{
		Key:     payload.Key(),
		OwnerID: ownerID,
		PostID:  post.ID,
		Status:  events.StatusEnqueued,
		Attempt: updated.Attempts,
	})
	s.log.Info().
		Str("owner_id", ownerID).
		Str("job_log_id", logID).
		Str("new_job_id", newJobID).
		Msg("failed job re-enqueued")

	return updated, nil
}
