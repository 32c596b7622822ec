// Package service bridges user-facing requests to the post and job models.
// It returns plain data structures and the apperr error kinds; no framework
// types leak through.
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
	"postflow/internal/telemetry"
)

// PostStore is the persistence surface the post service needs. *store.Store
// satisfies it.
type PostStore interface {
	CreatePost(ctx context.Context, p store.CreatePostParams) (models.Post, error)
	GetPost(ctx context.Context, ownerID, postID string) (models.Post, error)
	ListPosts(ctx context.Context, ownerID string, f store.PostFilter) ([]models.Post, error)
	UpdatePostSchedule(ctx context.Context, ownerID, postID string, scheduledFor time.Time) (models.Post, error)
	DeletePost(ctx context.Context, ownerID, postID string) error
}

// Posts validates ownership, creates durable post records, and keeps the
// delay queue in sync with the schedule.
type Posts struct {
	store PostStore
	queue queue.Queue
	hub   *events.Hub
	log   zerolog.Logger
}

// NewPosts wires the post service. hub may be nil.
func NewPosts(st PostStore, q queue.Queue, hub *events.Hub, logger zerolog.Logger) *Posts {
	return &Posts{
		store: st,
		queue: q,
		hub:   hub,
		log:   logger.With().Str("component", "posts").Logger(),
	}
}

// QueueMode reports whether the service runs on the durable queue or the
// degraded in-memory fallback.
func (s *Posts) QueueMode() string { return s.queue.Mode() }

// CreatePostInput is the caller-supplied shape for CreatePost.
type CreatePostInput struct {
	Content      string
	Platform     string
	MediaURL     string
	ScheduledFor string
}

// ScheduleResult reports the queue entry created for a post.
type ScheduleResult struct {
	JobKey        string    `json:"job_key"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// CreatePost persists a new post in scheduled status and enqueues its publish
// job.
func (s *Posts) CreatePost(ctx context.Context, ownerID string, in CreatePostInput) (models.Post, error) {
	platform, scheduledFor, err := validatePostInput(in)
	if err != nil {
		return models.Post{}, err
	}

	post, err := s.store.CreatePost(ctx, store.CreatePostParams{
		OwnerID:      ownerID,
		Content:      in.Content,
		Platform:     platform,
		MediaURL:     in.MediaURL,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return models.Post{}, fmt.Errorf("create post: %w", err)
	}

	if _, err := s.SchedulePostForPublishing(ctx, ownerID, post.ID, post.Content, platform, scheduledFor); err != nil {
		return models.Post{}, err
	}

	s.log.Info().
		Str("owner_id", ownerID).
		Str("post_id", post.ID).
		Str("platform", string(platform)).
		Time("scheduled_for", scheduledFor).
		Msg("post created")
	return post, nil
}

// GetUserPosts lists an owner's posts with optional status/platform filters.
func (s *Posts) GetUserPosts(ctx context.Context, ownerID string, f store.PostFilter) ([]models.Post, error) {
	if err := validateListFilter(&f.Limit, &f.Offset); err != nil {
		return nil, err
	}
	if f.Platform != "" {
		if _, err := models.ParsePlatform(f.Platform); err != nil {
			return nil, apperr.Validation("platform", err.Error())
		}
	}
	return s.store.ListPosts(ctx, ownerID, f)
}

// GetPostByID returns the owner's post or NotFoundError.
func (s *Posts) GetPostByID(ctx context.Context, ownerID, postID string) (models.Post, error) {
	post, err := s.store.GetPost(ctx, ownerID, postID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Post{}, apperr.NotFound("post", postID)
	}
	return post, err
}

// SchedulePostForPublishing verifies ownership and enqueues the publish job
// under the post-derived key, superseding any pending entry for the post.
// The delay is clamped to zero when the schedule time is already past.
func (s *Posts) SchedulePostForPublishing(ctx context.Context, ownerID, postID, message string, platform models.Platform, scheduledTime time.Time) (ScheduleResult, error) {
	post, err := s.GetPostByID(ctx, ownerID, postID)
	if err != nil {
		return ScheduleResult{}, err
	}

	payload := models.JobPayload{
		JobID:       uuid.New().String(),
		OwnerID:     ownerID,
		PostID:      postID,
		Platform:    platform,
		Message:     message,
		ScheduledAt: scheduledTime,
	}
	if post.MediaURL != nil {
		payload.MediaURL = *post.MediaURL
	}
	delay := time.Until(scheduledTime)
	if delay < 0 {
		delay = 0
	}
	if err := s.queue.Enqueue(ctx, payload, delay); err != nil {
		return ScheduleResult{}, apperr.Transient("enqueue publish job", err)
	}

	telemetry.PostsScheduled.Inc()
	s.hub.Publish(events.Event{
		Key:     payload.Key(),
		OwnerID: ownerID,
		PostID:  postID,
		Status:  events.StatusEnqueued,
	})
	s.log.Info().
		Str("owner_id", ownerID).
		Str("post_id", postID).
		Str("job_key", payload.Key()).
		Dur("delay", delay).
		Msg("publish job enqueued")

	return ScheduleResult{JobKey: payload.Key(), ScheduledTime: scheduledTime}, nil
}

// UpdateSchedule moves a not-yet-published post to a new time and re-enqueues
// its job, superseding the previous entry.
func (s *Posts) UpdateSchedule(ctx context.Context, ownerID, postID, newScheduledFor string) (models.Post, error) {
	scheduledFor, err := parseScheduleTime(newScheduledFor)
	if err != nil {
		return models.Post{}, err
	}

	post, err := s.GetPostByID(ctx, ownerID, postID)
	if err != nil {
		return models.Post{}, err
	}
	if post.Status == models.PostStatusPublished {
		return models.Post{}, apperr.Validation("postId", "post is already published")
	}

	updated, err := s.store.UpdatePostSchedule(ctx, ownerID, postID, scheduledFor)
	if errors.Is(err, store.ErrNotFound) {
		// Published (or deleted) between the read and the update.
		return models.Post{}, apperr.NotFound("post", postID)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("update schedule: %w", err)
	}

	if _, err := s.SchedulePostForPublishing(ctx, ownerID, postID, updated.Content, updated.Platform, scheduledFor); err != nil {
		return models.Post{}, err
	}
	return updated, nil
}

// DeletePost removes the post and, best effort, its pending queue entry. An
// attempt already in flight is allowed to finish; its post updates are
// no-ops once the row is gone.
func (s *Posts) DeletePost(ctx context.Context, ownerID, postID string) error {
	if err := s.store.DeletePost(ctx, ownerID, postID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("post", postID)
		}
		return err
	}

	key := models.DeriveJobKey(postID, "")
	if err := s.queue.Remove(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("job_key", key).Msg("could not remove pending job for deleted post")
	}

	s.log.Info().Str("owner_id", ownerID).Str("post_id", postID).Msg("post deleted")
	return nil
}

func validatePostInput(in CreatePostInput) (models.Platform, time.Time, error) {
	if in.Content == "" {
		return "", time.Time{}, apperr.Validation("content", "content is required")
	}
	platform, err := models.ParsePlatform(in.Platform)
	if err != nil {
		return "", time.Time{}, apperr.Validation("platform", err.Error())
	}
	if limit := platform.ContentLimit(); len([]rune(in.Content)) > limit {
		return "", time.Time{}, apperr.Validation("content", fmt.Sprintf("%s posts must be at most %d characters", platform, limit))
	}
	scheduledFor, err := parseScheduleTime(in.ScheduledFor)
	if err != nil {
		return "", time.Time{}, err
	}
	return platform, scheduledFor, nil
}

func parseScheduleTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation("scheduledFor", "invalid date format")
	}
	return t.UTC(), nil
}

func validateListFilter(limit, offset *int) error {
	if *limit == 0 {
		*limit = 10
	}
	if *limit < 1 || *limit > 100 {
		return apperr.Validation("limit", "limit must be between 1 and 100")
	}
	if *offset < 0 {
		return apperr.Validation("offset", "offset must not be negative")
	}
	return nil
}
