package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"postflow/internal/models"
)

// ErrNotFound reports that a row does not exist (or is owned by another
// user). Callers map it to their own not-found error kind.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence of posts and job logs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const postColumns = `id, owner_id, content, platform, media_url, scheduled_for, status, published_at, created_at, updated_at`

// CreatePostParams collects inputs required to insert a post.
type CreatePostParams struct {
	OwnerID      string
	Content      string
	Platform     models.Platform
	MediaURL     string
	ScheduledFor time.Time
}

// CreatePost inserts a post in scheduled status and returns it.
func (s *Store) CreatePost(ctx context.Context, p CreatePostParams) (models.Post, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, owner_id, content, platform, media_url, scheduled_for, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.OwnerID, p.Content, string(p.Platform), emptyToNil(p.MediaURL), p.ScheduledFor, models.PostStatusScheduled, now)
	if err != nil {
		return models.Post{}, fmt.Errorf("insert post: %w", err)
	}

	return models.Post{
		ID:           id,
		OwnerID:      p.OwnerID,
		Content:      p.Content,
		Platform:     p.Platform,
		MediaURL:     emptyToNil(p.MediaURL),
		ScheduledFor: p.ScheduledFor,
		Status:       models.PostStatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetPost fetches a post by id, scoped to its owner.
func (s *Store) GetPost(ctx context.Context, ownerID, postID string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postColumns+` FROM posts WHERE id = $1 AND owner_id = $2
	`, postID, ownerID)
	return scanPost(row)
}

// PostFilter narrows ListPosts results.
type PostFilter struct {
	Status   string
	Platform string
	Limit    int
	Offset   int
}

// ListPosts returns an owner's posts ordered by schedule time, newest first.
func (s *Store) ListPosts(ctx context.Context, ownerID string, f PostFilter) ([]models.Post, error) {
	if f.Limit <= 0 {
		f.Limit = 10
	}
	query := `SELECT ` + postColumns + ` FROM posts WHERE owner_id = $1`
	args := []any{ownerID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Platform != "" {
		args = append(args, f.Platform)
		query += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY scheduled_for DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := make([]models.Post, 0, f.Limit)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// UpdatePostSchedule moves a post back to scheduled with a new time. It
// refuses to touch published posts.
func (s *Store) UpdatePostSchedule(ctx context.Context, ownerID, postID string, scheduledFor time.Time) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE posts
		SET scheduled_for = $3, status = $4, published_at = NULL, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status <> $5
		RETURNING `+postColumns+`
	`, postID, ownerID, scheduledFor, models.PostStatusScheduled, models.PostStatusPublished)
	return scanPost(row)
}

// SetPostProcessing flags a post as in-flight. A missing or already published
// row is not an error: the post may have been deleted or rescheduled while
// the attempt was starting.
func (s *Store) SetPostProcessing(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $3
	`, postID, models.PostStatusProcessing, models.PostStatusPublished)
	return err
}

// MarkPostPublished records terminal success. Tolerates a deleted post.
func (s *Store) MarkPostPublished(ctx context.Context, postID string, publishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, published_at = $3, updated_at = NOW()
		WHERE id = $1
	`, postID, models.PostStatusPublished, publishedAt)
	return err
}

// MarkPostFailed records terminal failure. Tolerates a deleted post and never
// downgrades a published one.
func (s *Store) MarkPostFailed(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $3
	`, postID, models.PostStatusFailed, models.PostStatusPublished)
	return err
}

// DeletePost removes an owner's post. Returns ErrNotFound when nothing
// matched.
func (s *Store) DeletePost(ctx context.Context, ownerID, postID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM posts WHERE id = $1 AND owner_id = $2
	`, postID, ownerID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const jobLogColumns = `id, job_id, owner_id, post_id, status, attempts, last_error, result, created_at, updated_at`

// UpsertJobLogParams identifies the log row to create or refresh at the start
// of an attempt.
type UpsertJobLogParams struct {
	ID       string
	JobID    string
	OwnerID  string
	PostID   string
	Attempts int
}

// BeginJobLogAttempt creates the log row on the first attempt and updates it
// in place on every later one. The derived id makes this converge on a single
// row per job.
func (s *Store) BeginJobLogAttempt(ctx context.Context, p UpsertJobLogParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (id, job_id, owner_id, post_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET job_id = EXCLUDED.job_id, status = EXCLUDED.status, attempts = EXCLUDED.attempts, updated_at = NOW()
	`, p.ID, p.JobID, p.OwnerID, emptyToNil(p.PostID), models.JobStatusProcessing, p.Attempts)
	return err
}

// CompleteJobLog marks the log completed with the publish result.
func (s *Store) CompleteJobLog(ctx context.Context, logID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE job_logs
		SET status = $2, result = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, logID, models.JobStatusCompleted, resultJSON)
	return err
}

// FailJobLog marks the log failed with the attempt's error message.
func (s *Store) FailJobLog(ctx context.Context, logID string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_logs
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, logID, models.JobStatusFailed, attempts, lastError)
	return err
}

// GetJobLog fetches a log by id, scoped to its owner.
func (s *Store) GetJobLog(ctx context.Context, ownerID, logID string) (models.JobLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobLogColumns+` FROM job_logs WHERE id = $1 AND owner_id = $2
	`, logID, ownerID)
	return scanJobLog(row)
}

// JobLogFilter narrows ListJobLogs results.
type JobLogFilter struct {
	Status string
	PostID string
	Limit  int
	Offset int
}

// ListJobLogs returns an owner's job logs, newest first, with referenced
// posts attached.
func (s *Store) ListJobLogs(ctx context.Context, ownerID string, f JobLogFilter) ([]models.JobLog, error) {
	if f.Limit <= 0 {
		f.Limit = 10
	}
	query := `SELECT ` + jobLogColumns + ` FROM job_logs WHERE owner_id = $1`
	args := []any{ownerID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.PostID != "" {
		args = append(args, f.PostID)
		query += fmt.Sprintf(" AND post_id = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()

	logs := make([]models.JobLog, 0, f.Limit)
	for rows.Next() {
		jl, err := scanJobLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, jl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachPosts(ctx, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// MarkJobLogRetrying transitions a failed log back to processing for a fresh
// job. The status guard makes a second retry against an already-processing
// log report ErrNotFound instead of spawning a duplicate in-flight job.
func (s *Store) MarkJobLogRetrying(ctx context.Context, ownerID, logID, newJobID string) (models.JobLog, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_logs
		SET status = $4, attempts = attempts + 1, job_id = $3, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = $5
		RETURNING `+jobLogColumns+`
	`, logID, ownerID, newJobID, models.JobStatusProcessing, models.JobStatusFailed)
	return scanJobLog(row)
}

func (s *Store) attachPosts(ctx context.Context, logs []models.JobLog) error {
	ids := make([]string, 0, len(logs))
	for _, jl := range logs {
		if jl.PostID != nil {
			ids = append(ids, *jl.PostID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("query referenced posts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Post, len(ids))
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return err
		}
		byID[post.ID] = post
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range logs {
		if logs[i].PostID == nil {
			continue
		}
		if post, ok := byID[*logs[i].PostID]; ok {
			p := post
			logs[i].Post = &p
		}
	}
	return nil
}

func scanPost(row pgx.Row) (models.Post, error) {
	var post models.Post
	var platform string
	var mediaURL pgtype.Text
	var publishedAt pgtype.Timestamptz

	err := row.Scan(&post.ID, &post.OwnerID, &post.Content, &platform, &mediaURL,
		&post.ScheduledFor, &post.Status, &publishedAt, &post.CreatedAt, &post.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, ErrNotFound
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}

	post.Platform = models.Platform(platform)
	post.MediaURL = textPtr(mediaURL)
	post.PublishedAt = tsPtr(publishedAt)
	return post, nil
}

func scanJobLog(row pgx.Row) (models.JobLog, error) {
	var jl models.JobLog
	var postID pgtype.Text
	var lastErr pgtype.Text
	var resultJSON []byte

	err := row.Scan(&jl.ID, &jl.JobID, &jl.OwnerID, &postID, &jl.Status,
		&jl.Attempts, &lastErr, &resultJSON, &jl.CreatedAt, &jl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobLog{}, ErrNotFound
	}
	if err != nil {
		return models.JobLog{}, fmt.Errorf("scan job log: %w", err)
	}

	jl.PostID = textPtr(postID)
	jl.LastError = textPtr(lastErr)
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &jl.Result); err != nil {
			return models.JobLog{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return jl, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
