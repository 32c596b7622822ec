package models

import (
	"time"
)

// JobLog statuses.
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobPayload is the unit of work carried through the delay queue.
type JobPayload struct {
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	PostID      string    `json:"post_id,omitempty"`
	Platform    Platform  `json:"platform"`
	Message     string    `json:"message"`
	MediaURL    string    `json:"media_url,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Key returns the queue/log key for the payload.
func (p JobPayload) Key() string {
	return DeriveJobKey(p.PostID, p.JobID)
}

// DeriveJobKey computes the identifier shared by the queue entry and the job
// log: "job:"+postID when the job belongs to a post, else "job:"+jobID.
// Retries and reschedules reuse the same key, so they supersede the pending
// entry and converge on one log row instead of duplicating.
func DeriveJobKey(postID, jobID string) string {
	if postID != "" {
		return "job:" + postID
	}
	return "job:" + jobID
}

// JobLog is the durable audit record of a job's processing history. It is
// updated in place on every attempt and never deleted by the worker.
type JobLog struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	OwnerID   string         `json:"owner_id"`
	PostID    *string        `json:"post_id,omitempty"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Post is attached on list/read when the log references one.
	Post *Post `json:"post,omitempty"`
}
