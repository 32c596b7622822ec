package models

import (
	"time"
)

// Post lifecycle states persisted in Postgres. Transitions are monotonic
// along scheduled -> processing -> published|failed; a post may move back to
// scheduled (reschedule) only while not published.
const (
	PostStatusScheduled  = "scheduled"
	PostStatusProcessing = "processing"
	PostStatusPublished  = "published"
	PostStatusFailed     = "failed"
)

// Post is a scheduled unit of content owned by a single user.
type Post struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Content      string     `json:"content"`
	Platform     Platform   `json:"platform"`
	MediaURL     *string    `json:"media_url,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
