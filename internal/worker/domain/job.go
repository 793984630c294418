package domain

import (
	"encoding/json"
	"time"
)

// Job is a unit of deferred work persisted in the jobs table
type Job struct {
	ID          string          `db:"id" json:"id"`
	Type        string          `db:"type" json:"type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      string          `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	LockedBy    *string         `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt    *time.Time      `db:"locked_at" json:"locked_at,omitempty"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
	DedupeKey   *string         `db:"dedupe_key" json:"dedupe_key,omitempty"`
	RunAfter    time.Time       `db:"run_after" json:"run_after"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// CanRetry reports whether a failure should leave the job retryable
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobFilter narrows job listings
type JobFilter struct {
	Type     string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position for paginated listings
type JobCursor struct {
	CreatedAt time.Time
	ID        string
}
