package dto

import "encoding/json"

type CreateJobRequest struct {
	Type        string          `json:"type" binding:"required,max=100"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupe_key" binding:"omitempty,max=200"`
	MaxAttempts int             `json:"max_attempts" binding:"omitempty,min=1,max=100"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status" binding:"omitempty,oneof=pending processing completed failed dead"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string          `json:"job_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	RunAfter    string          `json:"run_after"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}
