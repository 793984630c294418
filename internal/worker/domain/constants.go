package domain

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusDead       = "dead"
)

// DefaultMaxAttempts is used when a job is enqueued without an explicit budget
const DefaultMaxAttempts = 5

// IsTerminal reports whether no worker will pick the job up again on its own
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusDead
}
