package worker

import (
	"context"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// Store persists jobs. Every state change on a claimed job is guarded by
// the holder's worker id; ClaimNext must be a single conditional update.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) (string, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)

	ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID, workerID string, now time.Time) error
	MarkFailed(ctx context.Context, jobID, workerID, lastError string, runAfter, now time.Time) error
	MarkDead(ctx context.Context, jobID, workerID, lastError string, now time.Time) error
	TouchLock(ctx context.Context, jobID, workerID string, now time.Time) error

	RequeueDue(ctx context.Context, now time.Time) (int64, error)
	ReleaseStale(ctx context.Context, lockedBefore, now time.Time) (int64, error)
	Requeue(ctx context.Context, jobID string, now time.Time) error
}
