package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// MemoryStorage is an in-process job store with the same transition rules
// as Storage. Used by tests and single-binary demos.
type MemoryStorage struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	dedupe map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:   make(map[string]*domain.Job),
		dedupe: make(map[string]string),
	}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}

func strPtr(s string) *string { return &s }

// CreateJob stores a job, resolving duplicates by dedupe key
func (m *MemoryStorage) CreateJob(_ context.Context, job *domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.DedupeKey != nil {
		if existing, ok := m.dedupe[*job.DedupeKey]; ok {
			return existing, nil
		}
		m.dedupe[*job.DedupeKey] = job.ID
	}

	m.jobs[job.ID] = copyJob(job)
	return job.ID, nil
}

// GetJobByID returns a copy of the job
func (m *MemoryStorage) GetJobByID(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(j), nil
}

// ListJobs mirrors Storage.ListJobs ordering and page-plus-one semantics
func (m *MemoryStorage) ListJobs(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Job
	for _, j := range m.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.CreatedAt.After(c.CreatedAt) || (j.CreatedAt.Equal(c.CreatedAt) && j.ID >= c.ID) {
				continue
			}
		}
		out = append(out, *copyJob(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimNext picks the oldest runnable pending job under the lock
func (m *MemoryStorage) ClaimNext(_ context.Context, workerID string, now time.Time) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *domain.Job
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusPending || j.Attempts >= j.MaxAttempts || j.RunAfter.After(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) ||
			(j.CreatedAt.Equal(next.CreatedAt) && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, domain.ErrNoJobAvailable
	}

	lockedAt := now
	next.Status = domain.JobStatusProcessing
	next.LockedBy = strPtr(workerID)
	next.LockedAt = &lockedAt
	next.Attempts++
	next.UpdatedAt = now

	return copyJob(next), nil
}

func (m *MemoryStorage) held(jobID, workerID string) (*domain.Job, error) {
	j, ok := m.jobs[jobID]
	if !ok || j.Status != domain.JobStatusProcessing || j.LockedBy == nil || *j.LockedBy != workerID {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

func unlock(j *domain.Job, status string, now time.Time) {
	j.Status = status
	j.LockedBy = nil
	j.LockedAt = nil
	j.UpdatedAt = now
}

// MarkCompleted finishes a held job
func (m *MemoryStorage) MarkCompleted(_ context.Context, jobID, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	unlock(j, domain.JobStatusCompleted, now)
	j.LastError = nil
	return nil
}

// MarkFailed records a retryable failure
func (m *MemoryStorage) MarkFailed(_ context.Context, jobID, workerID, lastError string, runAfter, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	unlock(j, domain.JobStatusFailed, now)
	j.LastError = strPtr(lastError)
	j.RunAfter = runAfter
	return nil
}

// MarkDead dead-letters a held job
func (m *MemoryStorage) MarkDead(_ context.Context, jobID, workerID, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	unlock(j, domain.JobStatusDead, now)
	j.LastError = strPtr(lastError)
	return nil
}

// TouchLock extends a held job's lease
func (m *MemoryStorage) TouchLock(_ context.Context, jobID, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	lockedAt := now
	j.LockedAt = &lockedAt
	j.UpdatedAt = now
	return nil
}

// RequeueDue returns failed jobs whose backoff passed to pending
func (m *MemoryStorage) RequeueDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusFailed && !j.RunAfter.After(now) && j.Attempts < j.MaxAttempts {
			j.Status = domain.JobStatusPending
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ReleaseStale releases processing jobs locked before lockedBefore
func (m *MemoryStorage) ReleaseStale(_ context.Context, lockedBefore, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Status != domain.JobStatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(lockedBefore) {
			continue
		}
		status := domain.JobStatusPending
		if j.Attempts >= j.MaxAttempts {
			status = domain.JobStatusDead
		}
		unlock(j, status, now)
		j.LastError = strPtr("lease expired")
		j.RunAfter = now
		n++
	}
	return n, nil
}

// Requeue manually returns a failed or dead job to pending
func (m *MemoryStorage) Requeue(_ context.Context, jobID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusFailed && j.Status != domain.JobStatusDead {
		return domain.ErrNotRequeueable
	}
	if j.Attempts >= j.MaxAttempts {
		j.MaxAttempts = j.Attempts + 1
	}
	j.Status = domain.JobStatusPending
	j.RunAfter = now
	j.UpdatedAt = now
	return nil
}
