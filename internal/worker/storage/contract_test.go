package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobStore interface {
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

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestJob(createdAt time.Time, maxAttempts int) *domain.Job {
	return &domain.Job{
		ID:          uuid.New().String(),
		Type:        "test.job",
		Payload:     json.RawMessage(`{"n":1}`),
		Status:      domain.JobStatusPending,
		MaxAttempts: maxAttempts,
		RunAfter:    createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func mustCreate(t *testing.T, s jobStore, job *domain.Job) string {
	t.Helper()
	id, err := s.CreateJob(context.Background(), job)
	require.NoError(t, err)
	return id
}

// testStoreContract runs the behaviour every job store must share
func testStoreContract(t *testing.T, newStore func(t *testing.T) jobStore) {
	ctx := context.Background()
	now := baseTime.Add(time.Hour)

	t.Run("claim marks processing and increments attempts", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newTestJob(baseTime, 3))

		job, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, domain.JobStatusProcessing, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.LockedBy)
		assert.Equal(t, "w1", *job.LockedBy)
		require.NotNil(t, job.LockedAt)

		_, err = s.ClaimNext(ctx, "w2", now)
		assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
	})

	t.Run("concurrent claimers on one job: exactly one wins", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newTestJob(baseTime, 3))

		const claimers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			others  int
		)
		start := make(chan struct{})

		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start
				job, err := s.ClaimNext(ctx, uuid.New().String(), now)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, job.ID)
					return
				}
				if errors.Is(err, domain.ErrNoJobAvailable) {
					others++
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, id, winners[0])
		assert.Equal(t, claimers-1, others)

		stored, err := s.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Attempts)
	})

	t.Run("oldest pending job is claimed first", func(t *testing.T) {
		s := newStore(t)
		newer := mustCreate(t, s, newTestJob(baseTime.Add(time.Minute), 3))
		older := mustCreate(t, s, newTestJob(baseTime, 3))

		first, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		assert.Equal(t, older, first.ID)

		second, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		assert.Equal(t, newer, second.ID)
	})

	t.Run("jobs scheduled in the future or out of attempts are skipped", func(t *testing.T) {
		s := newStore(t)
		delayed := newTestJob(baseTime, 3)
		delayed.RunAfter = now.Add(time.Minute)
		mustCreate(t, s, delayed)

		exhausted := newTestJob(baseTime, 2)
		exhausted.Attempts = 2
		mustCreate(t, s, exhausted)

		_, err := s.ClaimNext(ctx, "w1", now)
		assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

		job, err := s.ClaimNext(ctx, "w1", now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, delayed.ID, job.ID)
	})

	t.Run("result writes require the lease holder", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newTestJob(baseTime, 3))
		_, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)

		assert.ErrorIs(t, s.MarkCompleted(ctx, id, "intruder", now), domain.ErrLeaseLost)
		assert.ErrorIs(t, s.TouchLock(ctx, id, "intruder", now), domain.ErrLeaseLost)
		require.NoError(t, s.TouchLock(ctx, id, "w1", now.Add(time.Second)))
		require.NoError(t, s.MarkCompleted(ctx, id, "w1", now.Add(2*time.Second)))

		job, err := s.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Nil(t, job.LockedBy)

		assert.ErrorIs(t, s.MarkCompleted(ctx, id, "w1", now), domain.ErrLeaseLost)
	})

	t.Run("failed job is requeued only after its backoff", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newTestJob(baseTime, 3))
		_, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)

		runAfter := now.Add(30 * time.Second)
		require.NoError(t, s.MarkFailed(ctx, id, "w1", "boom", runAfter, now))

		job, err := s.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "boom", *job.LastError)

		n, err := s.RequeueDue(ctx, now.Add(10*time.Second))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.RequeueDue(ctx, runAfter)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		claimed, err := s.ClaimNext(ctx, "w2", runAfter)
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.Attempts)
	})

	t.Run("stale leases are released or dead-lettered", func(t *testing.T) {
		s := newStore(t)
		retryable := mustCreate(t, s, newTestJob(baseTime, 3))
		exhausted := mustCreate(t, s, newTestJob(baseTime.Add(time.Second), 1))

		_, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		_, err = s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)

		n, err := s.ReleaseStale(ctx, now, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n, "leases taken at the cutoff are not stale")

		n, err = s.ReleaseStale(ctx, now.Add(time.Second), now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		job, err := s.GetJobByID(ctx, retryable)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, job.Status)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "lease expired", *job.LastError)

		job, err = s.GetJobByID(ctx, exhausted)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDead, job.Status)
	})

	t.Run("manual requeue", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newTestJob(baseTime, 1))
		_, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Requeue(ctx, id, now), domain.ErrNotRequeueable)

		require.NoError(t, s.MarkDead(ctx, id, "w1", "bad", now))
		require.NoError(t, s.Requeue(ctx, id, now))

		job, err := s.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, job.Status)
		assert.Equal(t, 2, job.MaxAttempts)

		claimed, err := s.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		assert.Equal(t, id, claimed.ID)

		assert.ErrorIs(t, s.Requeue(ctx, uuid.New().String(), now), domain.ErrJobNotFound)
	})

	t.Run("dedupe key resolves to the first job", func(t *testing.T) {
		s := newStore(t)
		key := "refresh:" + uuid.New().String()

		first := newTestJob(baseTime, 3)
		first.DedupeKey = &key
		second := newTestJob(baseTime, 3)
		second.DedupeKey = &key

		id1 := mustCreate(t, s, first)
		id2 := mustCreate(t, s, second)
		assert.Equal(t, id1, id2)

		_, err := s.GetJobByID(ctx, second.ID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("listing pages by cursor, newest first", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, mustCreate(t, s, newTestJob(baseTime.Add(time.Duration(i)*time.Minute), 3)))
		}

		page, err := s.ListJobs(ctx, domain.JobFilter{PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)

		cursor := &domain.JobCursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
		page, err = s.ListJobs(ctx, domain.JobFilter{PageSize: 2, Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, ids[2], page[0].ID)

		page, err = s.ListJobs(ctx, domain.JobFilter{PageSize: 10, Status: domain.JobStatusCompleted})
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("unknown job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJobByID(ctx, uuid.New().String())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}
