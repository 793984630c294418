package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/cuongbtq/ongkir-resilience/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, locked_by, locked_at,
	last_error, dedupe_key, run_after, created_at, updated_at`

// Storage handles all database operations for the job queue
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a pending job. When the job carries a dedupe key that
// already exists, the existing job's id is returned instead.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) (string, error) {
	query := `
		INSERT INTO jobs (
			id, type, payload, status, attempts, max_attempts,
			dedupe_key, run_after, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	// payload goes over the wire as text so lib/pq does not encode it as bytea
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Type, string(job.Payload), job.Status, job.Attempts, job.MaxAttempts,
		job.DedupeKey, job.RunAfter, job.CreatedAt, job.UpdatedAt,
	)
	if err == nil {
		return job.ID, nil
	}

	if job.DedupeKey != nil && postgresql.IsUniqueViolation(err) {
		var existingID string
		if getErr := s.db.GetContext(ctx, &existingID, `SELECT id FROM jobs WHERE dedupe_key = $1`, *job.DedupeKey); getErr != nil {
			return "", fmt.Errorf("failed to load deduplicated job: %w", getErr)
		}

		s.logger.Info("Job already enqueued for dedupe key",
			slog.String("job_id", existingID),
			slog.String("dedupe_key", *job.DedupeKey),
		)
		return existingID, nil
	}

	return "", fmt.Errorf("failed to create job: %w", err)
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ListJobs returns jobs newest first. One extra row is fetched so callers
// can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ClaimNext claims the oldest runnable pending job in one statement. The
// outer status guard makes concurrent claimers of the same row lose with
// zero affected rows instead of double-claiming.
func (s *Storage) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    locked_by = $2,
		    locked_at = $3,
		    attempts = attempts + 1,
		    updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4
			  AND attempts < max_attempts
			  AND run_after <= $3
			ORDER BY created_at, id
			LIMIT 1
		)
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusProcessing, workerID, now, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", job.Type),
		slog.Int("attempts", job.Attempts),
	)

	return &job, nil
}

// MarkCompleted finishes a job held by workerID
func (s *Storage) MarkCompleted(ctx context.Context, jobID, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, last_error = NULL, locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4 AND locked_by = $5
	`
	return s.execHeld(ctx, "complete", query,
		domain.JobStatusCompleted, now, jobID, domain.JobStatusProcessing, workerID)
}

// MarkFailed records a retryable failure; the job becomes claimable again
// once a requeue pass runs after runAfter
func (s *Storage) MarkFailed(ctx context.Context, jobID, workerID, lastError string, runAfter, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, last_error = $2, run_after = $3, locked_by = NULL, locked_at = NULL, updated_at = $4
		WHERE id = $5 AND status = $6 AND locked_by = $7
	`
	return s.execHeld(ctx, "fail", query,
		domain.JobStatusFailed, lastError, runAfter, now, jobID, domain.JobStatusProcessing, workerID)
}

// MarkDead sets a job aside for manual inspection
func (s *Storage) MarkDead(ctx context.Context, jobID, workerID, lastError string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5 AND locked_by = $6
	`
	return s.execHeld(ctx, "dead-letter", query,
		domain.JobStatusDead, lastError, now, jobID, domain.JobStatusProcessing, workerID)
}

// TouchLock extends the lease of a running job
func (s *Storage) TouchLock(ctx context.Context, jobID, workerID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET locked_at = $1, updated_at = $1
		WHERE id = $2 AND status = $3 AND locked_by = $4
	`
	return s.execHeld(ctx, "heartbeat", query, now, jobID, domain.JobStatusProcessing, workerID)
}

func (s *Storage) execHeld(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrLeaseLost
	}

	return nil
}

// RequeueDue moves failed jobs whose backoff elapsed back to pending
func (s *Storage) RequeueDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE status = $3
		  AND run_after <= $2
		  AND attempts < max_attempts
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, now, domain.JobStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue due jobs: %w", err)
	}

	return result.RowsAffected()
}

// ReleaseStale returns processing jobs whose lease expired to pending, or to
// dead when they have no attempts left
func (s *Storage) ReleaseStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		    last_error = 'lease expired',
		    locked_by = NULL,
		    locked_at = NULL,
		    run_after = $3,
		    updated_at = $3
		WHERE status = $4
		  AND locked_at < $5
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusDead, domain.JobStatusPending, now, domain.JobStatusProcessing, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}

	return result.RowsAffected()
}

// Requeue manually returns a failed or dead job to pending. A dead job that
// exhausted its budget is granted one more attempt.
func (s *Storage) Requeue(ctx context.Context, jobID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    max_attempts = CASE WHEN attempts >= max_attempts THEN attempts + 1 ELSE max_attempts END,
		    run_after = $2,
		    updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusPending, now, jobID, domain.JobStatusFailed, domain.JobStatusDead)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetJobByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrNotRequeueable
	}

	return nil
}
