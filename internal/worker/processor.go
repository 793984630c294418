package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// processJob executes a claimed job and records the outcome. Handler errors
// and panics stay inside this function.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	logger.Info("Processing job")

	started := time.Now()
	err := w.execute(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

	// Results are written even when shutdown canceled ctx, so the job does
	// not sit in processing until its lease expires.
	writeCtx := context.WithoutCancel(ctx)
	now := w.now().UTC()

	var status string
	var writeErr error

	switch {
	case err == nil:
		status = domain.JobStatusCompleted
		writeErr = w.store.MarkCompleted(writeCtx, job.ID, w.workerID, now)
		logger.Info("Job completed successfully")

	case domain.IsPermanent(err):
		status = domain.JobStatusDead
		writeErr = w.store.MarkDead(writeCtx, job.ID, w.workerID, err.Error(), now)
		logger.Error("Job failed permanently", slog.String("error", err.Error()))

	case job.CanRetry():
		status = domain.JobStatusFailed
		runAfter := w.backoff.NextRunAt(now, job.Attempts)
		writeErr = w.store.MarkFailed(writeCtx, job.ID, w.workerID, err.Error(), runAfter, now)
		logger.Warn("Job failed, will be retried",
			slog.String("error", err.Error()),
			slog.Time("run_after", runAfter),
		)

	default:
		status = domain.JobStatusDead
		writeErr = w.store.MarkDead(writeCtx, job.ID, w.workerID, err.Error(), now)
		logger.Error("Job exceeded max attempts", slog.String("error", err.Error()))
	}

	if writeErr != nil {
		if errors.Is(writeErr, domain.ErrLeaseLost) {
			logger.Warn("Job lease lost before result was recorded",
				slog.String("status", status),
			)
			return
		}
		logger.Error("Failed to record job result",
			slog.String("status", status),
			slog.String("error", writeErr.Error()),
		)
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(job.Type, status).Inc()
}

// execute resolves the handler and runs it under the job timeout while a
// heartbeat keeps the lease alive
func (w *Worker) execute(ctx context.Context, job *domain.Job) (err error) {
	handler, err := w.registry.Lookup(job.Type)
	if err != nil {
		return err
	}

	if len(job.Payload) > 0 && !json.Valid(job.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(jobCtx, job)
}

// sendJobHeartbeat periodically refreshes locked_at for a running job
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchLock(ctx, jobID, w.workerID, w.now().UTC()); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
