package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// spawnWorkerPool spawns N polling goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop polls the store every pollInterval, draining up to burst jobs
// per tick
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx, workerName)

		select {
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context, workerName string) {
	for i := 0; i < w.burst; i++ {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("Worker tick failed",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			return
		}
		if !claimed {
			return
		}
	}
}

// maintenanceLoop requeues failed jobs whose backoff elapsed and releases
// processing jobs whose lease expired
func (w *Worker) maintenanceLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Job maintenance failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunMaintenance performs one requeue and one lease-release pass
func (w *Worker) RunMaintenance(ctx context.Context) error {
	now := w.now().UTC()

	requeued, err := w.store.RequeueDue(ctx, now)
	if err != nil {
		return err
	}
	if requeued > 0 {
		metrics.JobsRecoveredTotal.WithLabelValues("retry").Add(float64(requeued))
		w.logger.Info("Requeued failed jobs", slog.Int64("count", requeued))
	}

	released, err := w.store.ReleaseStale(ctx, now.Add(-w.leaseTimeout), now)
	if err != nil {
		return err
	}
	if released > 0 {
		metrics.JobsRecoveredTotal.WithLabelValues("lease_expired").Add(float64(released))
		w.logger.Warn("Released jobs with expired lease", slog.Int64("count", released))
	}

	return nil
}

// ProcessNext claims at most one job and runs it to completion. It reports
// whether a job was claimed; losing a claim race is not an error.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.workerID, w.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNoJobAvailable) {
			return false, nil
		}
		return false, err
	}

	w.processJob(ctx, job)
	return true, nil
}
