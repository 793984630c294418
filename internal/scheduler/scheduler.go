package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Task is a function run on a fixed interval
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler runs periodic tasks such as sweepers and janitors
type Scheduler struct {
	logger *slog.Logger
}

// New creates a Scheduler
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Run executes task every Interval until ctx is done. Errors and panics are
// logged and never stop the loop. Run returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	if task.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be greater than 0", task.Name)
	}
	if task.Fn == nil {
		return fmt.Errorf("task %q: no function", task.Name)
	}

	logger := s.logger.With(slog.String("task", task.Name))
	logger.Info("Scheduled task started", slog.Duration("interval", task.Interval))

	if task.RunOnStart {
		s.runOnce(ctx, logger, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduled task stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, logger, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *slog.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scheduled task panicked", slog.Any("panic", r))
		}
	}()

	started := time.Now()
	if err := task.Fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Scheduled task failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(started)),
		)
		return
	}

	logger.Debug("Scheduled task completed", slog.Duration("duration", time.Since(started)))
}
