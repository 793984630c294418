package reconciliation

import (
	"context"

	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
)

// Job types that run the sweepers through the queue
const (
	JobTypeSweep        = "reconciliation.sweep"
	JobTypeDeadmanCheck = "deadman.check"
)

// SweepHandler runs one resolver pass per job
func SweepHandler(r *Resolver) worker.Handler {
	return func(ctx context.Context, _ *domain.Job) error {
		_, err := r.Sweep(ctx)
		return err
	}
}

// DeadmanCheckHandler evaluates the switch per job
func DeadmanCheckHandler(m *Monitor) worker.Handler {
	return func(ctx context.Context, _ *domain.Job) error {
		_, err := m.CheckStatusAndTrigger(ctx)
		return err
	}
}
