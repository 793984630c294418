package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_reconciliation.go -package=mocks . PaymentVendor

// Transaction statuses, shared with the payment vendor
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

var (
	// ErrTransactionNotFound is returned for an unknown transaction id
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrUnknownVendorStatus is returned when the vendor answers with a
	// status outside SUCCESS, FAILED and PENDING
	ErrUnknownVendorStatus = errors.New("unknown vendor status")
)

// Transaction is a payment row awaiting settlement
type Transaction struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Amount    int64     `db:"amount" json:"amount"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentVendor is the ground truth for transaction outcomes
type PaymentVendor interface {
	GetStatus(ctx context.Context, transactionID string) (string, error)
}

// Store persists transactions and user balances
type Store interface {
	// ListStuck returns PENDING transactions created before olderThan,
	// oldest first
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
	// MarkSuccess settles a PENDING transaction. It reports false when the
	// transaction was no longer PENDING.
	MarkSuccess(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkFailedAndCredit fails a PENDING transaction and credits its amount
	// to the owner in one database transaction. It reports false, and
	// credits nothing, when the transaction was no longer PENDING.
	MarkFailedAndCredit(ctx context.Context, id string, now time.Time) (bool, error)
}

// SweepResult summarises one resolver pass
type SweepResult struct {
	Resolved    int `json:"resolved"`
	Refunded    int `json:"refunded"`
	LeftPending int `json:"left_pending"`
	Errors      int `json:"errors"`
}

// ResolverConfig tunes the stuck-transaction resolver
type ResolverConfig struct {
	StuckAfter  time.Duration
	BatchSize   int
	CallTimeout time.Duration
}

// Resolver settles transactions stuck in PENDING by asking the vendor
type Resolver struct {
	store  Store
	vendor PaymentVendor
	logger *slog.Logger
	cfg    ResolverConfig
	Now    func() time.Time
}

// NewResolver creates a Resolver. Zero config values get defaults: 24h
// stuck threshold, batches of 100, 10s per vendor call.
func NewResolver(store Store, vendor PaymentVendor, logger *slog.Logger, cfg ResolverConfig) *Resolver {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	return &Resolver{
		store:  store,
		vendor: vendor,
		logger: logger,
		cfg:    cfg,
		Now:    time.Now,
	}
}

// Sweep runs one resolver pass. Only a failure to list the batch is
// returned; per-transaction failures are logged and counted.
func (r *Resolver) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	now := r.Now().UTC()
	stuck, err := r.store.ListStuck(ctx, now.Add(-r.cfg.StuckAfter), r.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list stuck transactions: %w", err)
	}

	for _, txn := range stuck {
		if ctx.Err() != nil {
			break
		}

		outcome, err := r.resolve(ctx, txn)
		if err != nil {
			result.Errors++
			metrics.ReconciliationTransactionsTotal.WithLabelValues("error").Inc()
			r.logger.Error("Failed to reconcile transaction",
				slog.String("transaction_id", txn.ID),
				slog.String("user_id", txn.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}

		metrics.ReconciliationTransactionsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case "success":
			result.Resolved++
		case "refunded":
			result.Resolved++
			result.Refunded++
		case "pending":
			result.LeftPending++
		}
	}

	r.logger.Info("Reconciliation sweep finished",
		slog.Int("candidates", len(stuck)),
		slog.Int("resolved", result.Resolved),
		slog.Int("refunded", result.Refunded),
		slog.Int("left_pending", result.LeftPending),
		slog.Int("errors", result.Errors),
	)

	return result, ctx.Err()
}

func (r *Resolver) resolve(ctx context.Context, txn Transaction) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	status, err := r.vendor.GetStatus(callCtx, txn.ID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("vendor status: %w", err)
	}

	now := r.Now().UTC()
	switch status {
	case StatusPending:
		r.logger.Debug("Transaction still pending at vendor", slog.String("transaction_id", txn.ID))
		return "pending", nil

	case StatusSuccess:
		updated, err := r.store.MarkSuccess(ctx, txn.ID, now)
		if err != nil {
			return "", err
		}
		if !updated {
			return "skipped", nil
		}
		return "success", nil

	case StatusFailed:
		credited, err := r.store.MarkFailedAndCredit(ctx, txn.ID, now)
		if err != nil {
			return "", err
		}
		if !credited {
			return "skipped", nil
		}
		r.logger.Info("Transaction failed at vendor, balance credited",
			slog.String("transaction_id", txn.ID),
			slog.String("user_id", txn.UserID),
			slog.Int64("amount", txn.Amount),
		)
		return "refunded", nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVendorStatus, status)
	}
}
