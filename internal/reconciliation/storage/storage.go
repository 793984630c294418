package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
	"github.com/cuongbtq/ongkir-resilience/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Storage is the PostgreSQL store for transactions, balances and the
// dead-man's switch checkpoint
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

// ListStuck implements reconciliation.Store
func (s *Storage) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]reconciliation.Transaction, error) {
	query := `
		SELECT id, user_id, amount, status, created_at, updated_at
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`

	var txns []reconciliation.Transaction
	if err := s.db.SelectContext(ctx, &txns, query, reconciliation.StatusPending, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list stuck transactions: %w", err)
	}
	return txns, nil
}

// MarkSuccess implements reconciliation.Store
func (s *Storage) MarkSuccess(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		reconciliation.StatusSuccess, now, id, reconciliation.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to settle transaction: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkFailedAndCredit implements reconciliation.Store. The status guard and
// the credit share one database transaction.
func (s *Storage) MarkFailedAndCredit(ctx context.Context, id string, now time.Time) (bool, error) {
	credited := false

	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var txn reconciliation.Transaction
		err := tx.GetContext(ctx, &txn, `
			UPDATE transactions SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4
			RETURNING id, user_id, amount, status, created_at, updated_at
		`, reconciliation.StatusFailed, now, id, reconciliation.StatusPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fail transaction: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = balance + $1 WHERE id = $2`, txn.Amount, txn.UserID)
		if err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		if n, _ := result.RowsAffected(); n != 1 {
			return fmt.Errorf("failed to credit balance: user %s not found", txn.UserID)
		}

		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

// Balance returns a user's balance
func (s *Storage) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `SELECT balance FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	return balance, err
}

type checkpointRow struct {
	Enabled         bool      `db:"enabled"`
	IntervalDays    int       `db:"interval_days"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at"`
	State           string    `db:"state"`
	TriggerActions  []byte    `db:"trigger_actions"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Load implements reconciliation.CheckpointStore
func (s *Storage) Load(ctx context.Context) (*reconciliation.Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT enabled, interval_days, last_heartbeat_at, state, trigger_actions, updated_at
		FROM deadman_checkpoint WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconciliation.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp := &reconciliation.Checkpoint{
		Enabled:         row.Enabled,
		IntervalDays:    row.IntervalDays,
		LastHeartbeatAt: row.LastHeartbeatAt,
		State:           row.State,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.TriggerActions) > 0 {
		if err := json.Unmarshal(row.TriggerActions, &cp.TriggerActions); err != nil {
			return nil, fmt.Errorf("failed to decode trigger actions: %w", err)
		}
	}
	return cp, nil
}

// Seed implements reconciliation.CheckpointStore
func (s *Storage) Seed(ctx context.Context, cp reconciliation.Checkpoint) error {
	actions, err := json.Marshal(cp.TriggerActions)
	if err != nil {
		return fmt.Errorf("failed to encode trigger actions: %w", err)
	}
	if cp.TriggerActions == nil {
		actions = []byte(`[]`)
	}
	state := cp.State
	if state == "" {
		state = reconciliation.StateOK
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deadman_checkpoint (id, enabled, interval_days, last_heartbeat_at, state, trigger_actions, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    interval_days = EXCLUDED.interval_days,
		    trigger_actions = EXCLUDED.trigger_actions,
		    updated_at = EXCLUDED.updated_at
	`, cp.Enabled, cp.IntervalDays, cp.LastHeartbeatAt, state, string(actions), cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to seed checkpoint: %w", err)
	}
	return nil
}

// CheckIn implements reconciliation.CheckpointStore
func (s *Storage) CheckIn(ctx context.Context, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deadman_checkpoint SET last_heartbeat_at = $1, state = $2, updated_at = $1 WHERE id = 1
	`, now, reconciliation.StateOK)
	if err != nil {
		return fmt.Errorf("failed to record check-in: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return reconciliation.ErrCheckpointNotFound
	}
	return nil
}

// TransitionState implements reconciliation.CheckpointStore
func (s *Storage) TransitionState(ctx context.Context, from, to string, heartbeat, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deadman_checkpoint SET state = $1, updated_at = $2
		WHERE id = 1 AND state = $3 AND last_heartbeat_at = $4
	`, to, now, from, heartbeat)
	if err != nil {
		return false, fmt.Errorf("failed to transition checkpoint: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Info("Dead-man's switch state changed", slog.String("from", from), slog.String("to", to))
	}
	return n == 1, nil
}
