package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
	"github.com/jmoiron/sqlx"
)

// Storage keeps tracking cache entries in PostgreSQL
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

// Get returns the entry for key or tracking.ErrEntryNotFound
func (s *Storage) Get(ctx context.Context, key tracking.Key) (*tracking.Entry, error) {
	query := `
		SELECT waybill, courier, status_code, terminal, raw_payload, last_updated_at
		FROM tracking_cache
		WHERE waybill = $1 AND courier = $2
	`

	var entry tracking.Entry
	if err := s.db.GetContext(ctx, &entry, query, key.Waybill, key.Courier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tracking.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get tracking entry: %w", err)
	}

	return &entry, nil
}

// Upsert inserts or replaces the entry for its (waybill, courier). A row
// that is already terminal is left untouched.
func (s *Storage) Upsert(ctx context.Context, entry *tracking.Entry) error {
	query := `
		INSERT INTO tracking_cache (waybill, courier, status_code, terminal, raw_payload, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (waybill, courier) DO UPDATE
		SET status_code = EXCLUDED.status_code,
		    terminal = EXCLUDED.terminal,
		    raw_payload = EXCLUDED.raw_payload,
		    last_updated_at = EXCLUDED.last_updated_at
		WHERE tracking_cache.terminal = FALSE
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.Waybill, entry.Courier, entry.StatusCode, entry.Terminal,
		string(entry.RawPayload), entry.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tracking entry: %w", err)
	}

	s.logger.Debug("Tracking entry stored",
		slog.String("waybill", entry.Waybill),
		slog.String("courier", entry.Courier),
		slog.Bool("terminal", entry.Terminal),
	)
	return nil
}
