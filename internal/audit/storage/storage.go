package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	"github.com/jmoiron/sqlx"
)

// Storage persists audit events to the audit_events table
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

type eventRow struct {
	Kind      string    `db:"kind"`
	Subject   string    `db:"subject"`
	Detail    []byte    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// Record implements audit.Sink
func (s *Storage) Record(ctx context.Context, event audit.Event) error {
	detail := []byte(`{}`)
	if len(event.Detail) > 0 {
		b, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = b
	}

	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `INSERT INTO audit_events (kind, subject, detail, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, event.Kind, event.Subject, string(detail), at); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListRecent returns the newest events of a kind, newest first. An empty
// kind lists every kind.
func (s *Storage) ListRecent(ctx context.Context, kind string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT kind, subject, detail, created_at
		FROM audit_events
		WHERE ($1 = '' OR kind = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, kind, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		e := audit.Event{Kind: r.Kind, Subject: r.Subject, At: r.CreatedAt}
		if len(r.Detail) > 0 {
			if err := json.Unmarshal(r.Detail, &e.Detail); err != nil {
				s.logger.Warn("Skipping undecodable audit detail", slog.String("kind", r.Kind))
			}
		}
		events = append(events, e)
	}
	return events, nil
}
