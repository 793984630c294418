package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds
const (
	KindIPBanned         = "security.ip_banned"
	KindIPUnbanned       = "security.ip_unbanned"
	KindAbuseEscalated   = "security.abuse_escalated"
	KindHeartbeatCheckIn = "deadman.check_in"
	KindDeadmanWarning   = "deadman.warning_sent"
	KindDeadmanTriggered = "deadman.triggered"
)

// Event is one entry of the audit trail
type Event struct {
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink records audit events
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink
func (s *LogSink) Record(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("kind", event.Kind),
		slog.String("subject", event.Subject),
		slog.Time("at", event.At),
	}
	if len(event.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", event.Detail))
	}
	s.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}

// MultiSink fans events out to several sinks. A failing sink is logged and
// skipped; Record never returns an error.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMultiSink creates a MultiSink
func NewMultiSink(logger *slog.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

// Record implements Sink
func (m *MultiSink) Record(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			m.logger.Error("Failed to record audit event",
				slog.String("kind", event.Kind),
				slog.String("subject", event.Subject),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// MemorySink keeps events in memory
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink
func (m *MemorySink) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns the kinds of the recorded events in order
func (m *MemorySink) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.Kind
	}
	return kinds
}
