package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	"github.com/cuongbtq/ongkir-resilience/internal/config"
	"github.com/cuongbtq/ongkir-resilience/internal/metrics"
	"github.com/cuongbtq/ongkir-resilience/internal/notify"
	"github.com/cuongbtq/ongkir-resilience/internal/worker"
)

// Dead-man's switch states. DISABLED is reported, never stored.
const (
	StateOK          = "OK"
	StateWarningSent = "WARNING_SENT"
	StateTriggered   = "TRIGGERED"
	StateDisabled    = "DISABLED"
)

// Trigger action kinds
const (
	ActionNotify     = "notify"
	ActionEnqueueJob = "enqueue_job"
)

// ErrCheckpointNotFound is returned before the checkpoint row is seeded
var ErrCheckpointNotFound = errors.New("deadman checkpoint not found")

// TriggerAction is fired once when the switch trips
type TriggerAction struct {
	Kind      string         `json:"kind"`
	Recipient string         `json:"recipient,omitempty"`
	Message   string         `json:"message,omitempty"`
	JobType   string         `json:"job_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Checkpoint is the persisted switch configuration and state
type Checkpoint struct {
	Enabled         bool
	IntervalDays    int
	LastHeartbeatAt time.Time
	State           string
	TriggerActions  []TriggerAction
	UpdatedAt       time.Time
}

// Deadline is the instant after which the switch trips
func (c *Checkpoint) Deadline() time.Time {
	return c.LastHeartbeatAt.Add(time.Duration(c.IntervalDays) * 24 * time.Hour)
}

// CheckpointFromConfig builds the checkpoint a service seeds at start. now
// only applies when no checkpoint exists yet; seeding keeps a stored
// heartbeat and state.
func CheckpointFromConfig(cfg *config.DeadmanConfig, now time.Time) Checkpoint {
	actions := make([]TriggerAction, 0, len(cfg.TriggerActions))
	for _, a := range cfg.TriggerActions {
		actions = append(actions, TriggerAction{
			Kind:      a.Kind,
			Recipient: a.Recipient,
			Message:   a.Message,
			JobType:   a.JobType,
			Payload:   a.Payload,
		})
	}

	return Checkpoint{
		Enabled:         cfg.Enabled,
		IntervalDays:    cfg.IntervalDays,
		LastHeartbeatAt: now,
		State:           StateOK,
		TriggerActions:  actions,
		UpdatedAt:       now,
	}
}

// CheckpointStore persists the single switch checkpoint
type CheckpointStore interface {
	Load(ctx context.Context) (*Checkpoint, error)
	// Seed creates the checkpoint with cp, or updates the configuration
	// fields (enabled, interval, actions) of an existing one. Heartbeat and
	// state are kept.
	Seed(ctx context.Context, cp Checkpoint) error
	// CheckIn records a heartbeat and resets the state to OK
	CheckIn(ctx context.Context, now time.Time) error
	// TransitionState moves the state from one value to another and reports
	// whether this caller made the move. The move only happens while the
	// stored heartbeat still equals heartbeat, so a check-in racing the
	// caller wins.
	TransitionState(ctx context.Context, from, to string, heartbeat, now time.Time) (bool, error)
}

// Status is a snapshot of the switch
type Status struct {
	State           string    `json:"state"`
	Enabled         bool      `json:"enabled"`
	IntervalDays    int       `json:"interval_days"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Deadline        time.Time `json:"deadline"`
	ActionsFired    int       `json:"actions_fired,omitempty"`
}

// MonitorConfig tunes the monitor
type MonitorConfig struct {
	WarningBefore time.Duration
	WarningTo     string
}

// Monitor is the dead-man's switch
type Monitor struct {
	store    CheckpointStore
	enqueuer worker.Enqueuer
	audit    audit.Sink
	logger   *slog.Logger
	cfg      MonitorConfig
	Now      func() time.Time
}

// NewMonitor creates a Monitor. Warnings go out 24h before the deadline
// unless configured otherwise.
func NewMonitor(store CheckpointStore, enqueuer worker.Enqueuer, sink audit.Sink, logger *slog.Logger, cfg MonitorConfig) *Monitor {
	if cfg.WarningBefore <= 0 {
		cfg.WarningBefore = 24 * time.Hour
	}

	return &Monitor{
		store:    store,
		enqueuer: enqueuer,
		audit:    sink,
		logger:   logger,
		cfg:      cfg,
		Now:      time.Now,
	}
}

// CheckIn records a heartbeat. It can be called at any time.
func (m *Monitor) CheckIn(ctx context.Context) (Status, error) {
	now := m.Now().UTC()
	if err := m.store.CheckIn(ctx, now); err != nil {
		return Status{}, fmt.Errorf("failed to check in: %w", err)
	}

	_ = m.audit.Record(ctx, audit.Event{Kind: audit.KindHeartbeatCheckIn, Subject: "deadman", At: now})
	m.logger.Info("Heartbeat check-in recorded", slog.Time("at", now))

	return m.Status(ctx)
}

// Status returns the current checkpoint without evaluating it
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	cp, err := m.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	return snapshot(cp), nil
}

func snapshot(cp *Checkpoint) Status {
	st := Status{
		State:           cp.State,
		Enabled:         cp.Enabled,
		IntervalDays:    cp.IntervalDays,
		LastHeartbeatAt: cp.LastHeartbeatAt,
		Deadline:        cp.Deadline(),
	}
	if !cp.Enabled {
		st.State = StateDisabled
	}
	return st
}

// CheckStatusAndTrigger evaluates the switch. Past the deadline it moves to
// TRIGGERED and fires every action exactly once; inside the warning window it
// moves OK to WARNING_SENT and sends one warning. A TRIGGERED switch stays
// triggered until CheckIn.
func (m *Monitor) CheckStatusAndTrigger(ctx context.Context) (Status, error) {
	cp, err := m.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	st := snapshot(cp)
	if !cp.Enabled || cp.State == StateTriggered {
		metrics.DeadmanChecksTotal.WithLabelValues(st.State).Inc()
		return st, nil
	}

	now := m.Now().UTC()
	deadline := cp.Deadline()

	switch {
	case now.After(deadline):
		won, err := m.store.TransitionState(ctx, cp.State, StateTriggered, cp.LastHeartbeatAt, now)
		if err != nil {
			return st, fmt.Errorf("failed to mark switch triggered: %w", err)
		}
		if !won {
			return m.Status(ctx)
		}

		st.State = StateTriggered
		fired, fireErr := m.fire(ctx, cp)
		st.ActionsFired = fired

		_ = m.audit.Record(ctx, audit.Event{
			Kind:    audit.KindDeadmanTriggered,
			Subject: "deadman",
			Detail: map[string]any{
				"deadline":          deadline,
				"last_heartbeat_at": cp.LastHeartbeatAt,
				"actions_fired":     fired,
				"actions_total":     len(cp.TriggerActions),
			},
			At: now,
		})
		m.logger.Error("Dead-man's switch triggered",
			slog.Time("deadline", deadline),
			slog.Int("actions_fired", fired),
			slog.Int("actions_total", len(cp.TriggerActions)),
		)

		metrics.DeadmanChecksTotal.WithLabelValues(StateTriggered).Inc()
		if fireErr != nil {
			return st, fmt.Errorf("failed to fire trigger actions: %w", fireErr)
		}
		return st, nil

	case cp.State == StateOK && !now.Before(deadline.Add(-m.cfg.WarningBefore)):
		won, err := m.store.TransitionState(ctx, StateOK, StateWarningSent, cp.LastHeartbeatAt, now)
		if err != nil {
			return st, fmt.Errorf("failed to mark warning sent: %w", err)
		}
		if !won {
			return m.Status(ctx)
		}

		st.State = StateWarningSent
		if err := m.warn(ctx, cp); err != nil {
			m.logger.Error("Failed to submit dead-man's switch warning", slog.String("error", err.Error()))
		}

		_ = m.audit.Record(ctx, audit.Event{
			Kind:    audit.KindDeadmanWarning,
			Subject: "deadman",
			Detail:  map[string]any{"deadline": deadline},
			At:      now,
		})
		m.logger.Warn("Dead-man's switch deadline approaching", slog.Time("deadline", deadline))
	}

	metrics.DeadmanChecksTotal.WithLabelValues(st.State).Inc()
	return st, nil
}

// epoch identifies one heartbeat period so dedupe keys differ per period
func epoch(cp *Checkpoint) int64 {
	return cp.LastHeartbeatAt.Unix()
}

func (m *Monitor) warn(ctx context.Context, cp *Checkpoint) error {
	if m.cfg.WarningTo == "" {
		return nil
	}

	_, err := notify.Submit(ctx, m.enqueuer, m.cfg.WarningTo, map[string]any{
		"subject":  "Dead-man's switch warning",
		"message":  "No heartbeat check-in received. The switch trips at the deadline.",
		"deadline": cp.Deadline(),
	}, worker.WithDedupeKey(fmt.Sprintf("deadman:warning:%d", epoch(cp))))
	return err
}

// fire submits every trigger action as a job and returns how many were
// submitted
func (m *Monitor) fire(ctx context.Context, cp *Checkpoint) (int, error) {
	var errs []error
	fired := 0

	for i, action := range cp.TriggerActions {
		dedupe := worker.WithDedupeKey(fmt.Sprintf("deadman:trigger:%d:%d", epoch(cp), i))

		var err error
		switch action.Kind {
		case ActionNotify:
			_, err = notify.Submit(ctx, m.enqueuer, action.Recipient, map[string]any{
				"subject":  "Dead-man's switch triggered",
				"message":  action.Message,
				"deadline": cp.Deadline(),
			}, dedupe)
		case ActionEnqueueJob:
			_, err = m.enqueuer.Enqueue(ctx, action.JobType, action.Payload, dedupe)
		default:
			err = fmt.Errorf("unknown trigger action kind %q", action.Kind)
		}

		if err != nil {
			m.logger.Error("Failed to fire trigger action",
				slog.Int("index", i),
				slog.String("kind", action.Kind),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, action.Kind, err))
			continue
		}
		fired++
	}

	return fired, errors.Join(errs...)
}
