package reconciliation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	"github.com/cuongbtq/ongkir-resilience/internal/config"
	"github.com/cuongbtq/ongkir-resilience/internal/notify"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation/storage"
	"github.com/cuongbtq/ongkir-resilience/internal/worker"
	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	workerstorage "github.com/cuongbtq/ongkir-resilience/internal/worker/storage"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deadmanEnv struct {
	monitor *reconciliation.Monitor
	store   *storage.MemoryStore
	queue   *worker.Queue
	sink    *audit.MemorySink
	now     time.Time
}

var heartbeat = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newDeadmanEnv(t *testing.T, enabled bool) *deadmanEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	require.NoError(t, store.Seed(context.Background(), reconciliation.Checkpoint{
		Enabled:         enabled,
		IntervalDays:    7,
		LastHeartbeatAt: heartbeat,
		TriggerActions: []reconciliation.TriggerAction{
			{Kind: reconciliation.ActionNotify, Recipient: "family@example.com", Message: "Owner unreachable"},
			{Kind: reconciliation.ActionEnqueueJob, JobType: "report.export", Payload: map[string]any{"scope": "all"}},
		},
		UpdatedAt: heartbeat,
	}))

	queue := worker.NewQueue(workerstorage.NewMemoryStorage(), logger.NewNop(), 5)
	sink := audit.NewMemorySink()

	env := &deadmanEnv{store: store, queue: queue, sink: sink, now: heartbeat}
	env.monitor = reconciliation.NewMonitor(store, queue, sink, logger.NewNop(), reconciliation.MonitorConfig{
		WarningTo: "owner@example.com",
	})
	env.monitor.Now = func() time.Time { return env.now }
	queue.Now = func() time.Time { return env.now }
	return env
}

func (e *deadmanEnv) jobs(t *testing.T) []domain.Job {
	t.Helper()
	jobs, _, err := e.queue.List(context.Background(), domain.JobFilter{PageSize: 100})
	require.NoError(t, err)
	return jobs
}

func TestMonitor_CheckInThenCheckIsOK(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)
	env.now = heartbeat.Add(10 * 24 * time.Hour)

	st, err := env.monitor.CheckIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)
	assert.Equal(t, env.now, st.LastHeartbeatAt)
	assert.Equal(t, env.now.Add(7*24*time.Hour), st.Deadline)

	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)
	assert.Empty(t, env.jobs(t))
	assert.Equal(t, []string{audit.KindHeartbeatCheckIn}, env.sink.Kinds())
}

func TestMonitor_WarningIsSentOnce(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)

	env.now = heartbeat.Add(6 * 24 * time.Hour)
	st, err := env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State, "outside the warning window")

	env.now = heartbeat.Add(6*24*time.Hour + 12*time.Hour)
	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateWarningSent, st.State)

	env.now = env.now.Add(time.Hour)
	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateWarningSent, st.State)

	jobs := env.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, notify.JobTypeSend, jobs[0].Type)

	var p notify.SendPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &p))
	assert.Equal(t, "owner@example.com", p.Recipient)

	assert.Equal(t, []string{audit.KindDeadmanWarning}, env.sink.Kinds())
}

func TestMonitor_TriggerFiresOnce(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)

	env.now = heartbeat.Add(8 * 24 * time.Hour)
	st, err := env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)
	assert.Equal(t, 2, st.ActionsFired)

	env.now = env.now.Add(24 * time.Hour)
	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)
	assert.Zero(t, st.ActionsFired)

	jobs := env.jobs(t)
	require.Len(t, jobs, 2)
	types := []string{jobs[0].Type, jobs[1].Type}
	assert.ElementsMatch(t, []string{notify.JobTypeSend, "report.export"}, types)
	assert.Equal(t, []string{audit.KindDeadmanTriggered}, env.sink.Kinds())

	st, err = env.monitor.CheckIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)

	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)
}

func TestMonitor_WarningThenTrigger(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)

	env.now = heartbeat.Add(7*24*time.Hour - time.Hour)
	st, err := env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateWarningSent, st.State)

	env.now = heartbeat.Add(7*24*time.Hour + time.Minute)
	st, err = env.monitor.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)

	assert.Len(t, env.jobs(t), 3)
	assert.Equal(t, []string{audit.KindDeadmanWarning, audit.KindDeadmanTriggered}, env.sink.Kinds())
}

func TestMonitor_Disabled(t *testing.T) {
	env := newDeadmanEnv(t, false)
	env.now = heartbeat.Add(365 * 24 * time.Hour)

	st, err := env.monitor.CheckStatusAndTrigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateDisabled, st.State)
	assert.Empty(t, env.jobs(t))
}

func TestMonitor_NotSeeded(t *testing.T) {
	m := reconciliation.NewMonitor(storage.NewMemoryStore(), nil, audit.NewMemorySink(), logger.NewNop(), reconciliation.MonitorConfig{})

	_, err := m.CheckStatusAndTrigger(context.Background())
	assert.ErrorIs(t, err, reconciliation.ErrCheckpointNotFound)

	_, err = m.CheckIn(context.Background())
	assert.ErrorIs(t, err, reconciliation.ErrCheckpointNotFound)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, interface{}, ...worker.EnqueueOption) (string, error) {
	return "", errors.New("database unavailable")
}

func TestMonitor_FailedActionsStillTrip(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)
	m := reconciliation.NewMonitor(env.store, failingEnqueuer{}, env.sink, logger.NewNop(), reconciliation.MonitorConfig{})
	m.Now = func() time.Time { return heartbeat.Add(30 * 24 * time.Hour) }

	st, err := m.CheckStatusAndTrigger(ctx)
	require.Error(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)
	assert.Zero(t, st.ActionsFired)

	st, err = m.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)
}

func TestDeadmanCheckHandler(t *testing.T) {
	env := newDeadmanEnv(t, true)
	env.now = heartbeat.Add(8 * 24 * time.Hour)

	require.NoError(t, reconciliation.DeadmanCheckHandler(env.monitor)(context.Background(), &domain.Job{}))

	st, err := env.monitor.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateTriggered, st.State)
}

// checkInDuringTransition records a heartbeat between the monitor's load and
// its state transition
type checkInDuringTransition struct {
	*storage.MemoryStore
	checkInAt time.Time
}

func (s *checkInDuringTransition) TransitionState(ctx context.Context, from, to string, hb, now time.Time) (bool, error) {
	if err := s.MemoryStore.CheckIn(ctx, s.checkInAt); err != nil {
		return false, err
	}
	return s.MemoryStore.TransitionState(ctx, from, to, hb, now)
}

func TestMonitor_CheckInRacingTriggerWins(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)
	env.now = heartbeat.Add(8 * 24 * time.Hour)

	racing := &checkInDuringTransition{MemoryStore: env.store, checkInAt: env.now}
	m := reconciliation.NewMonitor(racing, env.queue, env.sink, logger.NewNop(), reconciliation.MonitorConfig{})
	m.Now = func() time.Time { return env.now }

	st, err := m.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)
	assert.Zero(t, st.ActionsFired)

	cp, err := env.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, cp.State)
	assert.True(t, cp.LastHeartbeatAt.Equal(env.now))
	assert.Empty(t, env.jobs(t))
	assert.NotContains(t, env.sink.Kinds(), audit.KindDeadmanTriggered)
}

func TestMonitor_CheckInRacingWarningWins(t *testing.T) {
	ctx := context.Background()
	env := newDeadmanEnv(t, true)
	env.now = heartbeat.Add(6*24*time.Hour + 12*time.Hour)

	racing := &checkInDuringTransition{MemoryStore: env.store, checkInAt: env.now}
	m := reconciliation.NewMonitor(racing, env.queue, env.sink, logger.NewNop(), reconciliation.MonitorConfig{
		WarningTo: "owner@example.com",
	})
	m.Now = func() time.Time { return env.now }

	st, err := m.CheckStatusAndTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StateOK, st.State)
	assert.Empty(t, env.jobs(t))
}

func TestCheckpointFromConfig(t *testing.T) {
	cfg := &config.DeadmanConfig{
		Enabled:      true,
		IntervalDays: 14,
		TriggerActions: []config.TriggerActionConfig{
			{Kind: "notify", Recipient: "ops@example.com", Message: "heartbeat missed"},
			{Kind: "enqueue_job", JobType: "report.export", Payload: map[string]any{"scope": "all"}},
		},
	}

	cp := reconciliation.CheckpointFromConfig(cfg, heartbeat)
	assert.True(t, cp.Enabled)
	assert.Equal(t, 14, cp.IntervalDays)
	assert.Equal(t, reconciliation.StateOK, cp.State)
	assert.True(t, cp.LastHeartbeatAt.Equal(heartbeat))
	assert.Equal(t, heartbeat.Add(14*24*time.Hour), cp.Deadline())
	assert.Equal(t, []reconciliation.TriggerAction{
		{Kind: reconciliation.ActionNotify, Recipient: "ops@example.com", Message: "heartbeat missed"},
		{Kind: reconciliation.ActionEnqueueJob, JobType: "report.export", Payload: map[string]any{"scope": "all"}},
	}, cp.TriggerActions)

	store := storage.NewMemoryStore()
	require.NoError(t, store.Seed(context.Background(), cp))
	require.NoError(t, store.Seed(context.Background(), reconciliation.CheckpointFromConfig(cfg, heartbeat.Add(time.Hour))))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.LastHeartbeatAt.Equal(heartbeat), "a second service start keeps the stored heartbeat")
}
