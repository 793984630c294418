package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/reconciliation"
)

// MemoryStore keeps transactions, balances and the checkpoint in process
type MemoryStore struct {
	mu         sync.Mutex
	txns       map[string]reconciliation.Transaction
	balances   map[string]int64
	checkpoint *reconciliation.Checkpoint
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]reconciliation.Transaction),
		balances: make(map[string]int64),
	}
}

// AddUser creates or resets a user balance
func (m *MemoryStore) AddUser(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

// AddTransaction stores a transaction
func (m *MemoryStore) AddTransaction(txn reconciliation.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn.ID] = txn
}

// Transaction returns a stored transaction
func (m *MemoryStore) Transaction(id string) (reconciliation.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return txn, reconciliation.ErrTransactionNotFound
	}
	return txn, nil
}

// Balance returns a user's balance
func (m *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[userID]
	if !ok {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	return balance, nil
}

// ListStuck implements reconciliation.Store
func (m *MemoryStore) ListStuck(_ context.Context, olderThan time.Time, limit int) ([]reconciliation.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []reconciliation.Transaction
	for _, txn := range m.txns {
		if txn.Status == reconciliation.StatusPending && txn.CreatedAt.Before(olderThan) {
			out = append(out, txn)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSuccess implements reconciliation.Store
func (m *MemoryStore) MarkSuccess(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok || txn.Status != reconciliation.StatusPending {
		return false, nil
	}
	txn.Status = reconciliation.StatusSuccess
	txn.UpdatedAt = now
	m.txns[id] = txn
	return true, nil
}

// MarkFailedAndCredit implements reconciliation.Store
func (m *MemoryStore) MarkFailedAndCredit(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok || txn.Status != reconciliation.StatusPending {
		return false, nil
	}
	if _, ok := m.balances[txn.UserID]; !ok {
		return false, fmt.Errorf("failed to credit balance: user %s not found", txn.UserID)
	}

	txn.Status = reconciliation.StatusFailed
	txn.UpdatedAt = now
	m.txns[id] = txn
	m.balances[txn.UserID] += txn.Amount
	return true, nil
}

// Load implements reconciliation.CheckpointStore
func (m *MemoryStore) Load(_ context.Context) (*reconciliation.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil, reconciliation.ErrCheckpointNotFound
	}
	cp := *m.checkpoint
	cp.TriggerActions = append([]reconciliation.TriggerAction(nil), m.checkpoint.TriggerActions...)
	return &cp, nil
}

// Seed implements reconciliation.CheckpointStore
func (m *MemoryStore) Seed(_ context.Context, cp reconciliation.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	actions := append([]reconciliation.TriggerAction(nil), cp.TriggerActions...)
	if m.checkpoint != nil {
		m.checkpoint.Enabled = cp.Enabled
		m.checkpoint.IntervalDays = cp.IntervalDays
		m.checkpoint.TriggerActions = actions
		m.checkpoint.UpdatedAt = cp.UpdatedAt
		return nil
	}

	if cp.State == "" {
		cp.State = reconciliation.StateOK
	}
	cp.TriggerActions = actions
	m.checkpoint = &cp
	return nil
}

// CheckIn implements reconciliation.CheckpointStore
func (m *MemoryStore) CheckIn(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return reconciliation.ErrCheckpointNotFound
	}
	m.checkpoint.LastHeartbeatAt = now
	m.checkpoint.State = reconciliation.StateOK
	m.checkpoint.UpdatedAt = now
	return nil
}

// TransitionState implements reconciliation.CheckpointStore
func (m *MemoryStore) TransitionState(_ context.Context, from, to string, heartbeat, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return false, reconciliation.ErrCheckpointNotFound
	}
	if m.checkpoint.State != from || !m.checkpoint.LastHeartbeatAt.Equal(heartbeat) {
		return false, nil
	}
	m.checkpoint.State = to
	m.checkpoint.UpdatedAt = now
	return true, nil
}
