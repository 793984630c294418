package storage

import (
	"context"
	"sync"

	"github.com/cuongbtq/ongkir-resilience/internal/tracking"
)

// MemoryStorage is a map-backed tracking.Store
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[tracking.Key]tracking.Entry
}

// NewMemoryStorage creates an empty MemoryStorage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[tracking.Key]tracking.Entry)}
}

// Get returns a copy of the stored entry
func (m *MemoryStorage) Get(_ context.Context, key tracking.Key) (*tracking.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, tracking.ErrEntryNotFound
	}
	return &e, nil
}

// Upsert stores entry unless the existing one is terminal
func (m *MemoryStorage) Upsert(_ context.Context, entry *tracking.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.Key()
	if existing, ok := m.entries[key]; ok && existing.Terminal {
		return nil
	}
	e := *entry
	e.RawPayload = append([]byte(nil), entry.RawPayload...)
	m.entries[key] = e
	return nil
}
