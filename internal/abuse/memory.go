package abuse

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps correlation state in process
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[string]map[string]struct{}
	bans      map[string]Ban
	suspicion map[string]Suspicion
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[string]map[string]struct{}),
		bans:      make(map[string]Ban),
		suspicion: make(map[string]Suspicion),
	}
}

// GetBan implements Store
func (m *MemoryStore) GetBan(_ context.Context, ip string) (*Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bans[ip]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// AddKey implements Store
func (m *MemoryStore) AddKey(_ context.Context, ip, apiKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.keys[ip]
	if !ok {
		set = make(map[string]struct{})
		m.keys[ip] = set
	}
	set[apiKey] = struct{}{}
	return len(set), nil
}

// SaveBan implements Store
func (m *MemoryStore) SaveBan(_ context.Context, ban Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[ban.IP] = ban
	return nil
}

// IncrementSuspicion implements Store
func (m *MemoryStore) IncrementSuspicion(_ context.Context, ip string, now time.Time, window time.Duration) (Suspicion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.suspicion[ip]
	if !ok || now.Sub(s.FirstSeen) > window {
		s = Suspicion{FirstSeen: now}
	}
	s.Count++
	m.suspicion[ip] = s
	return s, nil
}

// ListBans implements Store
func (m *MemoryStore) ListBans(_ context.Context) ([]Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bans := make([]Ban, 0, len(m.bans))
	for _, b := range m.bans {
		bans = append(bans, b)
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans, nil
}

// Clear implements Store
func (m *MemoryStore) Clear(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bans, ip)
	delete(m.keys, ip)
	delete(m.suspicion, ip)
	return nil
}
