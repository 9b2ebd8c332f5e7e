// ABOUTME: In-memory Store implementation for tests and ephemeral runs
// ABOUTME: Counts writes and deletes so callers can assert side effects

package localstore

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]string
	writes  map[string]int
	deletes map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		writes:  make(map[string]int),
		deletes: make(map[string]int),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.writes[key]++
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	m.deletes[key]++
	return nil
}

// Writes returns how many times key has been written.
func (m *MemoryStore) Writes(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[key]
}

// Deletes returns how many times key has been deleted.
func (m *MemoryStore) Deletes(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deletes[key]
}
