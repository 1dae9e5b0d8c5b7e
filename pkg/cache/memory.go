package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in a process-local map. Expired entries are
// dropped on Match and by Sweep.
type MemoryStore struct {
	mu  sync.RWMutex
	db  map[string]*CacheEntry
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		db:  make(map[string]*CacheEntry),
		now: time.Now,
	}
}

// Name implements Backend.
func (m *MemoryStore) Name() string { return "memory" }

// Match implements Store.
func (m *MemoryStore) Match(_ context.Context, key CacheKey) (*CacheEntry, error) {
	k := key.String()

	m.mu.RLock()
	entry, ok := m.db[k]
	m.mu.RUnlock()

	if !ok {
		CacheMisses.WithLabelValues(m.Name()).Inc()
		return nil, ErrCacheMiss
	}
	if entry.IsExpired(m.now()) {
		m.mu.Lock()
		if cur, ok := m.db[k]; ok && cur == entry {
			delete(m.db, k)
		}
		m.mu.Unlock()
		CacheMisses.WithLabelValues(m.Name()).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(m.Name()).Inc()
	clone := *entry
	clone.Headers = entry.Headers.Clone()
	return &clone, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		CacheErrors.WithLabelValues(m.Name(), "put").Inc()
		return errNilEntry
	}
	if entry.IsExpired(m.now()) {
		return nil
	}

	stored := *entry
	stored.Headers = entry.Headers.Clone()

	m.mu.Lock()
	m.db[key.String()] = &stored
	m.mu.Unlock()

	CacheStoredBytes.WithLabelValues(m.Name()).Add(float64(len(entry.Data)))
	return nil
}

// Sweep implements Sweeper.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.db {
		if e.IsExpired(now) {
			delete(m.db, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.db)
}

// Ping implements Backend.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Backend.
func (m *MemoryStore) Close() error { return nil }
