package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryEntries caps the in-process tier.
const DefaultMemoryEntries = 10000

type memoryEntry struct {
	expiresAt time.Time
	value     []byte
}

// MemoryTier is an in-process volatile tier.
type MemoryTier struct {
	entries    map[string]memoryEntry
	now        func() time.Time
	maxEntries int
	mu         sync.Mutex
}

// NewMemoryTier creates a memory tier holding at most maxEntries values.
func NewMemoryTier(maxEntries int) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &MemoryTier{
		entries:    make(map[string]memoryEntry),
		now:        time.Now,
		maxEntries: maxEntries,
	}
}

// SetClock overrides the time source.
func (m *MemoryTier) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, key string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Item{}, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return Item{}, false, nil
	}
	return Item{Value: e.value, ExpiresAt: e.expiresAt}, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictLocked drops expired entries, then the entry closest to expiry.
func (m *MemoryTier) evictLocked() {
	now := m.now()
	var (
		victim    string
		victimExp time.Time
	)
	for k, e := range m.entries {
		if e.expiresAt.IsZero() {
			continue
		}
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(victimExp) {
			victim, victimExp = k, e.expiresAt
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}
	if victim == "" {
		for k := range m.entries {
			victim = k
			break
		}
	}
	delete(m.entries, victim)
}
