package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries caps the in-process cache.
const DefaultMaxEntries = 1024

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process TTL map holding at most max entries. Expired
// entries are dropped on read and by Sweep. Storing a new key when full
// drops the expired entries, then the entry closest to expiry.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	max     int
	evicted int64
	now     func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithLimit(DefaultMaxEntries)
}

// NewMemoryWithLimit returns a cache holding at most max entries; max <= 0
// means DefaultMaxEntries.
func NewMemoryWithLimit(max int) *Memory {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		max:     max,
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && !m.now().Before(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	v := make([]byte, len(value))
	copy(v, value)

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.max {
		m.evictLocked(now)
	}
	m.entries[key] = memoryEntry{value: v, expiresAt: now.Add(ttl)}
	return nil
}

// evictLocked makes room for one entry.
func (m *Memory) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			m.evicted++
			continue
		}
		if !found || e.expiresAt.Before(oldest) {
			oldestKey, oldest, found = k, e.expiresAt, true
		}
	}
	if found && len(m.entries) >= m.max {
		delete(m.entries, oldestKey)
		m.evicted++
	}
}

// Sweep removes expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Evicted returns how many entries were dropped to stay under the cap.
func (m *Memory) Evicted() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
