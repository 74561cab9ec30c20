package kvstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time
	version uint64
}

// Memory is a process-local Store with lazy expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	version uint64
	now     func() time.Time

	// beforeDelete runs between the read and the conditional delete of
	// CompareAndDelete. Tests use it to interleave a concurrent write.
	beforeDelete func()
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) lookupLocked(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return KeyMissing, nil
	}
	if e.expires.IsZero() {
		return NoExpiry, nil
	}
	return e.expires.Sub(m.now()), nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.version++
	m.entries[key] = memEntry{value: value, expires: m.expiry(ttl), version: m.version}
	return true, nil
}

// Set writes key unconditionally. It is not part of Store; tests use it to
// plant lock and block records.
func (m *Memory) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	m.entries[key] = memEntry{value: value, expires: m.expiry(ttl), version: m.version}
}

func (m *Memory) ExpireGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	e.expires = m.expiry(ttl)
	m.entries[key] = e
	return e.value, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, match func(string) bool) (bool, error) {
	m.mu.Lock()
	e, ok := m.lookupLocked(key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !match(e.value) {
		return false, nil
	}
	if m.beforeDelete != nil {
		m.beforeDelete()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lookupLocked(key)
	if !ok || cur.version != e.version {
		return false, ErrConflict
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
