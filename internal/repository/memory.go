package repository

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"
)

// Memory keeps every record in maps. It backs tests and single-node runs
// without a database file.
type Memory struct {
	mu            sync.RWMutex
	devices       map[string]*Device // by uuid
	users         map[string]*User   // by username
	events        []Event
	notifications []Notification
	nextNotif     int64
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*Device),
		users:   make(map[string]*User),
	}
}

// PutDevice inserts or replaces a device keyed by its UUID.
func (m *Memory) PutDevice(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.devices[d.UUID] = &cp
}

// PutUser inserts or replaces a user keyed by username.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.Username] = &cp
}

func (m *Memory) FindByUUIDAndSecret(_ context.Context, uuid, secret string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[uuid]
	if !ok || subtle.ConstantTimeCompare([]byte(d.Secret), []byte(secret)) != 1 {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) FindByUUID(_ context.Context, uuid string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) UpdateLastOnline(_ context.Context, deviceID string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == deviceID {
			d.LastOnline = when
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) FindByAccount(_ context.Context, accountID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.AccountID == accountID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) Create(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Save(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNotif++
	n.ID = m.nextNotif
	if n.Created.IsZero() {
		n.Created = time.Now().UTC()
	}
	m.notifications = append(m.notifications, *n)
	return nil
}

// Events returns a copy of the recorded events in insertion order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Notifications() []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Notification(nil), m.notifications...)
}

// Seed loads a directory into memory.
func (m *Memory) Seed(_ context.Context, dir *Directory) error {
	for _, d := range dir.Devices {
		m.PutDevice(d)
	}
	for _, u := range dir.Users {
		m.PutUser(u)
	}
	return nil
}

var _ Repositories = (*Memory)(nil)
