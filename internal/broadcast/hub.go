// Package broadcast addresses device sessions through rooms named after the
// device UUID, locally and, with an Adapter, across relay nodes.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

// ErrNoMembers is returned by Emit when nobody can receive the frame.
var ErrNoMembers = errors.New("broadcast: room has no members")

// Member is one session joined to a room.
type Member interface {
	MemberID() string
	Send(f *protocol.Frame) error
}

// Adapter carries frames to the other relay nodes.
type Adapter interface {
	Publish(ctx context.Context, room string, f *protocol.Frame) error
	Close() error
}

type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member
	adapter Adapter
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{rooms: make(map[string]map[string]Member), logger: logger}
}

// SetAdapter enables cross-node delivery.
func (h *Hub) SetAdapter(a Adapter) {
	h.mu.Lock()
	h.adapter = a
	h.mu.Unlock()
}

func (h *Hub) Join(room string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	members[m.MemberID()] = m
}

func (h *Hub) Leave(room string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, m.MemberID())
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Members lists the local members of room ordered by id.
func (h *Hub) Members(room string) []Member {
	h.mu.RLock()
	out := make([]Member, 0, len(h.rooms[room]))
	for _, m := range h.rooms[room] {
		out = append(out, m)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID() < out[j].MemberID() })
	return out
}

// Rooms reports the number of rooms with local members.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Emit sends f to every member of room. Without local members the frame is
// published through the adapter, if any.
func (h *Hub) Emit(room string, f *protocol.Frame) error {
	if h.deliver(room, f) > 0 {
		return nil
	}
	h.mu.RLock()
	adapter := h.adapter
	h.mu.RUnlock()
	if adapter == nil {
		return ErrNoMembers
	}
	return adapter.Publish(context.Background(), room, f)
}

// deliver hands f to the local members and returns how many accepted it.
func (h *Hub) deliver(room string, f *protocol.Frame) int {
	delivered := 0
	for _, m := range h.Members(room) {
		if err := m.Send(f); err != nil {
			h.logger.Debug("room member send failed", "room", room, "member", m.MemberID(), "type", f.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
