package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drksbr/cloudrelay/internal/connection"
	"github.com/drksbr/cloudrelay/internal/repository"
)

const statusCacheTTL = 10 * time.Second

type statusEntry struct {
	online  bool
	owner   string
	expires time.Time
}

// statusCache answers "is this device connected anywhere" from the lock
// record, caching the answer briefly. Entries are dropped on every
// connect and disconnect seen by this node.
type statusCache struct {
	manager *connection.Manager
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]statusEntry
}

func newStatusCache(manager *connection.Manager, ttl time.Duration) *statusCache {
	return &statusCache{
		manager: manager,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]statusEntry),
	}
}

// Lookup reports whether device holds a lock and which relay owns it.
func (c *statusCache) Lookup(ctx context.Context, device *repository.Device) (online bool, owner string, err error) {
	now := c.now()
	c.mu.Lock()
	entry, ok := c.entries[device.UUID]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.online, entry.owner, nil
	}

	rec, err := c.manager.LockOwner(ctx, device.ID)
	if err != nil {
		return false, "", err
	}
	entry = statusEntry{expires: now.Add(c.ttl)}
	if rec != nil {
		entry.online = true
		entry.owner = rec.ServerAddress
	}
	c.mu.Lock()
	c.entries[device.UUID] = entry
	c.mu.Unlock()
	return entry.online, entry.owner, nil
}

func (c *statusCache) InvalidateStatus(deviceUUID string) {
	c.mu.Lock()
	delete(c.entries, deviceUUID)
	c.mu.Unlock()
}

type statusPayload struct {
	GeneratedAt   time.Time        `json:"generatedAt"`
	StartedAt     time.Time        `json:"startedAt"`
	ServerAddress string           `json:"serverAddress"`
	ShuttingDown  bool             `json:"shuttingDown"`
	Sessions      []statusSession  `json:"sessions"`
	Requests      int              `json:"requests"`
	Tunnels       int              `json:"tunnels"`
	Rooms         int              `json:"rooms"`
	Resources     resourceSnapshot `json:"resources"`
}

type statusSession struct {
	ConnectionID      string    `json:"connectionId"`
	UUID              string    `json:"uuid"`
	DeviceID          string    `json:"deviceId"`
	Version           string    `json:"version"`
	Status            string    `json:"status"`
	Remote            string    `json:"remote,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`
	LastHeartbeatAt   time.Time `json:"lastHeartbeatAt,omitempty"`
	HeartbeatSeq      uint64    `json:"heartbeatSeq,omitempty"`
	FramesIn          int64     `json:"framesIn"`
	FramesOut         int64     `json:"framesOut"`
	ControlQueueDepth int       `json:"controlQueueDepth,omitempty"`
	DataQueueDepth    int       `json:"dataQueueDepth,omitempty"`
}

func (s *Server) collectStatus(historyLimit int) statusPayload {
	now := time.Now()
	var sessions []statusSession
	s.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*session); ok {
			sessions = append(sessions, sess.snapshot(now))
		}
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UUID < sessions[j].UUID
	})
	return statusPayload{
		GeneratedAt:   now,
		StartedAt:     s.startedAt,
		ServerAddress: s.cfg.ServerAddress,
		ShuttingDown:  s.shuttingDown.Load(),
		Sessions:      sessions,
		Requests:      s.requests.Len(),
		Tunnels:       s.tunnels.Len(),
		Rooms:         s.hub.Rooms(),
		Resources:     s.resources.snapshot(historyLimit),
	}
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.collectStatus(60)); err != nil {
		s.logger.Debug("write status failed", "error", err)
	}
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
