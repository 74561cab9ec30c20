package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/drksbr/cloudrelay/internal/util/bytelimiter"
)

var (
	ErrUnknownTunnel  = errors.New("tunnel not tracked")
	ErrTunnelClosed   = errors.New("tunnel closed")
	ErrClientBacklog  = errors.New("client write backlog exceeded")
	tunnelWriteWindow = 20 * time.Second
)

// Conn is a client connection detached from net/http. Reads must go through
// ReadWriter so bytes buffered during header parsing are not lost.
type Conn struct {
	net.Conn
	ReadWriter *bufio.ReadWriter
}

// Tunnel is a bridged WebSocket between an external client and a device.
// Device -> client bytes are queued and written by a single writer goroutine;
// the queue is bounded in bytes so a slow client cannot grow memory without limit.
type Tunnel struct {
	ID         int64
	DeviceUUID string
	CreatedAt  time.Time
	Client     Conn

	limiter   *bytelimiter.ByteLimiter
	queue     chan []byte
	closing   chan struct{}
	writerWG  sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// NewTunnel wraps client. backlog bounds the bytes queued towards the client;
// zero disables the bound.
func NewTunnel(id int64, deviceUUID string, client Conn, backlog int) *Tunnel {
	return &Tunnel{
		ID:         id,
		DeviceUUID: deviceUUID,
		CreatedAt:  time.Now(),
		Client:     client,
		limiter:    bytelimiter.New(backlog),
		queue:      make(chan []byte, 256),
		closing:    make(chan struct{}),
	}
}

// StartWriter launches the goroutine draining the client queue. onError is
// called once if a write fails.
func (t *Tunnel) StartWriter(onError func(error)) {
	t.writerWG.Add(1)
	go func() {
		defer t.writerWG.Done()
		for {
			select {
			case <-t.closing:
				return
			case chunk := <-t.queue:
				err := t.writeAll(chunk)
				t.limiter.Release(len(chunk))
				if err != nil {
					if onError != nil {
						onError(err)
					}
					return
				}
			}
		}
	}()
}

func (t *Tunnel) writeAll(chunk []byte) error {
	if err := t.Client.SetWriteDeadline(time.Now().Add(tunnelWriteWindow)); err != nil {
		return err
	}
	for written := 0; written < len(chunk); {
		n, err := t.Client.Write(chunk[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// Enqueue copies data onto the client write queue without blocking.
func (t *Tunnel) Enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.IsClosed() {
		return ErrTunnelClosed
	}
	if !t.limiter.TryAcquire(len(data)) {
		return ErrClientBacklog
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case t.queue <- chunk:
		return nil
	case <-t.closing:
		t.limiter.Release(len(chunk))
		return ErrTunnelClosed
	default:
		t.limiter.Release(len(chunk))
		return ErrClientBacklog
	}
}

// Queued reports the bytes accepted but not yet written to the client.
func (t *Tunnel) Queued() int {
	return t.limiter.Used()
}

// Close closes the client connection once and reports whether this call did it.
func (t *Tunnel) Close() bool {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.closing)
		_ = t.Client.Close()
		t.limiter.Close()
	})
	return first
}

func (t *Tunnel) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Tunnels is the registry of bridged WebSocket tunnels.
type Tunnels struct {
	mu      sync.RWMutex
	entries map[int64]*Tunnel
}

func NewTunnels() *Tunnels {
	return &Tunnels{entries: make(map[int64]*Tunnel)}
}

func (t *Tunnels) Add(tun *Tunnel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[tun.ID]; exists {
		return fmt.Errorf("tunnel %d: %w", tun.ID, ErrDuplicateID)
	}
	t.entries[tun.ID] = tun
	return nil
}

// Get panics when id is unknown, like Requests.Get.
func (t *Tunnels) Get(id int64) *Tunnel {
	tun, ok := t.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("tracker: tunnel %d not tracked", id))
	}
	return tun
}

func (t *Tunnels) Lookup(id int64) (*Tunnel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tun, ok := t.entries[id]
	return tun, ok
}

func (t *Tunnels) Has(id int64) bool {
	_, ok := t.Lookup(id)
	return ok
}

func (t *Tunnels) Remove(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return fmt.Errorf("tunnel %d: %w", id, ErrUnknownTunnel)
	}
	delete(t.entries, id)
	return nil
}

func (t *Tunnels) SafeRemove(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *Tunnels) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tunnels) ForDevice(deviceUUID string) []*Tunnel {
	t.mu.RLock()
	var out []*Tunnel
	for _, tun := range t.entries {
		if tun.DeviceUUID == deviceUUID {
			out = append(out, tun)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupOrphaned removes tunnels whose client side is already closed.
func (t *Tunnels) CleanupOrphaned() []Orphan {
	var orphans []Orphan
	t.mu.Lock()
	for id, tun := range t.entries {
		if tun.IsClosed() {
			delete(t.entries, id)
			orphans = append(orphans, Orphan{ID: id, DeviceUUID: tun.DeviceUUID})
		}
	}
	t.mu.Unlock()
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}
