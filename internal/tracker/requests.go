// Package tracker holds the in-memory registries of proxied HTTP requests
// and WebSocket tunnels that are in flight on this relay node.
package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drksbr/cloudrelay/internal/util/bytelimiter"
)

var (
	ErrUnknownRequest = errors.New("request not tracked")
	ErrDuplicateID    = errors.New("id already tracked")
	ErrFinished       = errors.New("request already finished")
	ErrHeadersSent    = errors.New("response headers already sent")
)

const (
	defaultClientBacklog      = 4 << 20
	defaultClientWriteTimeout = 20 * time.Second
	requestQueueDepth         = 256
)

// Limits bounds how a Request writes to its client. Zero values pick the
// package defaults.
type Limits struct {
	Backlog      int
	WriteTimeout time.Duration
}

type clientOp struct {
	status int
	header http.Header
	body   []byte
}

// Request is one proxied HTTP request waiting for the device's response.
// Device events are queued without blocking; the request's own writer
// goroutine is the only one touching the client's ResponseWriter.
type Request struct {
	ID         int64
	DeviceUUID string
	CreatedAt  time.Time

	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	limiter      *bytelimiter.ByteLimiter
	ops          chan clientOp

	finished atomic.Bool

	mu          sync.Mutex
	headersSent bool
	hijacked    bool
	started     bool
	failStatus  int
	failText    string
	err         error
	ending      chan struct{}
	aborting    chan struct{}
	done        chan struct{}
}

// NewRequest wraps the client's response writer with the default limits.
func NewRequest(id int64, deviceUUID string, w http.ResponseWriter) *Request {
	return NewRequestWithLimits(id, deviceUUID, w, Limits{})
}

func NewRequestWithLimits(id int64, deviceUUID string, w http.ResponseWriter, limits Limits) *Request {
	if limits.Backlog <= 0 {
		limits.Backlog = defaultClientBacklog
	}
	if limits.WriteTimeout <= 0 {
		limits.WriteTimeout = defaultClientWriteTimeout
	}
	return &Request{
		ID:           id,
		DeviceUUID:   deviceUUID,
		CreatedAt:    time.Now(),
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: limits.WriteTimeout,
		limiter:      bytelimiter.New(limits.Backlog),
		ops:          make(chan clientOp, requestQueueDepth),
		ending:       make(chan struct{}),
		aborting:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Done is closed once the request is finished and everything queued for the
// client has been written or dropped. The ResponseWriter must stay valid
// until then.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err reports why the client side ended early: a failed or timed out write,
// or the error passed to Abort. It is nil after a normal finish.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersSent
}

// Finished never blocks, so registry sweeps can call it while a client
// write is in progress.
func (r *Request) Finished() bool {
	return r.finished.Load()
}

// Queued reports the body bytes accepted but not yet written to the client.
func (r *Request) Queued() int {
	return r.limiter.Used()
}

// WriteHeader queues the status line and headers once.
func (r *Request) WriteHeader(status int, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.Load() {
		return ErrFinished
	}
	if r.headersSent {
		return ErrHeadersSent
	}
	if err := r.enqueueLocked(clientOp{status: status, header: header.Clone()}); err != nil {
		return err
	}
	r.headersSent = true
	return nil
}

// Write queues a body chunk for the client and never waits for it.
// ErrClientBacklog means the client is not keeping up.
func (r *Request) Write(chunk []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.Load() {
		return 0, ErrFinished
	}
	if len(chunk) == 0 {
		return 0, nil
	}
	if !r.limiter.TryAcquire(len(chunk)) {
		return 0, ErrClientBacklog
	}
	op := clientOp{body: make([]byte, len(chunk))}
	copy(op.body, chunk)
	if !r.headersSent {
		op.status = http.StatusOK
	}
	if err := r.enqueueLocked(op); err != nil {
		r.limiter.Release(len(chunk))
		return 0, err
	}
	r.headersSent = true
	return len(chunk), nil
}

// Finish marks the response complete; queued data is still written before
// Done closes. It reports whether this call performed the transition.
func (r *Request) Finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endLocked()
}

// Fail sends status with text as body when headers are still unsent, then
// finishes. Once headers are out the response is simply ended.
func (r *Request) Fail(status int, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.Load() {
		return false
	}
	if !r.headersSent && !r.hijacked {
		r.failStatus, r.failText = status, text
		r.headersSent = true
		r.startLocked()
	}
	return r.endLocked()
}

// Abort finishes the request and drops whatever is still queued. A client
// write already in progress ends within the write timeout.
func (r *Request) Abort(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.Load() {
		return false
	}
	r.err = err
	close(r.aborting)
	return r.endLocked()
}

// Hijack detaches the client connection for a protocol upgrade. The request
// is finished afterwards; the caller owns the returned connection.
func (r *Request) Hijack() (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished.Load() {
		return Conn{}, ErrFinished
	}
	if r.headersSent || r.started {
		return Conn{}, ErrHeadersSent
	}
	hj, ok := r.w.(http.Hijacker)
	if !ok {
		return Conn{}, errors.New("response writer does not support hijacking")
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		return Conn{}, fmt.Errorf("hijack: %w", err)
	}
	r.hijacked = true
	r.headersSent = true
	r.endLocked()
	return Conn{Conn: conn, ReadWriter: bufrw}, nil
}

func (r *Request) startLocked() {
	if !r.started {
		r.started = true
		go r.writeLoop()
	}
}

func (r *Request) enqueueLocked(op clientOp) error {
	r.startLocked()
	select {
	case r.ops <- op:
		return nil
	default:
		return ErrClientBacklog
	}
}

func (r *Request) endLocked() bool {
	if r.finished.Load() {
		return false
	}
	r.finished.Store(true)
	close(r.ending)
	if !r.started {
		close(r.done)
	}
	return true
}

// writeLoop applies queued ops in order. After Finish or Fail it drains the
// queue and exits; Abort stops it at the next op.
func (r *Request) writeLoop() {
	defer func() {
		_ = r.rc.SetWriteDeadline(time.Time{})
		close(r.done)
	}()
	for {
		select {
		case <-r.aborting:
			return
		case op := <-r.ops:
			if !r.apply(op) {
				return
			}
		case <-r.ending:
			for {
				select {
				case <-r.aborting:
					return
				case op := <-r.ops:
					if !r.apply(op) {
						return
					}
				default:
					r.writeFailure()
					return
				}
			}
		}
	}
}

func (r *Request) apply(op clientOp) bool {
	err := r.write(op)
	r.limiter.Release(len(op.body))
	if err == nil {
		return true
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.endLocked()
	r.mu.Unlock()
	return false
}

func (r *Request) write(op clientOp) error {
	if op.status > 0 {
		dst := r.w.Header()
		for name, values := range op.header {
			for _, v := range values {
				dst.Add(name, v)
			}
		}
		r.w.WriteHeader(op.status)
	}
	if len(op.body) == 0 {
		return nil
	}
	// ErrNotSupported leaves the write unbounded, as for a recorder
	_ = r.rc.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if _, err := r.w.Write(op.body); err != nil {
		return err
	}
	if err := r.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (r *Request) writeFailure() {
	r.mu.Lock()
	status, text := r.failStatus, r.failText
	r.mu.Unlock()
	if status == 0 {
		return
	}
	r.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.w.WriteHeader(status)
	_ = r.rc.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	_, _ = r.w.Write([]byte(text))
}

// Orphan identifies an entry removed by a sweep so its device can be told to stop.
type Orphan struct {
	ID         int64
	DeviceUUID string
}

// Requests is the registry of in-flight proxied requests.
type Requests struct {
	mu      sync.RWMutex
	entries map[int64]*Request
	nextID  atomic.Int64
}

func NewRequests() *Requests {
	return &Requests{entries: make(map[int64]*Request)}
}

// NextID returns the next request id. Ids are unique for the lifetime of
// this process only.
func (t *Requests) NextID() int64 {
	return t.nextID.Add(1)
}

func (t *Requests) Add(r *Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[r.ID]; exists {
		return fmt.Errorf("request %d: %w", r.ID, ErrDuplicateID)
	}
	t.entries[r.ID] = r
	return nil
}

// Get returns the tracked request and panics when id is unknown; callers
// must check Has or use Lookup first.
func (t *Requests) Get(id int64) *Request {
	r, ok := t.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("tracker: request %d not tracked", id))
	}
	return r
}

func (t *Requests) Lookup(id int64) (*Request, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[id]
	return r, ok
}

func (t *Requests) Has(id int64) bool {
	_, ok := t.Lookup(id)
	return ok
}

func (t *Requests) Remove(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	delete(t.entries, id)
	return nil
}

// SafeRemove removes id if present and reports whether it was.
func (t *Requests) SafeRemove(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *Requests) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForDevice returns the requests owned by deviceUUID ordered by id.
func (t *Requests) ForDevice(deviceUUID string) []*Request {
	t.mu.RLock()
	var out []*Request
	for _, r := range t.entries {
		if r.DeviceUUID == deviceUUID {
			out = append(out, r)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupOrphaned removes entries that are finished but were never removed,
// and, when maxAge > 0, entries older than maxAge. Stale entries are failed
// with 504 so the waiting client is released. Only Finished is consulted
// under the registry lock, so a client write in progress never holds it.
func (t *Requests) CleanupOrphaned(maxAge time.Duration) []Orphan {
	now := time.Now()
	var stale []*Request
	var orphans []Orphan

	t.mu.Lock()
	for id, r := range t.entries {
		finished := r.Finished()
		if !finished && (maxAge <= 0 || now.Sub(r.CreatedAt) < maxAge) {
			continue
		}
		delete(t.entries, id)
		orphans = append(orphans, Orphan{ID: id, DeviceUUID: r.DeviceUUID})
		if !finished {
			stale = append(stale, r)
		}
	}
	t.mu.Unlock()

	for _, r := range stale {
		r.Fail(http.StatusGatewayTimeout, "device did not complete the response in time")
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}
