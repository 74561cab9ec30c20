package tracker

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func waitDone(t *testing.T, r *Request) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("request %d never finished", r.ID)
	}
}

// within fails the test when fn does not return in d.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	select {
	case <-finished:
	case <-time.After(d):
		t.Fatalf("%s blocked", what)
	}
}

// stalledWriter is a client that accepts headers and then never drains a
// body write until released or its write deadline passes.
type stalledWriter struct {
	header  http.Header
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	deadline time.Time
	status   int
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{
		header:  http.Header{},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (w *stalledWriter) Header() http.Header { return w.header }

func (w *stalledWriter) WriteHeader(status int) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *stalledWriter) Write(p []byte) (int, error) {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	w.mu.Lock()
	deadline := w.deadline
	w.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-w.release:
		return len(p), nil
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

func (w *stalledWriter) SetWriteDeadline(t time.Time) error {
	w.mu.Lock()
	w.deadline = t
	w.mu.Unlock()
	return nil
}

func TestRequestsLifecycle(t *testing.T) {
	reqs := NewRequests()
	id := reqs.NextID()
	if next := reqs.NextID(); next <= id {
		t.Fatalf("ids must increase: %d then %d", id, next)
	}

	r := NewRequest(id, "dev-a", httptest.NewRecorder())
	if err := reqs.Add(r); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reqs.Add(r); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate add err = %v", err)
	}
	if !reqs.Has(id) || reqs.Get(id) != r {
		t.Fatal("request not retrievable")
	}
	if err := reqs.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reqs.Remove(id); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("second remove err = %v", err)
	}
	if reqs.SafeRemove(id) {
		t.Fatal("safe remove of missing id reported true")
	}
}

func TestGetMissingPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRequests().Get(99)
}

func TestRequestWritesAreGuarded(t *testing.T) {
	rec := httptest.NewRecorder()
	r := NewRequest(1, "dev", rec)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if err := r.WriteHeader(http.StatusCreated, h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := r.WriteHeader(http.StatusOK, nil); !errors.Is(err, ErrHeadersSent) {
		t.Fatalf("second header err = %v", err)
	}
	if _, err := r.Write([]byte("hel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.Write([]byte("lo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !r.Finish() {
		t.Fatal("first finish should report true")
	}
	if r.Finish() {
		t.Fatal("second finish should report false")
	}
	if _, err := r.Write([]byte("!")); !errors.Is(err, ErrFinished) {
		t.Fatalf("write after finish err = %v", err)
	}
	waitDone(t, r)
	if r.Err() != nil {
		t.Fatalf("err = %v after a normal finish", r.Err())
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != "hello" {
		t.Fatalf("client got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type lost")
	}
}

func TestFailAfterHeadersOnlyEnds(t *testing.T) {
	rec := httptest.NewRecorder()
	r := NewRequest(1, "dev", rec)
	_ = r.WriteHeader(http.StatusOK, nil)
	_, _ = r.Write([]byte("partial"))
	r.Fail(http.StatusBadGateway, "boom")
	waitDone(t, r)
	if rec.Code != http.StatusOK || rec.Body.String() != "partial" {
		t.Fatalf("client got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCleanupOrphaned(t *testing.T) {
	reqs := NewRequests()
	finished := NewRequest(reqs.NextID(), "dev-a", httptest.NewRecorder())
	finished.Finish()
	active := NewRequest(reqs.NextID(), "dev-a", httptest.NewRecorder())
	staleRec := httptest.NewRecorder()
	stale := NewRequest(reqs.NextID(), "dev-b", staleRec)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	for _, r := range []*Request{finished, active, stale} {
		if err := reqs.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	orphans := reqs.CleanupOrphaned(time.Minute)
	if len(orphans) != 2 {
		t.Fatalf("orphans = %+v, want 2", orphans)
	}
	if orphans[0] != (Orphan{ID: finished.ID, DeviceUUID: "dev-a"}) || orphans[1] != (Orphan{ID: stale.ID, DeviceUUID: "dev-b"}) {
		t.Fatalf("unexpected orphans %+v", orphans)
	}
	if !reqs.Has(active.ID) || reqs.Len() != 1 {
		t.Fatal("active request must survive the sweep")
	}
	waitDone(t, stale)
	if staleRec.Code != http.StatusGatewayTimeout {
		t.Fatalf("stale client status = %d", staleRec.Code)
	}

	if got := reqs.CleanupOrphaned(0); len(got) != 0 {
		t.Fatalf("age bound disabled should keep active requests, got %+v", got)
	}
}

func TestStalledClientNeverBlocksProducer(t *testing.T) {
	w := newStalledWriter()
	r := NewRequestWithLimits(1, "dev", w, Limits{Backlog: 64, WriteTimeout: time.Hour})
	chunk := make([]byte, 32)

	within(t, time.Second, "header", func() {
		if err := r.WriteHeader(http.StatusOK, nil); err != nil {
			t.Errorf("write header: %v", err)
		}
	})
	within(t, time.Second, "first chunk", func() {
		if _, err := r.Write(chunk); err != nil {
			t.Errorf("first chunk: %v", err)
		}
	})
	<-w.entered
	within(t, time.Second, "second chunk", func() {
		if _, err := r.Write(chunk); err != nil {
			t.Errorf("second chunk: %v", err)
		}
	})
	if r.Queued() != 64 {
		t.Fatalf("queued = %d, want 64", r.Queued())
	}
	within(t, time.Second, "chunk over backlog", func() {
		if _, err := r.Write([]byte("x")); !errors.Is(err, ErrClientBacklog) {
			t.Errorf("over backlog err = %v", err)
		}
	})

	within(t, time.Second, "abort", func() { r.Abort(ErrClientBacklog) })
	if !r.Finished() {
		t.Fatal("aborted request not finished")
	}
	close(w.release)
	waitDone(t, r)
	if !errors.Is(r.Err(), ErrClientBacklog) {
		t.Fatalf("err = %v", r.Err())
	}
}

func TestClientWriteTimeoutEndsRequest(t *testing.T) {
	w := newStalledWriter()
	r := NewRequestWithLimits(1, "dev", w, Limits{WriteTimeout: 50 * time.Millisecond})
	if _, err := r.Write([]byte("body")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitDone(t, r)
	if !errors.Is(r.Err(), os.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", r.Err())
	}
	if _, err := r.Write([]byte("more")); !errors.Is(err, ErrFinished) {
		t.Fatalf("write after timeout err = %v", err)
	}
	if r.Queued() != 0 {
		t.Fatalf("queued = %d after the writer gave up", r.Queued())
	}
}

func TestSweepWithStalledClient(t *testing.T) {
	reqs := NewRequests()
	w := newStalledWriter()
	stuck := NewRequestWithLimits(reqs.NextID(), "dev-a", w, Limits{WriteTimeout: time.Hour})
	stuck.CreatedAt = time.Now().Add(-time.Hour)
	if err := reqs.Add(stuck); err != nil {
		t.Fatal(err)
	}
	if _, err := stuck.Write([]byte("body")); err != nil {
		t.Fatal(err)
	}
	<-w.entered

	var orphans []Orphan
	within(t, time.Second, "sweep", func() { orphans = reqs.CleanupOrphaned(time.Minute) })
	if len(orphans) != 1 || orphans[0].ID != stuck.ID {
		t.Fatalf("orphans = %+v", orphans)
	}
	within(t, time.Second, "registry", func() {
		other := NewRequest(reqs.NextID(), "dev-b", httptest.NewRecorder())
		if err := reqs.Add(other); err != nil {
			t.Errorf("add: %v", err)
		}
		if _, ok := reqs.Lookup(other.ID); !ok {
			t.Error("lookup failed")
		}
		reqs.SafeRemove(other.ID)
	})

	close(w.release)
	waitDone(t, stuck)
	if stuck.Err() != nil {
		t.Fatalf("err = %v", stuck.Err())
	}
}

func newPipeConn() (Conn, net.Conn) {
	server, client := net.Pipe()
	return Conn{Conn: server, ReadWriter: bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server))}, client
}

func TestTunnelWritesInOrderAndClosesOnce(t *testing.T) {
	conn, peer := newPipeConn()
	defer peer.Close()
	tun := NewTunnel(7, "dev", conn, 1024)
	tun.StartWriter(nil)

	var got []byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 64)
		for len(got) < 6 {
			n, err := peer.Read(buf)
			if err != nil {
				return
			}
			got = append(got, buf[:n]...)
		}
	}()
	for _, chunk := range []string{"ab", "cd", "ef"} {
		if err := tun.Enqueue([]byte(chunk)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()
	if string(got) != "abcdef" {
		t.Fatalf("client received %q", got)
	}

	if !tun.Close() {
		t.Fatal("first close should report true")
	}
	if tun.Close() {
		t.Fatal("second close should report false")
	}
	if err := tun.Enqueue([]byte("x")); !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("enqueue after close err = %v", err)
	}
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("peer read after close err = %v", err)
	}
}

func TestTunnelBacklogBound(t *testing.T) {
	conn, peer := newPipeConn()
	defer peer.Close()
	tun := NewTunnel(1, "dev", conn, 4)
	// writer not started: nothing drains the queue
	if err := tun.Enqueue([]byte("abcd")); err != nil {
		t.Fatalf("enqueue within backlog: %v", err)
	}
	if err := tun.Enqueue([]byte("e")); !errors.Is(err, ErrClientBacklog) {
		t.Fatalf("enqueue beyond backlog err = %v", err)
	}
	if tun.Queued() != 4 {
		t.Fatalf("queued = %d", tun.Queued())
	}
	tun.Close()
}

func TestTunnelsCleanupOrphaned(t *testing.T) {
	tunnels := NewTunnels()
	c1, p1 := newPipeConn()
	c2, p2 := newPipeConn()
	defer p1.Close()
	defer p2.Close()
	open := NewTunnel(1, "dev", c1, 0)
	closed := NewTunnel(2, "dev", c2, 0)
	_ = tunnels.Add(open)
	_ = tunnels.Add(closed)
	closed.Close()

	orphans := tunnels.CleanupOrphaned()
	if len(orphans) != 1 || orphans[0].ID != 2 {
		t.Fatalf("orphans = %+v", orphans)
	}
	if !tunnels.Has(1) || tunnels.Has(2) {
		t.Fatal("wrong tunnel removed")
	}
	open.Close()
}
