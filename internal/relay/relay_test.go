package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/drksbr/cloudrelay/internal/config"
	"github.com/drksbr/cloudrelay/internal/connection"
	"github.com/drksbr/cloudrelay/internal/kvstore"
	"github.com/drksbr/cloudrelay/internal/logger"
	"github.com/drksbr/cloudrelay/internal/notify"
	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/repository"
	"github.com/drksbr/cloudrelay/internal/tracker"
)

const (
	testUUID     = "uuid-1"
	testSecret   = "s3cret"
	testDeviceID = "dev-1"
	testPassword = "correct horse"
)

type harness struct {
	t      *testing.T
	srv    *Server
	store  kvstore.Store
	repos  *repository.Memory
	device *httptest.Server
	public *httptest.Server
}

func newHarness(t *testing.T, store kvstore.Store, mutate func(*config.Relay)) *harness {
	t.Helper()
	cfg := config.DefaultRelay()
	cfg.ServerAddress = "node-a:8443"
	cfg.Session.WSIdle = 10 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	if store == nil {
		store = kvstore.NewMemory()
	}

	repos := repository.NewMemory()
	repos.PutDevice(repository.Device{ID: testDeviceID, UUID: testUUID, Secret: testSecret, AccountID: "acct-1"})
	repos.PutDevice(repository.Device{ID: "dev-2", UUID: "uuid-2", Secret: "other", AccountID: "acct-1"})
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repos.PutUser(repository.User{ID: "user-1", Username: "alice@example.com", PasswordHash: string(hash), AccountID: "acct-1"})
	repos.PutUser(repository.User{ID: "user-2", Username: "carol@example.com", PasswordHash: string(hash), AccountID: "acct-1"})
	repos.PutUser(repository.User{ID: "user-3", Username: "bob@example.com", PasswordHash: string(hash), AccountID: "acct-2"})

	reg := prometheus.NewRegistry()
	srv, err := New(Options{
		Config:     cfg,
		Logger:     logger.Discard(),
		Store:      store,
		Repos:      repos,
		Notifier:   notify.NewService(repos, nil, "test", logger.Discard()),
		Registerer: reg,
		Gatherer:   reg,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h := &harness{
		t:      t,
		srv:    srv,
		store:  store,
		repos:  repos,
		device: httptest.NewServer(srv.DeviceHandler()),
		public: httptest.NewServer(srv.PublicHandler()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		h.public.Close()
		h.device.Close()
	})
	return h
}

func (h *harness) dial(uuid, secret string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(h.device.URL, "http") + "/tunnel"
	header := http.Header{}
	header.Set("uuid", uuid)
	header.Set("secret", secret)
	header.Set("openhabversion", "4.1.0")
	return websocket.DefaultDialer.Dial(url, header)
}

// connect dials as the test device and waits until the session is attached.
func (h *harness) connect() *websocket.Conn {
	h.t.Helper()
	conn, resp, err := h.dial(testUUID, testSecret)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.t.Fatalf("dial: %v (status %d)", err, status)
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	waitFor(h.t, "session attached", func() bool {
		return len(h.srv.hub.Members(testUUID)) == 1
	})
	return conn
}

func (h *harness) remoteRequest(method, path, username string, body io.Reader) *http.Request {
	h.t.Helper()
	req, err := http.NewRequest(method, h.public.URL+"/remote/"+testUUID+path, body)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if username != "" {
		req.SetBasicAuth(username, testPassword)
	}
	return req
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFrame(conn *websocket.Conn) (*protocol.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.TextMessage:
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, err
			}
			return &f, nil
		case websocket.BinaryMessage:
			return protocol.DecodeBinaryFrame(data)
		}
	}
}

func sendBinary(conn *websocket.Conn, f *protocol.Frame) error {
	data, err := protocol.EncodeBinaryFrame(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func TestSingleOwnerAcrossConcurrentSessions(t *testing.T) {
	h := newHarness(t, nil, nil)

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*websocket.Conn
		statuses = map[int]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := h.dial(testUUID, testSecret)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted = append(accepted, conn)
				return
			}
			if resp != nil {
				statuses[resp.StatusCode]++
			}
		}()
	}
	wg.Wait()
	for _, c := range accepted {
		defer c.Close()
	}

	if len(accepted) != 1 {
		t.Fatalf("accepted %d sessions, want 1", len(accepted))
	}
	if statuses[http.StatusConflict] != attempts-1 {
		t.Fatalf("rejections = %v, want %d conflicts", statuses, attempts-1)
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, resp, err := h.dial("", "")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing credentials: err=%v resp=%v", err, resp)
	}

	_, resp, err = h.dial(testUUID, "wrong")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad secret: err=%v resp=%v", err, resp)
	}

	// the failed attempt blocks the uuid even for the right secret
	_, resp, err = h.dial(testUUID, testSecret)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("blocked uuid: err=%v resp=%v", err, resp)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}

	if err := h.store.Delete(context.Background(), connection.BlockKey(testUUID)); err != nil {
		t.Fatalf("delete block: %v", err)
	}
	conn := h.connect()
	defer conn.Close()

	_, resp, err = h.dial(testUUID, testSecret)
	if err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("second session: err=%v resp=%v", err, resp)
	}
}

// lockFailStore fails every lock write.
type lockFailStore struct {
	*kvstore.Memory
}

func (s lockFailStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.HasPrefix(key, "connection:") {
		return false, errors.New("store unreachable")
	}
	return s.Memory.SetNX(ctx, key, value, ttl)
}

func TestLockInfrastructureFailureIsNotConflict(t *testing.T) {
	h := newHarness(t, lockFailStore{kvstore.NewMemory()}, nil)
	_, resp, err := h.dial(testUUID, testSecret)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err=%v resp=%v, want 503", err, resp)
	}
}

func TestRejectStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrShuttingDown, http.StatusServiceUnavailable},
		{&connection.BlockedError{Remaining: 3 * time.Second}, http.StatusTooManyRequests},
		{connection.ErrAuthentication, http.StatusUnauthorized},
		{connection.ErrAlreadyConnected, http.StatusConflict},
		{fmt.Errorf("%w: timeout", connection.ErrLockUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := rejectStatus(tt.err); got != tt.want {
			t.Errorf("rejectStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRemoteRequestRoundTrip(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	deviceErr := make(chan error, 1)
	go func() {
		f, err := readFrame(conn)
		if err != nil {
			deviceErr <- err
			return
		}
		if f.Type != protocol.EventRequest || f.Path != "/rest/items" || f.Query != "type=Switch" || f.UserID != "user-1" {
			deviceErr <- fmt.Errorf("unexpected request frame %+v", f)
			return
		}
		if f.Headers.Get("Authorization") != "" {
			deviceErr <- errors.New("relay credentials forwarded to device")
			return
		}
		steps := []error{
			conn.WriteJSON(&protocol.Frame{
				Type:               protocol.EventResponseHeader,
				ID:                 f.ID,
				ResponseStatusCode: http.StatusOK,
				Headers:            protocol.Headers{"Content-Type": {"application/json"}},
			}),
			sendBinary(conn, &protocol.Frame{Type: protocol.EventResponseContentBinary, ID: f.ID, Body: []byte("hel")}),
			sendBinary(conn, &protocol.Frame{Type: protocol.EventResponseContentBinary, ID: f.ID, Body: []byte("lo")}),
			conn.WriteJSON(&protocol.Frame{Type: protocol.EventResponseFinished, ID: f.ID}),
		}
		deviceErr <- errors.Join(steps...)
	}()

	resp, err := http.DefaultClient.Do(h.remoteRequest(http.MethodGet, "/rest/items?type=Switch", "alice@example.com", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if err := <-deviceErr; err != nil {
		t.Fatalf("device: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("got %d %q, want 200 hello", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	waitFor(t, "request removed", func() bool { return h.srv.requests.Len() == 0 })
}

func TestRemoteAccessChecks(t *testing.T) {
	h := newHarness(t, nil, nil)

	tests := []struct {
		name string
		uuid string
		user string
		want int
	}{
		{"no credentials", testUUID, "", http.StatusUnauthorized},
		{"other account", testUUID, "bob@example.com", http.StatusNotFound},
		{"unknown device", "nope", "alice@example.com", http.StatusNotFound},
		{"device offline", "uuid-2", "alice@example.com", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, h.public.URL+"/remote/"+tt.uuid+"/", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, testPassword)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, h.public.URL+"/remote/"+testUUID+"/", nil)
	req.SetBasicAuth("alice@example.com", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", resp.StatusCode)
	}
}

func TestRemoteReportsOtherNode(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := `{"serverAddress":"node-b:8443","connectionId":"elsewhere"}`
	if _, err := h.store.SetNX(context.Background(), connection.LockKey("dev-2"), rec, time.Minute); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.public.URL+"/remote/uuid-2/", nil)
	req.SetBasicAuth("alice@example.com", testPassword)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway || resp.Header.Get("X-Cloudrelay-Server") != "node-b:8443" {
		t.Fatalf("got %d server=%q", resp.StatusCode, resp.Header.Get("X-Cloudrelay-Server"))
	}
}

func TestRequestBodyLimit(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Relay) { c.Session.MaxRequestBody = 16 })
	h.connect()

	resp, err := http.DefaultClient.Do(h.remoteRequest(http.MethodPost, "/rest/items", "alice@example.com", strings.NewReader(strings.Repeat("x", 64))))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if n := h.srv.requests.Len(); n != 0 {
		t.Fatalf("%d requests tracked after rejection", n)
	}
}

func TestClientCancellationSendsCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := h.remoteRequest(http.MethodGet, "/slow", "alice@example.com", nil).WithContext(ctx)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	f, err := readFrame(conn)
	if err != nil || f.Type != protocol.EventRequest {
		t.Fatalf("request frame: %v %+v", err, f)
	}
	cancel()
	<-done

	got, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read cancel: %v", err)
	}
	if got.Type != protocol.EventCancel || got.ID != f.ID {
		t.Fatalf("got %+v, want cancel for %d", got, f.ID)
	}
	waitFor(t, "request removed", func() bool { return h.srv.requests.Len() == 0 })
}

func TestOrphanSweepEmitsCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	req := tracker.NewRequest(h.srv.requests.NextID(), testUUID, httptest.NewRecorder())
	if err := h.srv.requests.Add(req); err != nil {
		t.Fatal(err)
	}
	req.Finish()

	h.srv.sweep()

	if h.srv.requests.Has(req.ID) {
		t.Fatal("orphan still tracked")
	}
	f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != protocol.EventCancel || f.ID != req.ID {
		t.Fatalf("got %+v, want cancel for %d", f, req.ID)
	}
}

func TestHeartbeatIsAnswered(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	sent := time.Now().UnixNano()
	if err := conn.WriteJSON(&protocol.Frame{
		Type:      protocol.EventHeartbeat,
		Heartbeat: &protocol.HeartbeatPayload{Sequence: 7, SentAt: sent, Mode: protocol.HeartbeatModePing},
	}); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != protocol.EventHeartbeat || f.Heartbeat.Mode != protocol.HeartbeatModePong || f.Heartbeat.Sequence != 7 || f.Heartbeat.SentAt != sent {
		t.Fatalf("unexpected reply %+v", f)
	}
	if owner, err := h.srv.manager.LockOwner(context.Background(), testDeviceID); err != nil || owner == nil {
		t.Fatalf("lock owner after renewal: %v %v", owner, err)
	}
}

func TestLockLossDisconnects(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	if err := h.store.Delete(context.Background(), connection.LockKey(testDeviceID)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(&protocol.Frame{
		Type:      protocol.EventHeartbeat,
		Heartbeat: &protocol.HeartbeatPayload{Sequence: 1, Mode: protocol.HeartbeatModePing},
	}); err != nil {
		t.Fatal(err)
	}

	var err error
	for err == nil {
		_, err = readFrame(conn)
	}
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("read error = %v, want close 1013", err)
	}
	waitFor(t, "session detached", func() bool { return h.srv.sessionCount() == 0 })
}

func TestReconnectAfterRelease(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()
	_ = conn.Close()

	waitFor(t, "lock released", func() bool {
		_, err := h.store.Get(context.Background(), connection.LockKey(testDeviceID))
		return errors.Is(err, kvstore.ErrNotFound)
	})
	waitFor(t, "session detached", func() bool { return h.srv.sessionCount() == 0 })

	h.connect()

	var statuses []repository.EventStatus
	for _, ev := range h.repos.Events() {
		statuses = append(statuses, ev.Status)
	}
	want := []repository.EventStatus{repository.StatusOnline, repository.StatusOffline, repository.StatusOnline}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", statuses, want)
	}
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	result := make(chan int, 1)
	go func() {
		resp, err := http.DefaultClient.Do(h.remoteRequest(http.MethodGet, "/rest", "alice@example.com", nil))
		if err != nil {
			result <- 0
			return
		}
		resp.Body.Close()
		result <- resp.StatusCode
	}()

	if f, err := readFrame(conn); err != nil || f.Type != protocol.EventRequest {
		t.Fatalf("request frame: %v", err)
	}
	_ = conn.Close()

	select {
	case status := <-result:
		if status != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client still waiting after device disconnect")
	}
}

func TestStalledClientDoesNotStallDevice(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Relay) {
		c.Session.ClientBacklog = 512 << 10
		c.Session.ClientWriteTimeout = 2 * time.Second
	})
	conn := h.connect()

	// a client that sends its request and never reads the response
	stalled, err := net.Dial("tcp", strings.TrimPrefix(h.public.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	auth := base64.StdEncoding.EncodeToString([]byte("alice@example.com:" + testPassword))
	if _, err := io.WriteString(stalled, "GET /remote/"+testUUID+"/big HTTP/1.1\r\nHost: relay\r\nAuthorization: Basic "+auth+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(conn)
	if err != nil || f.Type != protocol.EventRequest {
		t.Fatalf("request frame: %v %+v", err, f)
	}
	stalledID := f.ID

	writes := make(chan error, 1)
	go func() {
		chunk := make([]byte, 512<<10)
		err := conn.WriteJSON(&protocol.Frame{Type: protocol.EventResponseHeader, ID: stalledID, ResponseStatusCode: http.StatusOK})
		for i := 0; i < 64 && err == nil; i++ {
			err = sendBinary(conn, &protocol.Frame{Type: protocol.EventResponseContentBinary, ID: stalledID, Body: chunk})
		}
		if err == nil {
			err = conn.WriteJSON(&protocol.Frame{
				Type:      protocol.EventHeartbeat,
				Heartbeat: &protocol.HeartbeatPayload{Sequence: 3, Mode: protocol.HeartbeatModePing},
			})
		}
		writes <- err
	}()

	var pong, cancelled bool
	for !pong || !cancelled {
		f, err := readFrame(conn)
		if err != nil {
			t.Fatalf("device read: %v (pong=%v cancel=%v)", err, pong, cancelled)
		}
		switch {
		case f.Type == protocol.EventHeartbeat && f.Heartbeat.Mode == protocol.HeartbeatModePong:
			pong = true
		case f.Type == protocol.EventCancel && f.ID == stalledID:
			cancelled = true
		}
	}
	select {
	case err := <-writes:
		if err != nil {
			t.Fatalf("device writes: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("device writes blocked behind the stalled client")
	}

	// another client of the same device is still served
	result := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(h.remoteRequest(http.MethodGet, "/fast", "alice@example.com", nil))
		if err != nil {
			result <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result <- fmt.Sprintf("%d %s", resp.StatusCode, body)
	}()
	for {
		f, err := readFrame(conn)
		if err != nil {
			t.Fatalf("second request frame: %v", err)
		}
		if f.Type != protocol.EventRequest {
			continue
		}
		if err := errors.Join(
			conn.WriteJSON(&protocol.Frame{Type: protocol.EventResponseHeader, ID: f.ID, ResponseStatusCode: http.StatusOK}),
			sendBinary(conn, &protocol.Frame{Type: protocol.EventResponseContentBinary, ID: f.ID, Body: []byte("ok")}),
			conn.WriteJSON(&protocol.Frame{Type: protocol.EventResponseFinished, ID: f.ID}),
		); err != nil {
			t.Fatal(err)
		}
		break
	}
	select {
	case got := <-result:
		if got != "200 ok" {
			t.Fatalf("second client got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second client timed out")
	}
	if owner, err := h.srv.manager.LockOwner(context.Background(), testDeviceID); err != nil || owner == nil {
		t.Fatalf("lock owner: %v %v", owner, err)
	}
	waitFor(t, "requests removed", func() bool { return h.srv.requests.Len() == 0 })
}

func TestNotificationsStayInsideAccount(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	frames := []*protocol.Frame{
		{Type: protocol.EventNotification, UserID: "bob@example.com", Notification: &protocol.Notification{Message: "not yours"}},
		{Type: protocol.EventNotification, UserID: "alice@example.com", Notification: &protocol.Notification{Message: "door open", Severity: "high", OnClickAction: "ui:/door"}},
		{Type: protocol.EventBroadcastNotification, Notification: &protocol.Notification{Message: "everyone"}},
		{Type: protocol.EventLogNotification, Notification: &protocol.Notification{Message: "log only"}},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "notifications stored", func() bool { return len(h.repos.Notifications()) == 5 })
	byUser := map[string][]string{}
	for _, n := range h.repos.Notifications() {
		byUser[n.UserID] = append(byUser[n.UserID], n.Message)
		if n.Message == "door open" && !strings.Contains(n.Payload, "ui:/door") {
			t.Errorf("payload %q lost on-click action", n.Payload)
		}
	}
	if len(byUser["user-3"]) != 0 {
		t.Fatalf("user of another account notified: %v", byUser["user-3"])
	}
	if fmt.Sprint(byUser["user-1"]) != "[door open everyone log only]" {
		t.Fatalf("user-1 got %v", byUser["user-1"])
	}
	if fmt.Sprint(byUser["user-2"]) != "[everyone log only]" {
		t.Fatalf("user-2 got %v", byUser["user-2"])
	}
}

func TestTunnelBridgesThroughRelay(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	client, err := net.Dial("tcp", strings.TrimPrefix(h.public.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	auth := base64.StdEncoding.EncodeToString([]byte("alice@example.com:" + testPassword))
	fmt.Fprintf(client, "GET /remote/%s/ws/events HTTP/1.1\r\nHost: relay\r\nAuthorization: Basic %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", testUUID, auth)

	f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("request frame: %v", err)
	}
	if f.Headers.Get("Upgrade") != "websocket" {
		t.Fatalf("upgrade header not forwarded: %v", f.Headers)
	}
	if err := conn.WriteJSON(&protocol.Frame{
		Type:               protocol.EventResponseHeader,
		ID:                 f.ID,
		ResponseStatusCode: http.StatusSwitchingProtocols,
		Headers:            protocol.Headers{"Upgrade": {"websocket"}, "Connection": {"Upgrade"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := sendBinary(conn, &protocol.Frame{Type: protocol.EventWebSocket, ID: f.ID, Data: []byte("from-device")}); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil || status != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("status line %q: %v", status, err)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}
	got := make([]byte, len("from-device"))
	if _, err := io.ReadFull(br, got); err != nil || string(got) != "from-device" {
		t.Fatalf("tunnel data %q: %v", got, err)
	}

	if _, err := client.Write([]byte("from-client")); err != nil {
		t.Fatal(err)
	}
	var upstream []byte
	for len(upstream) < len("from-client") {
		uf, err := readFrame(conn)
		if err != nil {
			t.Fatalf("read upstream: %v", err)
		}
		if uf.Type != protocol.EventWebSocket || uf.ID != f.ID {
			continue
		}
		upstream = append(upstream, uf.Data...)
	}
	if string(upstream) != "from-client" {
		t.Fatalf("upstream = %q", upstream)
	}

	// device side close tears the tunnel down without a cancel
	if err := conn.WriteJSON(&protocol.Frame{Type: protocol.EventWebSocketClose, ID: f.ID}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tunnel removed", func() bool { return h.srv.tunnels.Len() == 0 })
}

func TestShutdownRejectsAndReleases(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.connect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var err error
	for err == nil {
		_, err = readFrame(conn)
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Logf("device saw %v", err)
	}
	if _, err := h.store.Get(context.Background(), connection.LockKey(testDeviceID)); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("lock still held after shutdown: %v", err)
	}
	_, resp, err := h.dial(testUUID, testSecret)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial during shutdown: err=%v resp=%v", err, resp)
	}
}

func TestStatusJSON(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.connect()

	resp, err := http.Get(h.device.URL + "/status.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].UUID != testUUID || payload.Sessions[0].Version != "4.1.0" {
		t.Fatalf("sessions = %+v", payload.Sessions)
	}
	if payload.ServerAddress != "node-a:8443" {
		t.Fatalf("server address = %q", payload.ServerAddress)
	}

	metrics, err := http.Get(h.device.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(text), "cloudrelay_devices_connected 1") {
		t.Fatalf("metrics missing connected gauge:\n%s", text)
	}
}
