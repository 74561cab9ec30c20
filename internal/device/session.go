package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

const (
	writeTimeout    = 20 * time.Second
	maxRelayMessage = 16 << 20
)

var errWriterClosed = errors.New("writer closed")

type outboundMessage struct {
	frame  *protocol.Frame
	binary []byte
}

// session is one connection to the relay. Heartbeats travel on the control
// queue; every frame belonging to a request or tunnel goes through the data
// queue so a request's frames keep their order.
type session struct {
	client      *Client
	conn        *websocket.Conn
	logger      *slog.Logger
	readTimeout time.Duration

	heartbeat    *heartbeatState
	controlQueue chan outboundMessage
	dataQueue    chan outboundMessage
	writerDone   chan struct{}
	done         chan struct{}

	mu       sync.Mutex
	requests map[int64]context.CancelFunc
	tunnels  map[int64]*tunnel
	wg       sync.WaitGroup
}

func newSession(client *Client, conn *websocket.Conn) *session {
	interval := client.opts.HeartbeatInterval
	return &session{
		client:       client,
		conn:         conn,
		logger:       client.logger.With("session", time.Now().UnixNano()),
		readTimeout:  3 * interval,
		heartbeat:    newHeartbeatState(2 * interval),
		controlQueue: make(chan outboundMessage, 128),
		dataQueue:    make(chan outboundMessage, 256),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		requests:     make(map[int64]context.CancelFunc),
		tunnels:      make(map[int64]*tunnel),
	}
}

func (s *session) run(ctx context.Context) error {
	s.conn.SetReadLimit(maxRelayMessage)
	s.touch()
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.touch()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	go s.writerLoop()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop()
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(hbCtx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "device shutting down"),
			time.Now().Add(time.Second))
	case err = <-readErr:
	}
	hbCancel()
	s.shutdown()
	return err
}

// shutdown aborts every local request and tunnel, waits for the goroutines
// that feed the queues and then for the writer. The queues stay open.
func (s *session) shutdown() {
	close(s.done)
	s.mu.Lock()
	for _, cancel := range s.requests {
		cancel()
	}
	for _, tun := range s.tunnels {
		tun.close()
	}
	s.mu.Unlock()
	_ = s.conn.Close()
	s.wg.Wait()
	<-s.writerDone
}

func (s *session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) touch() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
}

func (s *session) writerLoop() {
	defer close(s.writerDone)
	for {
		var msg outboundMessage
		select {
		case msg = <-s.controlQueue:
		default:
			select {
			case msg = <-s.controlQueue:
			case msg = <-s.dataQueue:
			case <-s.done:
				return
			}
		}
		if err := s.writeMessage(msg); err != nil {
			s.logger.Debug("writer failed", "error", err)
			return
		}
	}
}

func (s *session) writeMessage(msg outboundMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	var err error
	if msg.frame != nil {
		err = s.conn.WriteJSON(msg.frame)
	} else {
		err = s.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *session) enqueue(ch chan outboundMessage, msg outboundMessage) error {
	select {
	case <-s.done:
		return errWriterClosed
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-s.done:
		return errWriterClosed
	}
}

// send queues f on the data queue, in its binary form when it has one.
func (s *session) send(f *protocol.Frame) error {
	if protocol.HasBinaryForm(f.Type) {
		data, err := protocol.EncodeBinaryFrame(f)
		if err != nil {
			return err
		}
		return s.enqueue(s.dataQueue, outboundMessage{binary: data})
	}
	return s.enqueue(s.dataQueue, outboundMessage{frame: f})
}

func (s *session) readLoop() error {
	for {
		messageType, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.touch()

		switch messageType {
		case websocket.BinaryMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			f, err := protocol.DecodeBinaryFrame(data)
			if err != nil {
				s.logger.Warn("binary decode failed", "error", err)
				continue
			}
			s.dispatch(f)
		case websocket.TextMessage:
			var f protocol.Frame
			if err := json.NewDecoder(r).Decode(&f); err != nil {
				s.logger.Warn("frame decode failed", "error", err)
				continue
			}
			if err := f.Validate(); err != nil {
				s.logger.Warn("invalid frame dropped", "error", err)
				continue
			}
			s.dispatch(&f)
		}
	}
}

func (s *session) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.EventRequest:
		s.startRequest(f)
	case protocol.EventCancel:
		s.cancel(f.ID)
	case protocol.EventWebSocket:
		s.tunnelData(f)
	case protocol.EventHeartbeat:
		s.handleHeartbeat(f)
	default:
		s.logger.Warn("unexpected frame from relay", "type", f.Type)
	}
}

func (s *session) handleHeartbeat(f *protocol.Frame) {
	switch f.Heartbeat.Mode {
	case protocol.HeartbeatModePong:
		if rtt, ok := s.heartbeat.handleAck(f.Heartbeat.Sequence, time.Now()); ok {
			s.logger.Debug("heartbeat ack", "seq", f.Heartbeat.Sequence, "rtt", rtt)
		}
	case protocol.HeartbeatModePing:
		reply := &protocol.Frame{
			Type: protocol.EventHeartbeat,
			Heartbeat: &protocol.HeartbeatPayload{
				Sequence: f.Heartbeat.Sequence,
				SentAt:   f.Heartbeat.SentAt,
				Mode:     protocol.HeartbeatModePong,
			},
		}
		if err := s.enqueue(s.controlQueue, outboundMessage{frame: reply}); err != nil {
			s.logger.Debug("heartbeat pong failed", "error", err)
		}
	default:
		s.logger.Warn("heartbeat frame with unknown mode", "mode", f.Heartbeat.Mode)
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.client.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failures := s.heartbeat.expirePending(time.Now()); failures >= maxHeartbeatFailures {
				s.logger.Warn("relay stopped answering heartbeats", "failures", failures)
				_ = s.conn.Close()
				return
			}
			s.sendHeartbeat()
		}
	}
}

func (s *session) sendHeartbeat() {
	now := time.Now()
	payload := s.heartbeat.nextPayload(now)
	err := s.enqueue(s.controlQueue, outboundMessage{frame: &protocol.Frame{Type: protocol.EventHeartbeat, Heartbeat: payload}})
	if err != nil {
		s.heartbeat.markSendFailure()
		return
	}
	s.heartbeat.markSent(payload.Sequence, now)
}

func (s *session) startRequest(f *protocol.Frame) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		cancel()
		return
	}
	if _, exists := s.requests[f.ID]; exists {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("duplicate request id", "id", f.ID)
		return
	}
	s.requests[f.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.forget(f.ID)
		s.serveRequest(ctx, f)
	}()
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	cancel, ok := s.requests[id]
	delete(s.requests, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancel stops the local request or tunnel behind id. The relay has
// already dropped its side, so nothing is reported back.
func (s *session) cancel(id int64) {
	s.mu.Lock()
	cancel := s.requests[id]
	tun := s.tunnels[id]
	s.mu.Unlock()
	if tun != nil {
		tun.close()
	}
	if cancel != nil {
		cancel()
		s.logger.Debug("request cancelled by relay", "id", id)
	}
}

func (s *session) tunnelData(f *protocol.Frame) {
	s.mu.Lock()
	tun := s.tunnels[f.ID]
	s.mu.Unlock()
	if tun == nil {
		s.logger.Debug("data for unknown tunnel", "id", f.ID)
		_ = s.send(&protocol.Frame{Type: protocol.EventWebSocketClose, ID: f.ID})
		return
	}
	if err := tun.enqueue(f.Data); err != nil {
		s.logger.Debug("tunnel write rejected", "id", f.ID, "error", err)
	}
}

func (s *session) sendError(id int64, text string) {
	if err := s.send(&protocol.Frame{Type: protocol.EventResponseError, ID: id, ResponseStatusText: text}); err != nil {
		s.logger.Debug("send response error failed", "id", id, "error", err)
	}
}

func (s *session) serveRequest(ctx context.Context, f *protocol.Frame) {
	req, err := s.client.localRequest(ctx, f)
	if err != nil {
		s.logger.Warn("build local request failed", "id", f.ID, "error", err)
		s.sendError(f.ID, err.Error())
		return
	}
	resp, err := s.client.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("local request failed", "id", f.ID, "path", f.Path, "error", err)
			s.sendError(f.ID, "local server unreachable")
		}
		return
	}
	if resp.StatusCode == http.StatusSwitchingProtocols {
		s.serveTunnel(f.ID, resp)
		return
	}
	defer resp.Body.Close()

	if err := s.send(&protocol.Frame{
		Type:               protocol.EventResponseHeader,
		ID:                 f.ID,
		ResponseStatusCode: resp.StatusCode,
		ResponseStatusText: statusText(resp),
		Headers:            responseHeaders(resp.Header),
	}); err != nil {
		return
	}

	buf := make([]byte, s.client.opts.MaxFrame)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := s.send(&protocol.Frame{Type: protocol.EventResponseContentBinary, ID: f.ID, Body: chunk}); sendErr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("local response read failed", "id", f.ID, "error", err)
				s.sendError(f.ID, "local response interrupted")
			}
			return
		}
	}
	_ = s.send(&protocol.Frame{Type: protocol.EventResponseFinished, ID: f.ID})
}

// serveTunnel bridges an upgraded local connection to the relay until
// either side closes it.
func (s *session) serveTunnel(id int64, resp *http.Response) {
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		s.sendError(id, "upgrade without a writable connection")
		return
	}
	tun := newTunnel(id, rwc, s.client.opts.TunnelBacklog, s.logger)
	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		tun.close()
		return
	}
	s.tunnels[id] = tun
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tunnels, id)
		s.mu.Unlock()
	}()

	if err := s.send(&protocol.Frame{
		Type:               protocol.EventResponseHeader,
		ID:                 id,
		ResponseStatusCode: resp.StatusCode,
		ResponseStatusText: statusText(resp),
		Headers:            protocol.Headers(resp.Header.Clone()),
	}); err != nil {
		tun.close()
		return
	}
	s.logger.Debug("tunnel open", "id", id)

	buf := make([]byte, s.client.opts.MaxFrame)
	for {
		n, err := rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := s.send(&protocol.Frame{Type: protocol.EventWebSocket, ID: id, Data: chunk}); sendErr != nil {
				tun.close()
				return
			}
		}
		if err != nil {
			break
		}
	}
	if tun.close() {
		_ = s.send(&protocol.Frame{Type: protocol.EventWebSocketClose, ID: id})
	}
	s.logger.Debug("tunnel closed", "id", id)
}

// request headers that must not be replayed against the local server
var skippedRequestHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
}

func (c *Client) localRequest(ctx context.Context, f *protocol.Frame) (*http.Request, error) {
	target := *c.localURL
	target.Path = joinPath(c.localURL.Path, f.Path)
	target.RawPath = ""
	target.RawQuery = f.Query

	method := f.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for name, values := range f.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if skippedRequestHeaders[canonical] {
			continue
		}
		for _, v := range values {
			req.Header.Add(canonical, v)
		}
	}
	return req, nil
}

func joinPath(base, p string) string {
	if p == "" {
		p = "/"
	}
	joined := path.Join("/", base, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}

func responseHeaders(h http.Header) protocol.Headers {
	out := h.Clone()
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"} {
		out.Del(name)
	}
	return protocol.Headers(out)
}

// statusText returns the reason phrase of resp.Status.
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return ""
}
