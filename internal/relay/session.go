package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/proxy"
	"github.com/drksbr/cloudrelay/internal/repository"
)

const (
	writeTimeout       = 20 * time.Second
	controlTimeout     = 5 * time.Second
	storeTimeout       = 5 * time.Second
	maxDeviceMessage   = 16 << 20
	heartbeatDegraded  = 3 * 20 * time.Second
	defaultRenewWindow = 5 * time.Second
)

var errSessionClosed = errors.New("device session closed")

type outboundMessage struct {
	frame   *protocol.Frame
	binary  []byte
	control *controlMessage
}

type controlMessage struct {
	messageType int
	data        []byte
}

// session is one authenticated device connection. It is registered in the
// server's session map under its connection id and joined to the room of
// its device uuid.
type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	id          string
	device      *repository.Device
	uuid        string
	version     string
	lockKey     string
	remote      string
	connectedAt time.Time

	shutdown  chan struct{}
	closeOnce sync.Once

	controlQueue chan outboundMessage
	dataQueue    chan outboundMessage
	writerDone   chan struct{}

	// touched only from the read goroutine
	lastRenew time.Time

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time
	heartbeatSeq  uint64

	framesIn  atomic.Int64
	framesOut atomic.Int64
}

func newSession(server *Server, conn *websocket.Conn, hs *handshake) *session {
	return &session{
		server:  server,
		conn:    conn,
		id:      hs.connectionID,
		device:  hs.device,
		uuid:    hs.uuid,
		version: hs.version,
		lockKey: hs.lockKey,
		remote:  hs.remote,
		logger: server.logger.With(
			"uuid", hs.uuid,
			"connection", hs.connectionID,
			"remote", hs.remote,
		),
		shutdown:     make(chan struct{}),
		controlQueue: make(chan outboundMessage, 128),
		dataQueue:    make(chan outboundMessage, 256),
		writerDone:   make(chan struct{}),
	}
}

// MemberID and Send make the session a broadcast room member.
func (s *session) MemberID() string { return s.id }

// Send queues f for the device. Bulk frames go out as binary messages on the
// data queue, everything else as JSON on the control queue.
func (s *session) Send(f *protocol.Frame) error {
	if f == nil {
		return nil
	}
	if protocol.HasBinaryForm(f.Type) {
		data, err := protocol.EncodeBinaryFrame(f)
		if err != nil {
			return err
		}
		return s.enqueue(s.dataQueue, outboundMessage{binary: data})
	}
	return s.enqueue(s.controlQueue, outboundMessage{frame: f})
}

func (s *session) sendControl(messageType int, data []byte) error {
	return s.enqueue(s.controlQueue, outboundMessage{
		control: &controlMessage{messageType: messageType, data: data},
	})
}

func (s *session) enqueue(ch chan outboundMessage, msg outboundMessage) error {
	select {
	case <-s.shutdown:
		return errSessionClosed
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-s.shutdown:
		return errSessionClosed
	}
}

func (s *session) startWriter() {
	go s.writerLoop()
}

// stopWriter waits for the writer; the queues are never closed, so senders
// racing with shutdown only ever see errSessionClosed.
func (s *session) stopWriter() {
	<-s.writerDone
}

// writerLoop drains both queues, preferring control messages, until the
// session shuts down. A failed write closes the connection, which ends the
// read loop and the session.
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
			case <-s.shutdown:
				return
			}
		}
		if !s.write(&msg) {
			return
		}
	}
}

func (s *session) write(msg *outboundMessage) bool {
	if err := s.writeMessage(msg); err != nil {
		s.logger.Warn("device write failed", "error", err)
		_ = s.conn.Close()
		return false
	}
	s.framesOut.Add(1)
	return true
}

func (s *session) writeMessage(msg *outboundMessage) error {
	if msg.control != nil {
		return s.conn.WriteControl(msg.control.messageType, msg.control.data, time.Now().Add(controlTimeout))
	}
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
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("reset write deadline failed", "error", err)
	}
	return nil
}

// run serves the session until the device goes away, the lock is lost or
// the server shuts down.
func (s *session) run() {
	defer s.close()

	idle := s.server.cfg.Session.WSIdle
	s.conn.SetReadLimit(maxDeviceMessage)
	s.touch()
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.touch()
		s.renewLock()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	s.startWriter()
	s.server.attach(s)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	pingInterval := idle / 2
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-readDone:
			return
		case <-s.server.ctx.Done():
			s.terminate(websocket.CloseGoingAway, "relay shutting down")
			return
		case <-pingTicker.C:
			if err := s.sendControl(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// touch pushes the read deadline out by the idle window.
func (s *session) touch() {
	idle := s.server.cfg.Session.WSIdle
	if idle <= 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(idle))
}

func (s *session) readLoop() {
	for {
		messageType, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				s.logger.Debug("device read ended", "error", err)
			} else {
				s.logger.Info("device read failed", "error", err)
			}
			return
		}
		s.touch()
		s.framesIn.Add(1)

		switch messageType {
		case websocket.BinaryMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				s.logger.Warn("binary read failed", "error", err)
				return
			}
			f, err := protocol.DecodeBinaryFrame(data)
			if err != nil {
				s.logger.Warn("binary frame dropped", "error", err)
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
				s.logger.Warn("frame dropped", "type", f.Type, "error", err)
				continue
			}
			s.dispatch(&f)
		}
	}
}

func (s *session) dispatch(f *protocol.Frame) {
	switch {
	case proxy.IsProxyEvent(f.Type):
		s.server.proxy.Handle(s.uuid, f)
	case f.Type == protocol.EventHeartbeat:
		s.handleHeartbeat(f)
	case isNotification(f.Type):
		ctx, cancel := context.WithTimeout(s.server.ctx, storeTimeout)
		s.server.handleNotification(ctx, s, f)
		cancel()
	default:
		s.logger.Warn("unexpected frame from device", "type", f.Type, "id", f.ID)
	}
}

func (s *session) handleHeartbeat(f *protocol.Frame) {
	hb := f.Heartbeat
	s.heartbeatMu.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatSeq = hb.Sequence
	s.heartbeatMu.Unlock()

	switch hb.Mode {
	case protocol.HeartbeatModePing, "":
		s.renewLock()
		reply := &protocol.Frame{
			Type: protocol.EventHeartbeat,
			Heartbeat: &protocol.HeartbeatPayload{
				Sequence: hb.Sequence,
				SentAt:   hb.SentAt,
				Mode:     protocol.HeartbeatModePong,
			},
		}
		if err := s.Send(reply); err != nil {
			s.logger.Debug("heartbeat pong failed", "error", err)
		}
	case protocol.HeartbeatModePong:
	default:
		s.logger.Warn("heartbeat with unknown mode", "mode", hb.Mode)
	}
}

// renewLock extends the device lock, at most once per renew window. Losing
// the lock ends the session; a store error is retried on the next heartbeat.
func (s *session) renewLock() {
	now := time.Now()
	if !s.lastRenew.IsZero() && now.Sub(s.lastRenew) < s.server.renewWindow {
		return
	}
	s.lastRenew = now

	ctx, cancel := context.WithTimeout(s.server.ctx, storeTimeout)
	defer cancel()
	owned, err := s.server.manager.RenewLock(ctx, s.lockKey, s.id)
	if err != nil {
		s.server.metrics.lockErrors.Inc()
		s.logger.Error("lock renewal failed", "error", err)
		return
	}
	if !owned {
		s.server.metrics.lockLosses.Inc()
		s.logger.Warn("connection lock lost, disconnecting")
		s.terminate(websocket.CloseTryAgainLater, "connection lock lost")
	}
}

// terminate tells the device why it is being dropped and closes the session.
func (s *session) terminate(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
	go s.close()
}

// close tears the session down once: detach from the server, end the
// device's requests and tunnels, release the lock and record the offline
// event. Concurrent callers wait for the first to finish.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		_ = s.conn.Close()
		s.stopWriter()
		s.server.detach(s)
	})
}

func (s *session) heartbeat() (time.Time, uint64) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	return s.lastHeartbeat, s.heartbeatSeq
}

func (s *session) snapshot(now time.Time) statusSession {
	last, seq := s.heartbeat()
	st := statusSession{
		ConnectionID:      s.id,
		UUID:              s.uuid,
		DeviceID:          s.device.ID,
		Version:           s.version,
		Remote:            s.remote,
		ConnectedAt:       s.connectedAt,
		LastHeartbeatAt:   last,
		HeartbeatSeq:      seq,
		FramesIn:          s.framesIn.Load(),
		FramesOut:         s.framesOut.Load(),
		ControlQueueDepth: len(s.controlQueue),
		DataQueueDepth:    len(s.dataQueue),
		Status:            "connected",
	}
	if last.IsZero() {
		last = s.connectedAt
	}
	if now.Sub(last) > heartbeatDegraded {
		st.Status = "degraded"
	}
	return st
}
