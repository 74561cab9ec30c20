// Package proxy applies response and tunnel events arriving from device
// sessions to the clients waiting on this relay node.
package proxy

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/tracker"
)

// Emitter delivers a frame to the session of a device.
type Emitter interface {
	Emit(deviceUUID string, f *protocol.Frame) error
}

// Observer receives counters for the relay metrics.
type Observer interface {
	OwnershipViolation(event protocol.EventType)
	TunnelOpened()
	TunnelClosed()
	BytesDownstream(n int)
	BytesUpstream(n int)
}

type nopObserver struct{}

func (nopObserver) OwnershipViolation(protocol.EventType) {}
func (nopObserver) TunnelOpened()                         {}
func (nopObserver) TunnelClosed()                         {}
func (nopObserver) BytesDownstream(int)                   {}
func (nopObserver) BytesUpstream(int)                     {}

type Config struct {
	Requests *tracker.Requests
	Tunnels  *tracker.Tunnels
	Emitter  Emitter
	Logger   *slog.Logger
	Observer Observer
	// TunnelBacklog bounds bytes queued towards one tunnel client.
	TunnelBacklog int
	// ReadChunk is the largest client -> device tunnel payload per frame.
	ReadChunk int
}

type Handler struct {
	requests  *tracker.Requests
	tunnels   *tracker.Tunnels
	emitter   Emitter
	logger    *slog.Logger
	observer  Observer
	backlog   int
	readChunk int
}

func New(cfg Config) *Handler {
	h := &Handler{
		requests:  cfg.Requests,
		tunnels:   cfg.Tunnels,
		emitter:   cfg.Emitter,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		backlog:   cfg.TunnelBacklog,
		readChunk: cfg.ReadChunk,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	if h.readChunk <= 0 {
		h.readChunk = 32 * 1024
	}
	return h
}

// IsProxyEvent reports whether Handle accepts frames of type t.
func IsProxyEvent(t protocol.EventType) bool {
	switch t {
	case protocol.EventResponseHeader, protocol.EventResponseContentBinary,
		protocol.EventResponseFinished, protocol.EventResponseError,
		protocol.EventWebSocket, protocol.EventWebSocketClose:
		return true
	}
	return false
}

// Handle applies f, sent by the session of device sender. Events for ids
// that are not tracked are answered with cancel; events for ids owned by
// another device are dropped.
func (h *Handler) Handle(sender string, f *protocol.Frame) {
	switch f.Type {
	case protocol.EventWebSocket, protocol.EventWebSocketClose:
		h.handleTunnelEvent(sender, f)
	case protocol.EventResponseHeader, protocol.EventResponseContentBinary,
		protocol.EventResponseFinished, protocol.EventResponseError:
		h.handleResponseEvent(sender, f)
	default:
		h.logger.Debug("not a proxy event", "type", f.Type, "uuid", sender)
	}
}

func (h *Handler) cancel(deviceUUID string, id int64) {
	if err := h.emitter.Emit(deviceUUID, protocol.Cancel(id)); err != nil {
		h.logger.Debug("emit cancel failed", "uuid", deviceUUID, "id", id, "error", err)
	}
}

func (h *Handler) violation(sender, owner string, f *protocol.Frame) {
	h.observer.OwnershipViolation(f.Type)
	h.logger.Warn("event for request owned by another device dropped",
		"type", f.Type, "id", f.ID, "uuid", sender, "owner", owner)
}

func (h *Handler) handleResponseEvent(sender string, f *protocol.Frame) {
	req, ok := h.requests.Lookup(f.ID)
	if !ok {
		h.logger.Debug("response for untracked request", "type", f.Type, "id", f.ID, "uuid", sender)
		h.cancel(sender, f.ID)
		return
	}
	if req.DeviceUUID != sender {
		h.violation(sender, req.DeviceUUID, f)
		return
	}

	switch f.Type {
	case protocol.EventResponseHeader:
		if f.ResponseStatusCode == http.StatusSwitchingProtocols {
			h.upgrade(req, f)
			return
		}
		if f.ResponseStatusCode < 100 || f.ResponseStatusCode > 999 {
			h.logger.Warn("invalid response status from device", "id", f.ID, "uuid", sender, "status", f.ResponseStatusCode)
			h.finish(req, http.StatusBadGateway, "invalid response status from device")
			return
		}
		if err := req.WriteHeader(f.ResponseStatusCode, responseHeader(f.Headers)); err != nil {
			h.logger.Debug("response header ignored", "id", f.ID, "uuid", sender, "error", err)
		}
	case protocol.EventResponseContentBinary:
		n, err := req.Write(f.Body)
		if err != nil {
			// a client writer that gave up is cleaned up by the request's owner
			if !errors.Is(err, tracker.ErrFinished) {
				h.logger.Debug("client not keeping up, dropping response", "id", f.ID, "uuid", sender, "error", err)
				req.Abort(err)
				h.requests.SafeRemove(f.ID)
				h.cancel(sender, f.ID)
			}
			return
		}
		h.observer.BytesDownstream(n)
	case protocol.EventResponseFinished:
		req.Finish()
		h.requests.SafeRemove(f.ID)
	case protocol.EventResponseError:
		text := f.ResponseStatusText
		if text == "" {
			text = http.StatusText(http.StatusBadGateway)
		}
		h.finish(req, http.StatusBadGateway, text)
	}
}

// finish fails req (status 0 only ends it) and forgets it.
func (h *Handler) finish(req *tracker.Request, status int, text string) {
	if status > 0 {
		req.Fail(status, text)
	} else {
		req.Finish()
	}
	h.requests.SafeRemove(req.ID)
}

func (h *Handler) handleTunnelEvent(sender string, f *protocol.Frame) {
	tun, ok := h.tunnels.Lookup(f.ID)
	if !ok {
		h.logger.Debug("tunnel event for untracked id", "type", f.Type, "id", f.ID, "uuid", sender)
		h.cancel(sender, f.ID)
		return
	}
	if tun.DeviceUUID != sender {
		h.violation(sender, tun.DeviceUUID, f)
		return
	}
	switch f.Type {
	case protocol.EventWebSocket:
		if err := tun.Enqueue(f.Data); err != nil {
			h.logger.Debug("tunnel client write rejected", "id", f.ID, "uuid", sender, "error", err)
			h.closeTunnel(tun, true)
			return
		}
		h.observer.BytesDownstream(len(f.Data))
	case protocol.EventWebSocketClose:
		h.closeTunnel(tun, false)
	}
}

// CloseDevice ends every request and tunnel of deviceUUID on this node,
// used when its session goes away. Clients without headers get a 502.
func (h *Handler) CloseDevice(deviceUUID string) (requests, tunnels int) {
	for _, req := range h.requests.ForDevice(deviceUUID) {
		h.finish(req, http.StatusBadGateway, "device disconnected")
		requests++
	}
	for _, tun := range h.tunnels.ForDevice(deviceUUID) {
		if h.closeTunnel(tun, false) {
			tunnels++
		}
	}
	return requests, tunnels
}
