package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/tracker"
)

// upgrade detaches the client connection and switches the request into a
// raw byte tunnel. The device's 101 response is the first chunk on the
// tunnel's write queue, so nothing here waits on the client.
func (h *Handler) upgrade(req *tracker.Request, f *protocol.Frame) {
	conn, err := req.Hijack()
	if err != nil {
		h.logger.Warn("upgrade without hijackable client", "id", req.ID, "uuid", req.DeviceUUID, "error", err)
		h.finish(req, http.StatusBadGateway, "upgrade not possible")
		h.cancel(req.DeviceUUID, req.ID)
		return
	}
	h.requests.SafeRemove(req.ID)
	// the public server's timeouts no longer apply to a tunnel
	_ = conn.SetDeadline(time.Time{})

	tun := tracker.NewTunnel(req.ID, req.DeviceUUID, conn, h.backlog)
	if err := h.tunnels.Add(tun); err != nil {
		h.logger.Error("register tunnel failed", "id", req.ID, "uuid", req.DeviceUUID, "error", err)
		_ = conn.Close()
		h.cancel(req.DeviceUUID, req.ID)
		return
	}
	h.observer.TunnelOpened()
	h.logger.Debug("tunnel open", "id", tun.ID, "uuid", tun.DeviceUUID)

	tun.StartWriter(func(err error) {
		h.logger.Debug("tunnel client write failed", "id", tun.ID, "uuid", tun.DeviceUUID, "error", err)
		h.closeTunnel(tun, true)
	})
	if err := tun.Enqueue([]byte(upgradeResponse(f.ResponseStatusText, f.Headers))); err != nil {
		h.logger.Debug("queue upgrade response failed", "id", tun.ID, "uuid", tun.DeviceUUID, "error", err)
		h.closeTunnel(tun, true)
		return
	}
	go h.pumpClient(tun)
}

// pumpClient forwards client bytes to the device until the client goes away.
func (h *Handler) pumpClient(tun *tracker.Tunnel) {
	buf := make([]byte, h.readChunk)
	reader := tun.Client.ReadWriter.Reader
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if emitErr := h.emitter.Emit(tun.DeviceUUID, &protocol.Frame{Type: protocol.EventWebSocket, ID: tun.ID, Data: data}); emitErr != nil {
				h.logger.Debug("forward tunnel data failed", "id", tun.ID, "uuid", tun.DeviceUUID, "error", emitErr)
				h.closeTunnel(tun, true)
				return
			}
			h.observer.BytesUpstream(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("tunnel client read ended", "id", tun.ID, "uuid", tun.DeviceUUID, "error", err)
			}
			h.closeTunnel(tun, true)
			return
		}
	}
}

// closeTunnel runs once per tunnel no matter how many paths race into it.
// notifyDevice sends cancel so the device stops its side.
func (h *Handler) closeTunnel(tun *tracker.Tunnel, notifyDevice bool) bool {
	if !tun.Close() {
		return false
	}
	h.tunnels.SafeRemove(tun.ID)
	h.observer.TunnelClosed()
	if notifyDevice {
		h.cancel(tun.DeviceUUID, tun.ID)
	}
	h.logger.Debug("tunnel closed", "id", tun.ID, "uuid", tun.DeviceUUID)
	return true
}
