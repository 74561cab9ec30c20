package device

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/drksbr/cloudrelay/internal/util/bytelimiter"
)

var errTunnelClosed = errors.New("tunnel closed")

const tunnelQueueDepth = 128

// tunnel is the device end of an upgraded connection: relay data is queued
// and written to the local server's connection by a single writer.
type tunnel struct {
	id     int64
	conn   io.ReadWriteCloser
	limit  *bytelimiter.ByteLimiter
	queue  chan []byte
	logger *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

func newTunnel(id int64, conn io.ReadWriteCloser, backlog int, logger *slog.Logger) *tunnel {
	t := &tunnel{
		id:     id,
		conn:   conn,
		limit:  bytelimiter.New(backlog),
		queue:  make(chan []byte, tunnelQueueDepth),
		logger: logger.With("tunnel", id),
		closed: make(chan struct{}),
	}
	go t.writerLoop()
	return t
}

// enqueue copies data for the writer. A full queue or exhausted backlog
// closes the tunnel.
func (t *tunnel) enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.isClosed() {
		return errTunnelClosed
	}
	if !t.limit.TryAcquire(len(data)) {
		t.logger.Warn("tunnel backlog exceeded, closing")
		t.close()
		return errTunnelClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.queue <- buf:
		return nil
	case <-t.closed:
		t.limit.Release(len(buf))
		return errTunnelClosed
	default:
		t.limit.Release(len(buf))
		t.logger.Warn("tunnel queue overflow, closing")
		t.close()
		return errTunnelClosed
	}
}

func (t *tunnel) writerLoop() {
	for {
		select {
		case buf := <-t.queue:
			_, err := t.conn.Write(buf)
			t.limit.Release(len(buf))
			if err != nil {
				t.logger.Debug("local tunnel write failed", "error", err)
				t.close()
				return
			}
		case <-t.closed:
			return
		}
	}
}

// close reports true for the caller that actually closed the tunnel.
func (t *tunnel) close() bool {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.closed)
		_ = t.conn.Close()
		t.limit.Close()
	})
	return first
}

func (t *tunnel) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
