package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

// the session is abandoned after this many unanswered pings in a row
const maxHeartbeatFailures = 3

type heartbeatState struct {
	seq     atomic.Uint64
	timeout time.Duration

	mu                  sync.Mutex
	pending             map[uint64]time.Time
	lastRTT             time.Duration
	jitter              time.Duration
	consecutiveFailures int
	lastAck             time.Time
}

func newHeartbeatState(timeout time.Duration) *heartbeatState {
	return &heartbeatState{
		timeout: timeout,
		pending: make(map[uint64]time.Time),
	}
}

func (h *heartbeatState) nextPayload(now time.Time) *protocol.HeartbeatPayload {
	return &protocol.HeartbeatPayload{
		Sequence: h.seq.Add(1),
		SentAt:   now.UnixNano(),
		Mode:     protocol.HeartbeatModePing,
	}
}

func (h *heartbeatState) markSent(seq uint64, sentAt time.Time) {
	h.mu.Lock()
	h.pending[seq] = sentAt
	h.mu.Unlock()
}

func (h *heartbeatState) markSendFailure() {
	h.mu.Lock()
	h.consecutiveFailures++
	h.mu.Unlock()
}

// handleAck records a pong and returns the smoothed round trip time.
func (h *heartbeatState) handleAck(seq uint64, ackTime time.Time) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sentAt, ok := h.pending[seq]
	if !ok {
		return 0, false
	}
	delete(h.pending, seq)
	rtt := ackTime.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}

	if h.lastRTT == 0 {
		h.lastRTT = rtt
	} else {
		delta := rtt - h.lastRTT
		if delta < 0 {
			delta = -delta
		}
		h.jitter = (3*h.jitter + delta) / 4
		h.lastRTT = (3*h.lastRTT + rtt) / 4
	}
	h.consecutiveFailures = 0
	h.lastAck = ackTime
	return h.lastRTT, true
}

// expirePending drops pings older than the timeout and reports the
// current run of failures.
func (h *heartbeatState) expirePending(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for seq, sentAt := range h.pending {
		if now.Sub(sentAt) > h.timeout {
			delete(h.pending, seq)
			h.consecutiveFailures++
		}
	}
	return h.consecutiveFailures
}
