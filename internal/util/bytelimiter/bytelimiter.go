// Package bytelimiter bounds the number of bytes buffered towards a slow peer.
package bytelimiter

import "sync"

// ByteLimiter is a non-blocking byte budget. A nil *ByteLimiter is valid and
// never refuses a reservation.
type ByteLimiter struct {
	max  int
	mu   sync.Mutex
	used int
}

// New returns a limiter allowing up to max reserved bytes, or nil when max <= 0.
func New(max int) *ByteLimiter {
	if max <= 0 {
		return nil
	}
	return &ByteLimiter{max: max}
}

// TryAcquire reserves n bytes and reports false when that would exceed the budget.
func (b *ByteLimiter) TryAcquire(n int) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.max {
		return false
	}
	b.used += n
	return true
}

// Release returns n bytes to the budget.
func (b *ByteLimiter) Release(n int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.mu.Unlock()
}

// Close drops every reservation.
func (b *ByteLimiter) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()
}

func (b *ByteLimiter) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Available reports the bytes that can still be reserved; -1 means unbounded.
func (b *ByteLimiter) Available() int {
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.used
}
