package connection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrAuthentication means the uuid/secret pair matched no device.
	ErrAuthentication = errors.New("connection: invalid credentials")
	// ErrBlocked means the uuid is on the short-term block list.
	ErrBlocked = errors.New("connection: uuid temporarily blocked")
	// ErrAlreadyConnected means another session holds the device lock.
	ErrAlreadyConnected = errors.New("connection: device already connected")
	// ErrLockUnavailable means the store failed during a lock operation.
	ErrLockUnavailable = errors.New("connection: lock store unavailable")
)

// BlockedError carries the remaining block time. It matches ErrBlocked.
type BlockedError struct {
	Remaining time.Duration
	// Indefinite is set when the block record has no expiry.
	Indefinite bool
}

func (e *BlockedError) Error() string {
	if e.Indefinite || e.Remaining <= 0 {
		return "uuid is blocked, try again later"
	}
	return fmt.Sprintf("uuid is blocked, try again in %d seconds", e.RetryAfterSeconds())
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// RetryAfterSeconds rounds the remaining time up to whole seconds; zero
// when unknown.
func (e *BlockedError) RetryAfterSeconds() int {
	if e.Indefinite || e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Seconds()))
}
