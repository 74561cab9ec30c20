// Package kvstore is the narrow key-value surface the connection lock and
// block list are built on. Redis backs it in a cluster; Memory backs a single
// node and the tests.
package kvstore

import (
	"context"
	"errors"
	"time"
)

const (
	// KeyMissing is returned by TTL when the key does not exist.
	KeyMissing time.Duration = -2
	// NoExpiry is returned by TTL when the key exists without an expiry.
	NoExpiry time.Duration = -1
)

var (
	// ErrNotFound is returned when a read targets a missing key.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrConflict is returned by CompareAndDelete when the key changed while
	// the comparison was in progress.
	ErrConflict = errors.New("kvstore: key modified concurrently")
)

// Store is implemented by Redis and Memory.
type Store interface {
	// TTL reports the remaining lifetime of key, KeyMissing or NoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// SetNX writes value with ttl only when key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ExpireGet resets the ttl of key and returns its value in one step.
	// ErrNotFound is returned when the key is missing.
	ExpireGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Get returns the value of key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete watches key, passes its current value to match and
	// deletes it when match returns true and the key was not modified in the
	// meantime. It reports whether the key was deleted.
	CompareAndDelete(ctx context.Context, key string, match func(value string) bool) (bool, error)
	Close() error
}
