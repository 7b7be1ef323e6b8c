package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist is returned when a key does not exist (or has expired).
	ErrNotExist = errors.New("the key does not exist")

	// ErrConflict is returned by Update when the key kept changing
	// underneath it and the retries ran out.
	ErrConflict = errors.New("the key was modified concurrently")
)

// UpdateFunc receives the current value of a key (nil if it doesn't
// exist) and returns the value to write back along with its TTL.
// Returning a nil value deletes the key. Returning an error aborts
// the update without writing anything.
//
// The func may be invoked more than once if the update is retried.
type UpdateFunc func(cur []byte) (val []byte, ttl time.Duration, err error)

// Store represents an expiring key-value store where OTP records and
// revoked tokens are kept. Values are opaque to the store.
type Store interface {
	// Set sets a value against a key that expires after ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Get returns the value of a key or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Update atomically reads and rewrites the value of a key.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Delete deletes a key. Deleting a non-existent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of a key or ErrNotExist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks if store is reachable
	Ping(ctx context.Context) error
}
