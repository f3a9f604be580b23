// Package spkv defines the key-value contract that announcements are stored
// on. Implementations live in sub-packages, one per storage engine.
package spkv

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key was never set, has been deleted, or
// has expired. Callers can't tell these apart, and shouldn't try to.
var ErrKeyNotFound = errors.New("key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)

	// Set stores value without a TTL, clearing any TTL previously associated
	// with the key.
	Set(ctx context.Context, key, value string) error

	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// TTL returns the time remaining before key expires. A non-positive
	// duration means the key has no TTL.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// CompareAndDeleter is implemented by stores that can delete a key only if
// its current value is still the one the caller last read.
type CompareAndDeleter interface {
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}
