// Package kv defines the keyed-store contract the registry is built on:
// get, atomic set-if-absent with expiry, TTL renewal and bulk delete. Two
// backends implement it, an embedded bbolt store and a shared Redis instance.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store is the command contract against the backing keyed store. All methods
// are safe for concurrent use; transport failures are returned as wrapped
// backend errors distinct from ErrNotFound.
type Store interface {
	// Get returns the value at key, or ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetNX atomically sets key to value with the given TTL if and only if
	// the key is absent. It returns false when the key already exists,
	// identifying the losing writer in a race.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Expire renews the TTL of an existing key. It returns false when the
	// key is absent or already expired.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Close releases backend resources.
	Close() error
}
