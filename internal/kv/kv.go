// Package kv is the TTL key-value store behind dedup records, fatigue
// counters and last-send timestamps.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure to reach the backing store.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is a TTL-capable key-value store.
type Store interface {
	// Get returns the value at key; ok is false when the key is missing or expired.
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	// Set writes key with a TTL (zero means no expiry).
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	// SetNX writes key only if it is absent and reports whether it wrote.
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	// Incr atomically increments key and sets ttl only when the key has none,
	// so the window is fixed from the first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// PushCapped prepends val to the list at key, keeps at most max entries
	// and refreshes the TTL.
	PushCapped(ctx context.Context, key, val string, max int, ttl time.Duration) error
	// Range returns the whole list at key, newest first.
	Range(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
