// Package kv declares the minimal key-value contract the relay core needs
// from its persistence layer: atomic increment, TTL-keyed set/get/del. The
// actual store (Redis, etc.) is out of scope for this module; see
// internal/kv/memkv for a reference implementation used by tests and the
// demo wiring in cmd/relay.
package kv

import (
	"context"
	"time"
)

// Store is the subset of a KV store's surface the health controller
// depends on. Implementations must make
// Incr+Expire appear atomic from the caller's point of view (the health
// controller relies on the pair never being observed half-applied) and must
// tolerate Get on a missing/expired key by returning ("", false, nil)
// rather than an error.
type Store interface {
	// Incr atomically increments the integer at key (creating it at 0 if
	// absent) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on key. It is a no-op if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the string value at key, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetEx sets key to value with the given TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Del deletes key. It is a no-op if the key does not exist.
	Del(ctx context.Context, key string) error
}
