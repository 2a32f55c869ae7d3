// Package l2 defines the contract every out-of-process cache tier
// implements: get/set/delete/exists on bytes, addressed by the same
// composite cache key the L1 store uses. The contract never interprets
// bytes — whatever the envelope pipeline produced is what a backend
// stores and returns, encrypted or not.
package l2

import (
	"context"
	"time"
)

// Backend is the L2 contract (spec.md §4.7). Implementations are expected
// to handle their own connection pooling, pipelining, and transport-level
// retry; the reliability envelope (internal/reliability) is the only
// wrapper the core applies on top.
type Backend interface {
	// Get returns the stored bytes for key, or ok=false if absent.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Set stores data under key. A zero ttl means "no expiry" if the
	// backend supports that; backends that require an expiry should
	// reject a zero ttl with a permanent error at construction time
	// instead of silently picking one.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes key. It reports whether a value was actually
	// removed, not an error, when key was already absent.
	Delete(ctx context.Context, key string) (existed bool, err error)
	// Exists reports whether key currently has a live value.
	Exists(ctx context.Context, key string) (bool, error)
	// Close releases any resources (connections, file handles, sweep
	// goroutines) held by the backend.
	Close() error
}

// Locker is an optional capability a Backend may additionally implement to
// give internal/distlock a truly atomic compare-and-swap. distlock.New
// accepts only a Locker; a Backend without it gets no distributed lock. Single-process backends (membackend, bboltbackend) and
// exclusive-create filesystem backends can offer this for free; a remote
// HTTP gateway generally cannot unless its own protocol exposes a
// conditional-put primitive, so httpbackend does not implement it.
type Locker interface {
	// SetNX atomically stores value under key with the given ttl only if
	// key does not currently hold a live value. It reports whether the
	// set happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (acquired bool, err error)
	// CompareDelete atomically deletes key only if its current value
	// equals expected. It reports whether the delete happened.
	CompareDelete(ctx context.Context, key string, expected []byte) (deleted bool, err error)
}
