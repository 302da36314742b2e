// Package provider defines the storage abstraction used by segcache.
//
// A Provider is a memcached-shaped store: every entry carries an opaque byte
// payload, a flags bitmask and a compare-and-swap token. Implementations MUST be
// byte-for-byte transparent: Get must return exactly the payload and flags that
// were previously written for a key.
//
// Important: flag bit 0x40000000 is owned by segcache and marks a segment
// master record. Callers of the segmenting layer must not set it themselves.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDelayedFlush is returned by FlushAll when a delay is requested.
	// Delayed flushes are not supported by any provider.
	ErrDelayedFlush = errors.New("provider: flush_all with delay is not supported")

	// ErrIncrUnsupported is returned when Incr is called on a store that
	// does not implement Incrementer.
	ErrIncrUnsupported = errors.New("provider: incr not supported by store")

	// ErrNotStored is returned when a backend refused an unconditional write
	// (admission policy, memory pressure).
	ErrNotStored = errors.New("provider: write rejected by store")
)

// Item is a single cache entry as seen by callers.
type Item struct {
	Value []byte
	Flags uint32
	CAS   uint64 // opaque version stamp; 0 when the store has not assigned one
}

// Provider is the store capability consumed by segcache.
// Must be safe for concurrent use.
//
// TTL semantics: ttl <= 0 means the entry never expires, otherwise the entry
// expires at now+ttl. Misses are never errors.
type Provider interface {
	// Get returns (item, true, nil) on hit; (Item{}, false, nil) on miss.
	// If an IO/remote error happens, return (Item{}, false, err).
	Get(ctx context.Context, key string) (Item, bool, error)

	// GetMulti returns the present keys only. Absent keys are omitted.
	GetMulti(ctx context.Context, keys []string) (map[string]Item, error)

	// Set writes unconditionally and returns the stored item.
	Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (Item, error)

	// Add writes only if the key is absent. ok=false means the key exists.
	Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (ok bool, err error)

	// Replace writes only if the key is present. ok=false means the key is absent.
	Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (ok bool, err error)

	// CAS writes only if the key is present and its token equals cas.
	CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (ok bool, err error)

	// Delete removes key now when delay <= 0. With delay > 0 the entry is kept
	// and its expiry becomes min(existing expiry, now+delay).
	Delete(ctx context.Context, key string, delay time.Duration) error

	// FlushAll clears the store. delay > 0 returns ErrDelayedFlush and leaves
	// the store untouched.
	FlushAll(ctx context.Context, delay time.Duration) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Incrementer is implemented by stores that support atomic numeric increment.
// Incr returns ok=false when the key is absent or its value is not a plain
// decimal number (digits only).
type Incrementer interface {
	Incr(ctx context.Context, key string, delta uint64) (v uint64, ok bool, err error)
}

// Expiry converts a relative ttl into an absolute deadline. Zero means never.
func Expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Shorten returns the deadline for a delete-with-delay: it can only move an
// existing deadline closer, never extend it.
func Shorten(now time.Time, current time.Time, delay time.Duration) time.Time {
	d := now.Add(delay)
	if current.IsZero() || d.Before(current) {
		return d
	}
	return current
}
