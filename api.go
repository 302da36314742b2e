package segcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/segcache/codec"
	pr "github.com/unkn0wn-root/segcache/provider"
)

type (
	Provider = pr.Provider
	Item     = pr.Item
)

// Cache is the typed, namespaced client. V is the caller's value type;
// serialization is handled by a pluggable Codec[V]. Values of any size are
// accepted: large encodings are split into parts by Segmented.
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Single
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Gets(ctx context.Context, key string) (v V, cas uint64, ok bool, err error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Add(ctx context.Context, key string, value V, ttl time.Duration) (bool, error)
	Replace(ctx context.Context, key string, value V, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key string, value V, cas uint64, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error)
	Delete(ctx context.Context, key string) error

	// Bulk (order-agnostic return; missing follows the order of keys)
	GetMulti(ctx context.Context, keys []string) (values map[string]V, missing []string, err error)
}

// Options tune the typed client.
// Namespace, Provider and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions. e.g. "user", "report"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Logger              Logger        // if nil, NopLogger is used
	Hooks               Hooks         // if nil, NopHooks is used
	DefaultTTL          time.Duration // used when a call passes ttl 0; 0 => never expires
	MaxSize             int           // segment size; 0 => MaxSize
	MaxParts            int           // parts per value; 0 => 65536
	DisableSegmentation bool          // default false => values above MaxSize are split
	Disabled            bool          // default false (enabled)
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
