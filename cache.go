package segcache

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/segcache/codec"
	pr "github.com/unkn0wn-root/segcache/provider"
)

type cache[V any] struct {
	ns         string
	provider   pr.Provider
	codec      c.Codec[V]
	flags      uint32
	log        Logger
	hooks      Hooks
	enabled    bool
	defaultTTL time.Duration
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("segcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("segcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("segcache: namespace is required")
	}
	flags := opts.Codec.Flags()
	if flags&PartialValue != 0 {
		return nil, fmt.Errorf("segcache: codec flags %#x: %w", flags, ErrReservedFlag)
	}

	c := &cache[V]{
		ns:         opts.Namespace,
		provider:   opts.Provider,
		codec:      opts.Codec,
		flags:      flags,
		enabled:    !opts.Disabled,
		defaultTTL: opts.DefaultTTL,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if !opts.DisableSegmentation {
		seg, err := NewSegmented(SegmentOptions{
			Provider: opts.Provider,
			MaxSize:  opts.MaxSize,
			MaxParts: opts.MaxParts,
			Logger:   c.log,
			Hooks:    c.hooks,
		})
		if err != nil {
			return nil, err
		}
		c.provider = seg
	}
	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	return c.provider.Close(ctx)
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, _, ok, err := c.Gets(ctx, key)
	return v, ok, err
}

func (c *cache[V]) Gets(ctx context.Context, key string) (V, uint64, bool, error) {
	var zero V
	if !c.enabled {
		return zero, 0, false, nil
	}
	k := c.storageKey(key)
	it, ok, err := c.provider.Get(ctx, k)
	if err != nil || !ok {
		return zero, 0, false, err
	}
	v, ok := c.decode(ctx, k, it)
	if !ok {
		return zero, 0, false, nil
	}
	return v, it.CAS, true, nil
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	_, err = c.provider.Set(ctx, c.storageKey(key), payload, c.flags, c.ttl(ttl))
	return err
}

func (c *cache[V]) Add(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}
	return c.provider.Add(ctx, c.storageKey(key), payload, c.flags, c.ttl(ttl))
}

func (c *cache[V]) Replace(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}
	return c.provider.Replace(ctx, c.storageKey(key), payload, c.flags, c.ttl(ttl))
}

// CompareAndSwap writes value iff the entry still carries the token observed
// by Gets.
//
//	v, cas, ok, _ := cache.Gets(ctx, k)
//	_, _ = cache.CompareAndSwap(ctx, k, update(v), cas, 0)
func (c *cache[V]) CompareAndSwap(ctx context.Context, key string, value V, cas uint64, ttl time.Duration) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}
	ok, err := c.provider.CAS(ctx, c.storageKey(key), payload, c.flags, cas, c.ttl(ttl))
	if err == nil && !ok {
		c.log.Debug("CompareAndSwap skipped (token moved)", Fields{"key": key, "cas": cas})
	}
	return ok, err
}

func (c *cache[V]) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	if !c.enabled {
		return 0, false, nil
	}
	inc, ok := c.provider.(pr.Incrementer)
	if !ok {
		return 0, false, pr.ErrIncrUnsupported
	}
	return inc.Incr(ctx, c.storageKey(key), delta)
}

func (c *cache[V]) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	return c.provider.Delete(ctx, c.storageKey(key), 0)
}

func (c *cache[V]) GetMulti(ctx context.Context, keys []string) (map[string]V, []string, error) {
	out := make(map[string]V, len(keys))
	if !c.enabled {
		// if disabled, everything is missing
		missing := make([]string, 0, len(keys))
		missing = append(missing, keys...)
		return out, missing, nil
	}
	if len(keys) == 0 {
		return out, nil, nil
	}

	storage := make([]string, len(keys))
	for i, k := range keys {
		storage[i] = c.storageKey(k)
	}
	items, err := c.provider.GetMulti(ctx, storage)
	if err != nil {
		return nil, nil, err
	}

	var missing []string
	for i, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		it, ok := items[storage[i]]
		if !ok {
			missing = append(missing, k)
			continue
		}
		v, ok := c.decode(ctx, storage[i], it)
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	return out, missing, nil
}

// decode validates flags and payload; anything that is not ours is deleted
// so the next read is a clean miss.
func (c *cache[V]) decode(ctx context.Context, storageKey string, it pr.Item) (V, bool) {
	var zero V
	if it.Flags != c.flags {
		c.selfHeal(ctx, storageKey, "flags_mismatch", Fields{"flags": it.Flags, "want": c.flags})
		return zero, false
	}
	v, err := c.codec.Decode(it.Value)
	if err != nil {
		c.selfHeal(ctx, storageKey, "value_decode", Fields{"err": err})
		return zero, false
	}
	return v, true
}

func (c *cache[V]) selfHeal(ctx context.Context, storageKey, reason string, f Fields) {
	_ = c.provider.Delete(ctx, storageKey, 0)
	c.hooks.SelfHeal(storageKey, reason)
	f["key"] = storageKey
	f["reason"] = reason
	c.log.Debug("self-healed entry", f)
}

func (c *cache[V]) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *cache[V]) storageKey(userKey string) string {
	// isolate by namespace
	return c.ns + ":" + userKey
}
