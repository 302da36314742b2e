// Package ristretto backs the Provider contract with a dgraph-io/ristretto
// cache. Ristretto may refuse or evict any entry, so reads are best effort;
// writes are flushed with Wait so a successful write is visible to the next
// read.
package ristretto

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/segcache/genstore"
	"github.com/unkn0wn-root/segcache/internal/util"
	pr "github.com/unkn0wn-root/segcache/provider"
)

type entry struct {
	item pr.Item
	exp  time.Time // zero => never
}

// detached returns the item with a private copy of the payload.
func (e entry) detached() pr.Item {
	it := e.item
	it.Value = bytes.Clone(it.Value)
	return it
}

type Provider struct {
	mu      sync.Mutex // serializes writes so conditionals see a stable entry
	c       *rc.Cache
	gens    genstore.GenStore
	ownGens bool
	now     func() time.Time
}

var (
	_ pr.Provider    = (*Provider)(nil)
	_ pr.Incrementer = (*Provider)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64 // bytes of payload
	BufferItems int64
	Metrics     bool

	Gens genstore.GenStore // nil => private LocalGenStore
	Now  func() time.Time  // nil => time.Now
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		Metrics:            cfg.Metrics,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	p := &Provider{c: c, gens: cfg.Gens, now: cfg.Now}
	if p.gens == nil {
		p.gens = genstore.NewLocalGenStore(0, 0)
		p.ownGens = true
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) (pr.Item, bool, error) {
	e, ok := p.peek(key)
	return e.detached(), ok, nil
}

func (p *Provider) GetMulti(_ context.Context, keys []string) (map[string]pr.Item, error) {
	out := make(map[string]pr.Item, len(keys))
	for _, k := range keys {
		if e, ok := p.peek(k); ok {
			out[k] = e.detached()
		}
	}
	return out, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(ctx, key, value, flags, ttl)
}

func (p *Provider) Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loadLocked(key); ok {
		return false, nil
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loadLocked(key); !ok {
		return false, nil
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.loadLocked(key)
	if !ok || cur.item.CAS != cas {
		return false, nil
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.loadLocked(key)
	if !ok {
		return 0, false, nil
	}
	next, b, ok := util.Incr(cur.item.Value, delta)
	if !ok {
		return 0, false, nil
	}
	cas, err := p.gens.Bump(ctx, key)
	if err != nil {
		return 0, false, err
	}
	e := entry{item: pr.Item{Value: b, Flags: cur.item.Flags, CAS: cas}, exp: cur.exp}
	if !p.put(key, e) {
		return 0, false, pr.ErrNotStored
	}
	return next, true, nil
}

func (p *Provider) Delete(_ context.Context, key string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if delay <= 0 {
		p.c.Del(key)
		return nil
	}
	cur, ok := p.loadLocked(key)
	if !ok {
		return nil
	}
	cur.exp = pr.Shorten(p.now(), cur.exp, delay)
	p.put(key, cur) // a dropped write just loses the entry early
	return nil
}

func (p *Provider) FlushAll(_ context.Context, delay time.Duration) error {
	if delay > 0 {
		return pr.ErrDelayedFlush
	}
	p.mu.Lock()
	p.c.Clear()
	p.mu.Unlock()
	return nil
}

func (p *Provider) Close(ctx context.Context) error {
	p.c.Wait()
	p.c.Close()
	if p.ownGens {
		return p.gens.Close(ctx)
	}
	return nil
}

// Metrics exposes ristretto's counters; nil unless Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }

// peek never deletes; stale entries are left to writers holding mu.
func (p *Provider) peek(key string) (entry, bool) {
	e, ok, _ := p.lookup(key)
	return e, ok
}

// loadLocked must be called with mu held. Unusable entries are dropped.
func (p *Provider) loadLocked(key string) (entry, bool) {
	e, ok, stale := p.lookup(key)
	if stale {
		p.c.Del(key)
	}
	return e, ok
}

// lookup reports stale=true for an entry of unexpected shape or past its
// deadline.
func (p *Provider) lookup(key string) (e entry, ok, stale bool) {
	v, found := p.c.Get(key)
	if !found {
		return entry{}, false, false
	}
	e, ok = v.(entry)
	if !ok || (!e.exp.IsZero() && p.now().After(e.exp)) {
		return entry{}, false, true
	}
	return e, true, false
}

func (p *Provider) store(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	cas, err := p.gens.Bump(ctx, key)
	if err != nil {
		return pr.Item{}, err
	}
	e := entry{
		item: pr.Item{Value: append([]byte(nil), value...), Flags: flags, CAS: cas},
		exp:  pr.Expiry(p.now(), ttl),
	}
	if !p.put(key, e) {
		return pr.Item{}, pr.ErrNotStored
	}
	return e.item, nil
}

func (p *Provider) storeOK(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	if _, err := p.store(ctx, key, value, flags, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// put hands the entry to ristretto with the remaining lifetime so the cache
// can reclaim it on its own, then waits for the write buffer to drain.
func (p *Provider) put(key string, e entry) bool {
	var ttl time.Duration
	if !e.exp.IsZero() {
		if ttl = e.exp.Sub(p.now()); ttl <= 0 {
			p.c.Del(key)
			return true
		}
	}
	cost := int64(len(e.item.Value)) + 1
	if !p.c.SetWithTTL(key, e, cost, ttl) {
		return false
	}
	p.c.Wait()
	return true
}
