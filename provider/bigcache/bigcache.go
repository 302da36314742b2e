// Package bigcache backs the Provider contract with allegro/bigcache.
//
// BigCache stores opaque bytes and has a single cache-wide LifeWindow, so each
// entry is framed with its flags, CAS token and own deadline (internal/wire).
// Per-entry expiry is enforced on read; LifeWindow only bounds how long any
// entry can live at all.
package bigcache

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/segcache/genstore"
	"github.com/unkn0wn-root/segcache/internal/util"
	"github.com/unkn0wn-root/segcache/internal/wire"
	pr "github.com/unkn0wn-root/segcache/provider"
)

const defaultLifeWindow = 24 * time.Hour

type Provider struct {
	mu      sync.Mutex // serializes writes so conditionals see a stable entry
	c       *bc.BigCache
	gens    genstore.GenStore
	ownGens bool
	now     func() time.Time
}

var (
	_ pr.Provider    = (*Provider)(nil)
	_ pr.Incrementer = (*Provider)(nil)
)

type Config struct {
	LifeWindow         time.Duration // 0 => 24h
	CleanWindow        time.Duration // 0 => bigcache default
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited

	Gens genstore.GenStore // nil => private LocalGenStore
	Now  func() time.Time  // nil => time.Now
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = defaultLifeWindow
	}
	conf := bc.DefaultConfig(life)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
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
	e, ok, err := p.peek(key)
	if err != nil || !ok {
		return pr.Item{}, false, err
	}
	return item(e), true, nil
}

func (p *Provider) GetMulti(_ context.Context, keys []string) (map[string]pr.Item, error) {
	out := make(map[string]pr.Item, len(keys))
	for _, k := range keys {
		e, ok, err := p.peek(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = item(e)
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
	if _, ok, err := p.loadLocked(key); err != nil || ok {
		return false, err
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.loadLocked(key); err != nil || !ok {
		return false, err
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := p.loadLocked(key)
	if err != nil || !ok || cur.CAS != cas {
		return false, err
	}
	return p.storeOK(ctx, key, value, flags, ttl)
}

func (p *Provider) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := p.loadLocked(key)
	if err != nil || !ok {
		return 0, false, err
	}
	next, b, ok := util.Incr(cur.Payload, delta)
	if !ok {
		return 0, false, nil
	}
	cas, err := p.gens.Bump(ctx, key)
	if err != nil {
		return 0, false, err
	}
	cur.CAS, cur.Payload = cas, b
	if err := p.c.Set(key, wire.Encode(cur)); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (p *Provider) Delete(_ context.Context, key string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if delay <= 0 {
		return p.del(key)
	}
	cur, ok, err := p.loadLocked(key)
	if err != nil || !ok {
		return err
	}
	cur.ExpiresAt = pr.Shorten(p.now(), cur.ExpiresAt, delay)
	return p.c.Set(key, wire.Encode(cur))
}

func (p *Provider) FlushAll(_ context.Context, delay time.Duration) error {
	if delay > 0 {
		return pr.ErrDelayedFlush
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Reset()
}

func (p *Provider) Close(ctx context.Context) error {
	err := p.c.Close()
	if p.ownGens {
		err = errors.Join(err, p.gens.Close(ctx))
	}
	return err
}

// Len reports the number of framed entries, expired ones included.
func (p *Provider) Len() int { return p.c.Len() }

// peek never deletes: corrupt or expired frames read as a miss and are left
// to writers holding mu.
func (p *Provider) peek(key string) (wire.Entry, bool, error) {
	e, ok, _, err := p.lookup(key)
	return e, ok, err
}

// loadLocked must be called with mu held. Corrupt or expired frames are
// dropped.
func (p *Provider) loadLocked(key string) (wire.Entry, bool, error) {
	e, ok, stale, err := p.lookup(key)
	if stale {
		if err := p.del(key); err != nil {
			return wire.Entry{}, false, err
		}
	}
	return e, ok, err
}

func (p *Provider) lookup(key string) (e wire.Entry, ok, stale bool, err error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return wire.Entry{}, false, false, nil
	}
	if err != nil {
		return wire.Entry{}, false, false, err
	}
	e, err = wire.Decode(b)
	if err != nil || e.Expired(p.now()) {
		return wire.Entry{}, false, true, nil
	}
	return e, true, false, nil
}

func (p *Provider) store(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	cas, err := p.gens.Bump(ctx, key)
	if err != nil {
		return pr.Item{}, err
	}
	e := wire.Entry{
		Flags:     flags,
		CAS:       cas,
		ExpiresAt: pr.Expiry(p.now(), ttl),
		Payload:   value,
	}
	if err := p.c.Set(key, wire.Encode(e)); err != nil {
		return pr.Item{}, err
	}
	return pr.Item{Value: append([]byte(nil), value...), Flags: flags, CAS: cas}, nil
}

func (p *Provider) storeOK(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	if _, err := p.store(ctx, key, value, flags, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) del(key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func item(e wire.Entry) pr.Item {
	return pr.Item{Value: e.Payload, Flags: e.Flags, CAS: e.CAS}
}
