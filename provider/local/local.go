// Package local is the reference in-process Provider: a value map and an
// expiry map owned by one Store. Expiry is enforced lazily on read; nothing
// sweeps in the background.
package local

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/segcache/genstore"
	"github.com/unkn0wn-root/segcache/internal/util"
	pr "github.com/unkn0wn-root/segcache/provider"
)

type Config struct {
	// Gens supplies CAS tokens. nil => a private LocalGenStore.
	Gens genstore.GenStore
	// Now is the clock. nil => time.Now.
	Now func() time.Time
}

// Store keeps every entry in memory. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	data   map[string]pr.Item
	expiry map[string]time.Time

	gens    genstore.GenStore
	ownGens bool
	now     func() time.Time
}

var (
	_ pr.Provider    = (*Store)(nil)
	_ pr.Incrementer = (*Store)(nil)
)

func New(cfg Config) *Store {
	s := &Store{
		data:   make(map[string]pr.Item),
		expiry: make(map[string]time.Time),
		gens:   cfg.Gens,
		now:    cfg.Now,
	}
	if s.gens == nil {
		s.gens = genstore.NewLocalGenStore(0, 0)
		s.ownGens = true
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Name identifies the store in logs.
func (s *Store) Name() string { return "local" }

// Len returns the number of stored keys, including expired entries not yet read.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Get(_ context.Context, key string) (pr.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.get(key)
	return clone(it), ok, nil
}

func (s *Store) GetMulti(_ context.Context, keys []string) (map[string]pr.Item, error) {
	out := make(map[string]pr.Item, len(keys))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if it, ok := s.get(k); ok {
			out[k] = clone(it)
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(ctx, key, value, flags, ttl)
}

func (s *Store) Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	_, err := s.set(ctx, key, value, flags, ttl)
	return err == nil, err
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); !ok {
		return false, nil
	}
	_, err := s.set(ctx, key, value, flags, ttl)
	return err == nil, err
}

func (s *Store) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.get(key)
	if !ok || cur.CAS != cas {
		return false, nil
	}
	_, err := s.set(ctx, key, value, flags, ttl)
	return err == nil, err
}

// Incr keeps flags and expiry of the entry and stamps a new token.
func (s *Store) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.get(key)
	if !ok {
		return 0, false, nil
	}
	next, b, ok := util.Incr(cur.Value, delta)
	if !ok {
		return 0, false, nil
	}
	cas, err := s.gens.Bump(ctx, key)
	if err != nil {
		return 0, false, err
	}
	s.data[key] = pr.Item{Value: b, Flags: cur.Flags, CAS: cas}
	return next, true, nil
}

func (s *Store) Delete(_ context.Context, key string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay <= 0 {
		delete(s.data, key)
		delete(s.expiry, key)
		return nil
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	s.expiry[key] = pr.Shorten(s.now(), s.expiry[key], delay)
	return nil
}

func (s *Store) FlushAll(_ context.Context, delay time.Duration) error {
	if delay > 0 {
		return pr.ErrDelayedFlush
	}
	s.mu.Lock()
	clear(s.data)
	clear(s.expiry)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.ownGens {
		return s.gens.Close(ctx)
	}
	return nil
}

// clone detaches a returned item from the stored bytes.
func clone(it pr.Item) pr.Item {
	it.Value = bytes.Clone(it.Value)
	return it
}

// get must be called with mu held for writing: an expired entry is cleared.
func (s *Store) get(key string) (pr.Item, bool) {
	if exp, ok := s.expiry[key]; ok && s.now().After(exp) {
		delete(s.data, key)
		delete(s.expiry, key)
		return pr.Item{}, false
	}
	it, ok := s.data[key]
	return it, ok
}

func (s *Store) set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	cas, err := s.gens.Bump(ctx, key)
	if err != nil {
		return pr.Item{}, err
	}
	it := pr.Item{Value: append([]byte(nil), value...), Flags: flags, CAS: cas}
	s.data[key] = it
	if exp := pr.Expiry(s.now(), ttl); exp.IsZero() {
		delete(s.expiry, key)
	} else {
		s.expiry[key] = exp
	}
	return it, nil
}
