// Package asynchook moves hook delivery off the read and write paths.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    PartMissingEvery: 10, // ~every 10th missing part
//	})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := segcache.New[User](segcache.Options[User]{
//	    Namespace: "app:prod:user",
//	    Provider:  provider,
//	    Codec:     codec.JSON[User]{},
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped when the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/segcache"
)

type Hooks struct {
	inner   segcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ segcache.Hooks = (*Hooks)(nil)

func New(inner segcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) SegmentsWritten(k string, n, size int) {
	h.try(func() { h.inner.SegmentsWritten(k, n, size) })
}
func (h *Hooks) PartMissing(k, pk string)   { h.try(func() { h.inner.PartMissing(k, pk) }) }
func (h *Hooks) DescriptorCorrupt(k string) { h.try(func() { h.inner.DescriptorCorrupt(k) }) }
func (h *Hooks) MasterWriteRejected(k, op string, n int) {
	h.try(func() { h.inner.MasterWriteRejected(k, op, n) })
}
func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
