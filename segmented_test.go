package segcache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/segcache/internal/util"
	pr "github.com/unkn0wn-root/segcache/provider"
	"github.com/unkn0wn-root/segcache/provider/local"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// recProvider records calls against a local store and can fail part writes.
type recProvider struct {
	*local.Store
	mu        sync.Mutex
	ops       []string
	multiGets int
	failSet   func(key string) error
}

var _ pr.Provider = (*recProvider)(nil)

func (p *recProvider) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *recProvider) GetMulti(ctx context.Context, keys []string) (map[string]pr.Item, error) {
	p.mu.Lock()
	p.multiGets++
	p.mu.Unlock()
	return p.Store.GetMulti(ctx, keys)
}

func (p *recProvider) Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	if p.failSet != nil {
		if err := p.failSet(key); err != nil {
			return pr.Item{}, err
		}
	}
	p.record("set " + key)
	return p.Store.Set(ctx, key, value, flags, ttl)
}

func (p *recProvider) Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	p.record("add " + key)
	return p.Store.Add(ctx, key, value, flags, ttl)
}

func (p *recProvider) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	p.record("replace " + key)
	return p.Store.Replace(ctx, key, value, flags, ttl)
}

func (p *recProvider) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	p.record("cas " + key)
	return p.Store.CAS(ctx, key, value, flags, cas, ttl)
}

// noIncr hides the Incrementer of the embedded store.
type noIncr struct{ pr.Provider }

type recHooks struct {
	NopHooks
	mu       sync.Mutex
	written  []string
	missing  []string
	corrupt  []string
	rejected []string
	healed   []string
}

func (h *recHooks) SegmentsWritten(key string, _ int, _ int) {
	h.mu.Lock()
	h.written = append(h.written, key)
	h.mu.Unlock()
}

func (h *recHooks) PartMissing(key, _ string) {
	h.mu.Lock()
	h.missing = append(h.missing, key)
	h.mu.Unlock()
}

func (h *recHooks) DescriptorCorrupt(key string) {
	h.mu.Lock()
	h.corrupt = append(h.corrupt, key)
	h.mu.Unlock()
}

func (h *recHooks) MasterWriteRejected(key, op string, _ int) {
	h.mu.Lock()
	h.rejected = append(h.rejected, op+" "+key)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(key, reason string) {
	h.mu.Lock()
	h.healed = append(h.healed, reason+" "+key)
	h.mu.Unlock()
}

type segFixture struct {
	seg   *Segmented
	rec   *recProvider
	clk   *clock
	hooks *recHooks
}

func newSegFixture(t *testing.T, maxSize int) *segFixture {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	rec := &recProvider{Store: local.New(local.Config{Now: clk.Now})}
	hooks := &recHooks{}
	seg, err := NewSegmented(SegmentOptions{
		Provider: rec,
		MaxSize:  maxSize,
		Hooks:    hooks,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("NewSegmented: %v", err)
	}
	t.Cleanup(func() { _ = seg.Close(context.Background()) })
	return &segFixture{seg: seg, rec: rec, clk: clk, hooks: hooks}
}

// master reads the raw record under key, bypassing reassembly.
func (f *segFixture) master(t *testing.T, key string) (pr.Item, string, int) {
	t.Helper()
	it, ok, err := f.rec.Store.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("raw master %q: ok=%v err=%v", key, ok, err)
	}
	id, n, err := util.ParseDescriptor(it.Value)
	if err != nil {
		t.Fatalf("master %q payload %q: %v", key, it.Value, err)
	}
	return it, id, n
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestNewSegmentedValidates(t *testing.T) {
	if _, err := NewSegmented(SegmentOptions{}); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := NewSegmented(SegmentOptions{Provider: local.New(local.Config{}), MaxSize: -1}); err == nil {
		t.Fatalf("expected error for negative max size")
	}
	if _, err := NewSegmented(SegmentOptions{Provider: local.New(local.Config{}), MaxParts: -1}); err == nil {
		t.Fatalf("expected error for negative max parts")
	}
}

func TestSegmentedRoundTripDefaultMaxSize(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 0)

	v := pattern(2*MaxSize + 500000)
	stored, err := f.seg.Set(ctx, "big", v, 0, time.Minute)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if stored.Flags&PartialValue == 0 || !strings.HasSuffix(string(stored.Value), ":3") {
		t.Fatalf("Set should return the master descriptor, got flags=%#x value=%q", stored.Flags, stored.Value)
	}

	got, ok, err := f.seg.Get(ctx, "big")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got.Value, v) {
		t.Fatalf("reassembled value differs (len %d vs %d)", len(got.Value), len(v))
	}

	_, id, n := f.master(t, "big")
	if n != 3 {
		t.Fatalf("expected 3 parts, got %d", n)
	}
	parts, _ := f.rec.Store.GetMulti(ctx, util.PartKeys(id, n))
	if len(parts) != n {
		t.Fatalf("expected %d parts stored, found %d", n, len(parts))
	}
	for k, p := range parts {
		if len(p.Value) > MaxSize {
			t.Fatalf("part %s is %d bytes, above MaxSize", k, len(p.Value))
		}
	}
	if len(parts[util.PartKey(id, 2)].Value) != 500000 {
		t.Fatalf("last part should hold the remainder")
	}
}

func TestSegmentedPassThrough(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 8)

	cases := map[string][]byte{
		"empty": nil,
		"small": []byte("abc"),
		"exact": pattern(8),
	}
	for name, v := range cases {
		stored, err := f.seg.Set(ctx, name, v, 7, 0)
		if err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		if stored.Flags != 7 || !bytes.Equal(stored.Value, v) {
			t.Fatalf("%s: pass-through Set returned %+v", name, stored)
		}
		raw, ok, _ := f.rec.Store.Get(ctx, name)
		if !ok || raw.Flags != 7 || !bytes.Equal(raw.Value, v) {
			t.Fatalf("%s: stored untouched expected, got %+v", name, raw)
		}
	}
	if len(f.hooks.written) != 0 {
		t.Fatalf("no value should have been segmented, got %v", f.hooks.written)
	}
}

func TestSegmentedMissingPartFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	if _, err := f.seg.Set(ctx, "k", []byte("0123456789"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, id, _ := f.master(t, "k")
	if err := f.rec.Store.Delete(ctx, util.PartKey(id, 1), 0); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := f.seg.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected miss with a part gone, ok=%v err=%v", ok, err)
	}
	// master record itself is intact
	if it, _, n := f.master(t, "k"); n != 3 || it.Flags&PartialValue == 0 {
		t.Fatalf("master changed: %+v", it)
	}
	if len(f.hooks.missing) != 1 || f.hooks.missing[0] != "k" {
		t.Fatalf("PartMissing hook: %v", f.hooks.missing)
	}
}

func TestSegmentedFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	const userFlags uint32 = 0x5
	if _, err := f.seg.Set(ctx, "k", pattern(9), userFlags, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, _, _ := f.master(t, "k")
	if raw.Flags != userFlags|PartialValue {
		t.Fatalf("master flags=%#x want %#x", raw.Flags, userFlags|PartialValue)
	}
	got, ok, _ := f.seg.Get(ctx, "k")
	if !ok || got.Flags != userFlags {
		t.Fatalf("reassembled flags=%#x want %#x (ok=%v)", got.Flags, userFlags, ok)
	}
	if got.CAS != raw.CAS {
		t.Fatalf("reassembled CAS=%d want master CAS %d", got.CAS, raw.CAS)
	}
}

func TestSegmentedGetMultiMixed(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	small := []byte("hi")
	large1 := pattern(10)
	large2 := pattern(13)
	evicted := pattern(9)
	_, _ = f.seg.Set(ctx, "small", small, 0, 0)
	_, _ = f.seg.Set(ctx, "large1", large1, 0, 0)
	_, _ = f.seg.Set(ctx, "large2", large2, 0, 0)
	_, _ = f.seg.Set(ctx, "evicted", evicted, 0, 0)

	_, id, _ := f.master(t, "evicted")
	_ = f.rec.Store.Delete(ctx, util.PartKey(id, 0), 0)

	before := f.rec.multiGets
	got, err := f.seg.GetMulti(ctx, []string{"small", "large1", "absent", "large2", "evicted"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if calls := f.rec.multiGets - before; calls != 2 {
		t.Fatalf("expected masters + one batched part fetch (2 calls), got %d", calls)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d: %v", len(got), got)
	}
	if !bytes.Equal(got["small"].Value, small) ||
		!bytes.Equal(got["large1"].Value, large1) ||
		!bytes.Equal(got["large2"].Value, large2) {
		t.Fatalf("wrong values: %v", got)
	}
	for _, k := range []string{"absent", "evicted"} {
		if _, ok := got[k]; ok {
			t.Fatalf("%s must be omitted", k)
		}
	}
}

func TestSegmentedGetMultiEmpty(t *testing.T) {
	f := newSegFixture(t, 4)
	got, err := f.seg.GetMulti(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
	if f.rec.multiGets != 0 {
		t.Fatalf("empty request should not reach the store")
	}
}

func TestSegmentedPartsOutliveMaster(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	if _, err := f.seg.Set(ctx, "k", pattern(10), 0, 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, id, n := f.master(t, "k")

	f.clk.Advance(10*time.Second + 500*time.Millisecond)
	if _, ok, _ := f.rec.Store.Get(ctx, "k"); ok {
		t.Fatalf("master should have expired")
	}
	if parts, _ := f.rec.Store.GetMulti(ctx, util.PartKeys(id, n)); len(parts) != n {
		t.Fatalf("parts should still be live, found %d/%d", len(parts), n)
	}
	f.clk.Advance(time.Second)
	if parts, _ := f.rec.Store.GetMulti(ctx, util.PartKeys(id, n)); len(parts) != 0 {
		t.Fatalf("parts should have expired, found %d", len(parts))
	}
}

func TestSegmentedZeroTTLPartsNeverExpire(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	_, _ = f.seg.Set(ctx, "k", pattern(10), 0, 0)
	f.clk.Advance(365 * 24 * time.Hour)
	if got, ok, _ := f.seg.Get(ctx, "k"); !ok || !bytes.Equal(got.Value, pattern(10)) {
		t.Fatalf("zero ttl value should never expire, ok=%v", ok)
	}
}

func TestSegmentedWritesPartsBeforeMaster(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	if ok, err := f.seg.Add(ctx, "k", pattern(10), 0, 0); err != nil || !ok {
		t.Fatalf("Add: ok=%v err=%v", ok, err)
	}
	if len(f.rec.ops) != 4 {
		t.Fatalf("expected 3 part sets + 1 master add, got %v", f.rec.ops)
	}
	for i, op := range f.rec.ops[:3] {
		if !strings.HasPrefix(op, "set ") || !strings.HasSuffix(op, ":"+string(rune('0'+i))) {
			t.Fatalf("op %d = %q, want part set in index order", i, op)
		}
	}
	if f.rec.ops[3] != "add k" {
		t.Fatalf("last op = %q, want master add", f.rec.ops[3])
	}
}

func TestSegmentedIdentifiersAreNotContentAddressed(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	v := pattern(10)
	a, _ := f.seg.Set(ctx, "k", v, 0, 0)
	b, _ := f.seg.Set(ctx, "k", v, 0, 0)
	if bytes.Equal(a.Value, b.Value) {
		t.Fatalf("identical writes reused descriptor %q", a.Value)
	}
}

func TestSegmentedConditionals(t *testing.T) {
	ctx := context.Background()

	t.Run("add_existing_keeps_value", func(t *testing.T) {
		f := newSegFixture(t, 4)
		_, _ = f.seg.Set(ctx, "k", []byte("old"), 0, 0)
		ok, err := f.seg.Add(ctx, "k", pattern(10), 0, 0)
		if err != nil || ok {
			t.Fatalf("Add on present key: ok=%v err=%v", ok, err)
		}
		if got, _, _ := f.seg.Get(ctx, "k"); string(got.Value) != "old" {
			t.Fatalf("value changed to %q", got.Value)
		}
		if len(f.hooks.rejected) != 1 || f.hooks.rejected[0] != "add k" {
			t.Fatalf("MasterWriteRejected hook: %v", f.hooks.rejected)
		}
	})

	t.Run("add_absent_acts_as_set", func(t *testing.T) {
		f := newSegFixture(t, 4)
		ok, err := f.seg.Add(ctx, "k", pattern(10), 0, 0)
		if err != nil || !ok {
			t.Fatalf("Add: ok=%v err=%v", ok, err)
		}
		if got, ok, _ := f.seg.Get(ctx, "k"); !ok || !bytes.Equal(got.Value, pattern(10)) {
			t.Fatalf("Get after Add: ok=%v", ok)
		}
	})

	t.Run("replace", func(t *testing.T) {
		f := newSegFixture(t, 4)
		if ok, _ := f.seg.Replace(ctx, "k", pattern(10), 0, 0); ok {
			t.Fatalf("Replace on absent key should fail")
		}
		if _, ok, _ := f.seg.Get(ctx, "k"); ok {
			t.Fatalf("failed Replace must not publish a master")
		}
		_, _ = f.seg.Set(ctx, "k", []byte("x"), 0, 0)
		if ok, _ := f.seg.Replace(ctx, "k", pattern(10), 0, 0); !ok {
			t.Fatalf("Replace on present key should succeed")
		}
		if got, _, _ := f.seg.Get(ctx, "k"); !bytes.Equal(got.Value, pattern(10)) {
			t.Fatalf("Replace did not write the segmented value")
		}
	})

	t.Run("cas_uses_reassembled_token", func(t *testing.T) {
		f := newSegFixture(t, 4)
		_, _ = f.seg.Set(ctx, "k", pattern(10), 0, 0)
		cur, ok, _ := f.seg.Get(ctx, "k")
		if !ok {
			t.Fatalf("Get: miss")
		}
		if ok, _ := f.seg.CAS(ctx, "k", pattern(12), 0, cur.CAS, 0); !ok {
			t.Fatalf("CAS with reassembled token should succeed")
		}
		if ok, _ := f.seg.CAS(ctx, "k", pattern(14), 0, cur.CAS, 0); ok {
			t.Fatalf("CAS with stale token should fail")
		}
		if got, _, _ := f.seg.Get(ctx, "k"); !bytes.Equal(got.Value, pattern(12)) {
			t.Fatalf("wrong value after CAS: len=%d", len(got.Value))
		}
	})
}

func TestSegmentedPartWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)
	boom := errors.New("boom")
	f.rec.failSet = func(key string) error {
		if strings.HasSuffix(key, ":1") {
			return boom
		}
		return nil
	}

	_, err := f.seg.Set(ctx, "k", pattern(10), 0, 0)
	var se *SegmentError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SegmentError, got %T: %v", err, err)
	}
	if se.Key != "k" || se.Part != 1 || se.Parts != 3 || !errors.Is(err, boom) {
		t.Fatalf("unexpected error fields: %+v", se)
	}
	if _, ok, _ := f.rec.Store.Get(ctx, "k"); ok {
		t.Fatalf("master must not be written after a part failure")
	}
}

func TestSegmentedRejectsReservedFlag(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	if _, err := f.seg.Set(ctx, "k", []byte("x"), PartialValue, 0); !errors.Is(err, ErrReservedFlag) {
		t.Fatalf("Set: want ErrReservedFlag, got %v", err)
	}
	if _, err := f.seg.Add(ctx, "k", pattern(10), PartialValue|1, 0); !errors.Is(err, ErrReservedFlag) {
		t.Fatalf("Add: want ErrReservedFlag, got %v", err)
	}
	if len(f.rec.ops) != 0 {
		t.Fatalf("nothing should reach the store, got %v", f.rec.ops)
	}
}

func TestSegmentedDescriptorEdgeCases(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	_, _ = f.rec.Store.Set(ctx, "corrupt", []byte("not-a-descriptor"), PartialValue, 0)
	if _, ok, err := f.seg.Get(ctx, "corrupt"); err != nil || ok {
		t.Fatalf("corrupt descriptor should be a miss, ok=%v err=%v", ok, err)
	}
	if len(f.hooks.corrupt) != 1 {
		t.Fatalf("DescriptorCorrupt hook: %v", f.hooks.corrupt)
	}

	hash := strings.Repeat("0f", 20)
	for i, d := range []string{
		"deadbeef:0",                   // short id
		"deadbeef:9223372036854775807", // would not fit a slice
		hash + ":9223372036854775807",  // well-formed id, absurd count
		hash + ":100000000000",         // would exhaust memory
		strings.ToUpper(hash) + ":1",   // uppercase id
	} {
		_, _ = f.rec.Store.Set(ctx, "bad", []byte(d), PartialValue, 0)
		if _, ok, err := f.seg.Get(ctx, "bad"); err != nil || ok {
			t.Fatalf("%q: want miss, ok=%v err=%v", d, ok, err)
		}
		if len(f.hooks.corrupt) != i+2 {
			t.Fatalf("%q: DescriptorCorrupt hook not fired: %v", d, f.hooks.corrupt)
		}
	}

	_, _ = f.rec.Store.Set(ctx, "zero", []byte(hash+":0"), PartialValue|2, 0)
	got, ok, err := f.seg.Get(ctx, "zero")
	if err != nil || !ok {
		t.Fatalf("zero-part descriptor: ok=%v err=%v", ok, err)
	}
	if len(got.Value) != 0 || got.Flags != 2 {
		t.Fatalf("zero-part descriptor should yield empty payload, got %+v", got)
	}
}

func TestSegmentedMaxParts(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1700000000, 0)}
	rec := &recProvider{Store: local.New(local.Config{Now: clk.Now})}
	hooks := &recHooks{}
	seg, err := NewSegmented(SegmentOptions{Provider: rec, MaxSize: 4, MaxParts: 3, Hooks: hooks, Now: clk.Now})
	if err != nil {
		t.Fatalf("NewSegmented: %v", err)
	}

	if _, err := seg.Set(ctx, "fits", pattern(12), 0, 0); err != nil {
		t.Fatalf("3 parts should fit: %v", err)
	}
	if _, err := seg.Set(ctx, "big", pattern(13), 0, 0); !errors.Is(err, ErrTooManyParts) {
		t.Fatalf("want ErrTooManyParts, got %v", err)
	}
	if len(rec.ops) != 4 {
		t.Fatalf("oversized value must write nothing, ops=%v", rec.ops)
	}

	// a master planted by another writer with more parts than allowed
	_, _ = rec.Store.Set(ctx, "planted", util.Descriptor(strings.Repeat("ab", 20), 4), PartialValue, 0)
	before := rec.multiGets
	if _, ok, err := seg.Get(ctx, "planted"); err != nil || ok {
		t.Fatalf("over-limit descriptor should miss, ok=%v err=%v", ok, err)
	}
	if rec.multiGets != before+1 || len(hooks.corrupt) != 1 {
		t.Fatalf("parts must not be fetched: multiGets=%d corrupt=%v", rec.multiGets-before, hooks.corrupt)
	}
}

func TestSegmentedDeleteAndFlushPassThrough(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	_, _ = f.seg.Set(ctx, "k", pattern(10), 0, 0)
	if err := f.seg.Delete(ctx, "k", 0); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.seg.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after delete")
	}
	if err := f.seg.FlushAll(ctx, time.Second); !errors.Is(err, pr.ErrDelayedFlush) {
		t.Fatalf("delayed flush: %v", err)
	}
	if err := f.seg.FlushAll(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if f.rec.Store.Len() != 0 {
		t.Fatalf("flush left %d entries", f.rec.Store.Len())
	}
}

func TestSegmentedIncr(t *testing.T) {
	ctx := context.Background()
	f := newSegFixture(t, 4)

	_, _ = f.seg.Set(ctx, "n", []byte("5"), 0, 0)
	if v, ok, err := f.seg.Incr(ctx, "n", 3); err != nil || !ok || v != 8 {
		t.Fatalf("Incr: v=%d ok=%v err=%v", v, ok, err)
	}
	// a master descriptor is never numeric
	_, _ = f.seg.Set(ctx, "big", []byte("1234567890"), 0, 0)
	if _, ok, _ := f.seg.Incr(ctx, "big", 1); ok {
		t.Fatalf("Incr on segmented value should be a no-op")
	}

	seg, _ := NewSegmented(SegmentOptions{Provider: noIncr{local.New(local.Config{})}})
	if _, _, err := seg.Incr(ctx, "n", 1); !errors.Is(err, pr.ErrIncrUnsupported) {
		t.Fatalf("want ErrIncrUnsupported, got %v", err)
	}
}
