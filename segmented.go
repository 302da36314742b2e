package segcache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/segcache/internal/util"
	pr "github.com/unkn0wn-root/segcache/provider"
)

// SegmentOptions configure a Segmented store. Only Provider is required.
type SegmentOptions struct {
	Provider     pr.Provider
	MaxSize      int           // 0 => MaxSize
	MaxParts     int           // 0 => 65536; larger descriptors read as corrupt
	PartTTLSlack time.Duration // 0 => 1s
	Logger       Logger        // nil => NopLogger
	Hooks        Hooks         // nil => NopHooks
	Now          func() time.Time
}

// Segmented wraps a Provider and stores values larger than MaxSize as parts.
//
// The master key holds "<hash>:<count>" with PartialValue set in its flags;
// parts live at "<hash>:0" .. "<hash>:<count-1>". Parts are always written
// before the master, so a visible master had all of its parts written. They
// may still be evicted later, so a read with any part missing is a miss.
//
// Segmented itself implements Provider and can be stacked anywhere a
// Provider is accepted.
type Segmented struct {
	store    pr.Provider
	maxSize  int
	maxParts int
	slack    time.Duration
	log      Logger
	hooks    Hooks
	now      func() time.Time
}

var (
	_ pr.Provider    = (*Segmented)(nil)
	_ pr.Incrementer = (*Segmented)(nil)
)

func NewSegmented(opts SegmentOptions) (*Segmented, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("segcache: provider is required")
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("segcache: max size must be positive, got %d", opts.MaxSize)
	}
	if opts.MaxParts < 0 {
		return nil, fmt.Errorf("segcache: max parts must be positive, got %d", opts.MaxParts)
	}
	s := &Segmented{store: opts.Provider}
	s.maxSize = coalesce(opts.MaxSize, MaxSize)
	s.maxParts = coalesce(opts.MaxParts, defaultMaxParts)
	s.slack = coalesce(opts.PartTTLSlack, defaultPartTTLSlack)
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.now = opts.Now
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Provider returns the wrapped store.
func (s *Segmented) Provider() pr.Provider { return s.store }

func (s *Segmented) Get(ctx context.Context, key string) (pr.Item, bool, error) {
	m, err := s.GetMulti(ctx, []string{key})
	if err != nil {
		return pr.Item{}, false, err
	}
	it, ok := m[key]
	return it, ok, nil
}

// GetMulti costs at most two round trips to the wrapped store: one for the
// requested keys and one for the parts of every segmented result.
func (s *Segmented) GetMulti(ctx context.Context, keys []string) (map[string]pr.Item, error) {
	if len(keys) == 0 {
		return map[string]pr.Item{}, nil
	}
	results, err := s.store.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	var (
		partsOf map[string][]string
		fetch   []string
	)
	for k, it := range results {
		if it.Flags&PartialValue == 0 {
			continue
		}
		id, n, err := util.ParseDescriptor(it.Value)
		if err == nil && n > s.maxParts {
			err = fmt.Errorf("%w: %d parts exceeds limit %d", util.ErrBadDescriptor, n, s.maxParts)
		}
		if err != nil {
			delete(results, k)
			s.hooks.DescriptorCorrupt(k)
			s.log.Warn("segmented get: corrupt descriptor", Fields{"key": k, "err": err})
			continue
		}
		if partsOf == nil {
			partsOf = make(map[string][]string)
		}
		pks := util.PartKeys(id, n)
		partsOf[k] = pks
		fetch = append(fetch, pks...)
	}
	if len(partsOf) == 0 {
		return results, nil
	}

	parts := map[string]pr.Item{}
	if len(fetch) > 0 {
		if parts, err = s.store.GetMulti(ctx, fetch); err != nil {
			return nil, err
		}
	}

	for k, pks := range partsOf {
		master := results[k]
		v, missing := assemble(pks, parts)
		if missing != "" {
			delete(results, k)
			s.hooks.PartMissing(k, missing)
			s.log.Debug("segmented get: part missing", Fields{"key": k, "part": missing, "parts": len(pks)})
			continue
		}
		results[k] = pr.Item{
			Value: v,
			Flags: master.Flags ^ PartialValue,
			CAS:   master.CAS,
		}
	}
	return results, nil
}

// assemble concatenates parts in index order. On the first absent part it
// returns that part's key and no value.
func assemble(pks []string, parts map[string]pr.Item) ([]byte, string) {
	size := 0
	for _, pk := range pks {
		p, ok := parts[pk]
		if !ok {
			return nil, pk
		}
		size += len(p.Value)
	}
	v := make([]byte, 0, size)
	for _, pk := range pks {
		v = append(v, parts[pk].Value...)
	}
	return v, ""
}

// Set returns the master record: for a segmented value that is the
// descriptor, not the original payload.
func (s *Segmented) Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	value, flags, _, err := s.storeSegments(ctx, key, value, flags, ttl)
	if err != nil {
		return pr.Item{}, err
	}
	return s.store.Set(ctx, key, value, flags, ttl)
}

func (s *Segmented) Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	value, flags, n, err := s.storeSegments(ctx, key, value, flags, ttl)
	if err != nil {
		return false, err
	}
	ok, err := s.store.Add(ctx, key, value, flags, ttl)
	s.observeMaster(key, "add", n, ok, err)
	return ok, err
}

func (s *Segmented) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	value, flags, n, err := s.storeSegments(ctx, key, value, flags, ttl)
	if err != nil {
		return false, err
	}
	ok, err := s.store.Replace(ctx, key, value, flags, ttl)
	s.observeMaster(key, "replace", n, ok, err)
	return ok, err
}

func (s *Segmented) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	value, flags, n, err := s.storeSegments(ctx, key, value, flags, ttl)
	if err != nil {
		return false, err
	}
	ok, err := s.store.CAS(ctx, key, value, flags, cas, ttl)
	s.observeMaster(key, "cas", n, ok, err)
	return ok, err
}

// Delete removes only the master record. Its parts become unreachable and
// expire on their own.
func (s *Segmented) Delete(ctx context.Context, key string, delay time.Duration) error {
	return s.store.Delete(ctx, key, delay)
}

func (s *Segmented) FlushAll(ctx context.Context, delay time.Duration) error {
	return s.store.FlushAll(ctx, delay)
}

func (s *Segmented) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	inc, ok := s.store.(pr.Incrementer)
	if !ok {
		return 0, false, pr.ErrIncrUnsupported
	}
	return inc.Incr(ctx, key, delta)
}

func (s *Segmented) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}

// storeSegments writes the parts of an oversized value and returns what the
// master record should hold. Values within the limit come back untouched.
func (s *Segmented) storeSegments(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) ([]byte, uint32, int, error) {
	if flags&PartialValue != 0 {
		return nil, 0, 0, ErrReservedFlag
	}
	if len(value) <= s.maxSize {
		return value, flags, 0, nil
	}

	id := util.SegmentID(key, s.now())
	n := (len(value) + s.maxSize - 1) / s.maxSize
	if n > s.maxParts {
		return nil, 0, 0, fmt.Errorf("segcache: %q needs %d parts, limit %d: %w", key, n, s.maxParts, ErrTooManyParts)
	}
	partTTL := ttl
	if ttl > 0 {
		partTTL += s.slack
	}
	for i := 0; i < n; i++ {
		lo := i * s.maxSize
		hi := min(lo+s.maxSize, len(value))
		if _, err := s.store.Set(ctx, util.PartKey(id, i), value[lo:hi], 0, partTTL); err != nil {
			s.log.Error("segmented set: part write failed", Fields{"key": key, "part": i, "parts": n, "err": err})
			return nil, 0, 0, &SegmentError{Key: key, Part: i, Parts: n, Err: err}
		}
	}

	s.hooks.SegmentsWritten(key, n, len(value))
	s.log.Debug("segmented set: parts written", Fields{"key": key, "id": id, "parts": n, "size": len(value)})
	return util.Descriptor(id, n), flags | PartialValue, n, nil
}

func (s *Segmented) observeMaster(key, op string, parts int, ok bool, err error) {
	if parts == 0 || (ok && err == nil) {
		return
	}
	s.hooks.MasterWriteRejected(key, op, parts)
	s.log.Debug("segmented "+op+": master not written; parts left to expire", Fields{"key": key, "parts": parts, "err": err})
}
