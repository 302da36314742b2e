// Package redis adapts a go-redis client to the segcache Provider contract.
//
// Each entry is a hash with three fields: v (payload), f (flags) and c (CAS
// token). Conditional writes, increments and delete-with-delay run as Lua
// scripts so the check and the write happen atomically on the server. Every
// script touches a single key, so the provider works against Redis Cluster.
//
// CAS tokens are derived from the server clock in microseconds and forced to
// grow per key; they only need to differ between successive writes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/segcache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// nextCAS is shared by every writing script. It leaves the new token in c.
const nextCAS = `
local t = redis.call('TIME')
local c = tonumber(t[1]) * 1000000 + tonumber(t[2])
local prev = tonumber(redis.call('HGET', KEYS[1], 'c') or '0')
if c <= prev then c = prev + 1 end
c = string.format('%d', c)
`

// KEYS[1]=key ARGV: value, flags, ttl ms, mode, cas
var storeScript = goredis.NewScript(`
local mode = ARGV[4]
local exists = redis.call('EXISTS', KEYS[1]) == 1
if mode == 'add' and exists then return false end
if mode == 'replace' and not exists then return false end
if mode == 'cas' then
  if not exists then return false end
  if redis.call('HGET', KEYS[1], 'c') ~= ARGV[5] then return false end
end
` + nextCAS + `
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'f', ARGV[2], 'c', c)
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return c
`)

// KEYS[1]=key ARGV: delta
var incrScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if not v or not string.match(v, '^%d+$') then return false end
` + nextCAS + `
local n = redis.call('HINCRBY', KEYS[1], 'v', ARGV[1])
redis.call('HSET', KEYS[1], 'c', c)
return n
`)

// KEYS[1]=key ARGV: delay ms
var shortenScript = goredis.NewScript(`
local t = redis.call('PTTL', KEYS[1])
if t == -2 then return 0 end
local d = tonumber(ARGV[1])
if t == -1 or t > d then redis.call('PEXPIRE', KEYS[1], d) end
return 1
`)

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var (
	_ pr.Provider    = (*Redis)(nil)
	_ pr.Incrementer = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) Get(ctx context.Context, key string) (pr.Item, bool, error) {
	vals, err := p.rdb.HMGet(ctx, key, "v", "f", "c").Result()
	if err != nil {
		return pr.Item{}, false, err // transport/server error
	}
	return parseItem(key, vals)
}

// GetMulti pipelines one HMGET per key.
func (p *Redis) GetMulti(ctx context.Context, keys []string) (map[string]pr.Item, error) {
	out := make(map[string]pr.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*goredis.SliceCmd, len(keys))
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, "v", "f", "c")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		it, ok, err := parseItem(k, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = it
		}
	}
	return out, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (pr.Item, error) {
	cas, ok, err := p.store(ctx, "set", key, value, flags, 0, ttl)
	if err != nil {
		return pr.Item{}, err
	}
	if !ok {
		return pr.Item{}, pr.ErrNotStored
	}
	return pr.Item{Value: value, Flags: flags, CAS: cas}, nil
}

func (p *Redis) Add(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	_, ok, err := p.store(ctx, "add", key, value, flags, 0, ttl)
	return ok, err
}

func (p *Redis) Replace(ctx context.Context, key string, value []byte, flags uint32, ttl time.Duration) (bool, error) {
	_, ok, err := p.store(ctx, "replace", key, value, flags, 0, ttl)
	return ok, err
}

func (p *Redis) CAS(ctx context.Context, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (bool, error) {
	_, ok, err := p.store(ctx, "cas", key, value, flags, cas, ttl)
	return ok, err
}

// Incr is bounded by HINCRBY: counters and deltas must fit in int64, and an
// overflowing increment is an error rather than a wrap.
func (p *Redis) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	if delta > math.MaxInt64 {
		return 0, false, fmt.Errorf("redis provider: incr delta %d overflows int64", delta)
	}
	n, err := incrScript.Run(ctx, p.rdb, []string{key}, delta).Int64()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(n), true, nil
}

func (p *Redis) Delete(ctx context.Context, key string, delay time.Duration) error {
	if delay <= 0 {
		return p.rdb.Del(ctx, key).Err()
	}
	return shortenScript.Run(ctx, p.rdb, []string{key}, ttlMillis(delay)).Err()
}

// FlushAll empties the client's current database (FLUSHDB), not the server.
func (p *Redis) FlushAll(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		return pr.ErrDelayedFlush
	}
	return p.rdb.FlushDB(ctx).Err()
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (p *Redis) store(ctx context.Context, mode, key string, value []byte, flags uint32, cas uint64, ttl time.Duration) (uint64, bool, error) {
	res, err := storeScript.Run(ctx, p.rdb, []string{key},
		value, flags, ttlMillis(ttl), mode, strconv.FormatUint(cas, 10)).Text()
	if err == goredis.Nil {
		return 0, false, nil // condition failed
	}
	if err != nil {
		return 0, false, err
	}
	token, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis provider: cas token %q: %w", res, err)
	}
	return token, true, nil
}

func parseItem(key string, vals []interface{}) (pr.Item, bool, error) {
	if len(vals) != 3 || vals[0] == nil {
		return pr.Item{}, false, nil // miss
	}
	v, _ := vals[0].(string)
	fs, _ := vals[1].(string)
	cs, _ := vals[2].(string)
	flags, err := strconv.ParseUint(fs, 10, 32)
	if err != nil {
		return pr.Item{}, false, fmt.Errorf("redis provider: flags of %q: %w", key, err)
	}
	cas, err := strconv.ParseUint(cs, 10, 64)
	if err != nil {
		return pr.Item{}, false, fmt.Errorf("redis provider: cas of %q: %w", key, err)
	}
	return pr.Item{Value: []byte(v), Flags: uint32(flags), CAS: cas}, true, nil
}

// ttlMillis rounds sub-millisecond ttls up so they are not read as "never".
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}
