// Package cache implements the TTL-aware response cache with in-flight
// single-flight coalescing described for the DoH forwarding core: at most
// one entry per fingerprint, and at most one concurrent upstream request
// per fingerprint.
package cache

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sms1sis/https-dns-proxy-go/internal/wire"
)

const shardCount = 256

var hasherSeed = maphash.MakeSeed()

type entry struct {
	bytes      []byte
	expiresAt  time.Time
	generation uint64
	hitCount   uint64
}

type shard struct {
	sync.RWMutex
	items map[string]*entry
}

// Cache maps a fingerprint to at most one non-expired response and
// coalesces concurrent misses for the same fingerprint into one call to
// the supplied fetch function.
type Cache struct {
	shards [shardCount]*shard
	groups [shardCount]singleflight.Group

	maxTTL     time.Duration
	generation atomic.Uint64
}

// New builds an empty cache. maxTTL, if non-zero, clamps every inserted
// entry's TTL.
func New(maxTTL time.Duration) *Cache {
	c := &Cache{maxTTL: maxTTL}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shardFor(key string) (*shard, int) {
	var h maphash.Hash
	h.SetSeed(hasherSeed)
	h.WriteString(key)
	idx := h.Sum64() & (shardCount - 1)
	return c.shards[idx], int(idx)
}

// Result reports whether Resolve served bytes from cache or drove an
// upstream fetch (as leader or subscriber).
type Result struct {
	Bytes []byte
	Hit   bool
}

// Resolve looks up fp; on a live hit it returns the cached bytes
// (id still zeroed). On a miss, it coalesces concurrent callers sharing fp
// into a single call to fetch and inserts the result (subject to TTL
// rules) before returning it to every caller. fetch must return DNS wire
// bytes with id=0, exactly as received from the upstream.
func (c *Cache) Resolve(fp wire.Fingerprint, fetch func() ([]byte, error)) (Result, error) {
	key := fp.Key()
	sh, idx := c.shardFor(key)

	if bytes, ok := c.lookup(sh, key); ok {
		return Result{Bytes: bytes, Hit: true}, nil
	}

	gen := c.generation.Load()
	v, err, _ := c.groups[idx].Do(key, func() (any, error) {
		b, err := fetch()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		wire.RewriteID(out, 0)
		c.insert(key, out, gen)
		return out, nil
	})
	if err != nil {
		return Result{}, err
	}
	shared := v.([]byte)
	out := make([]byte, len(shared))
	copy(out, shared)
	return Result{Bytes: out, Hit: false}, nil
}

func (c *Cache) lookup(sh *shard, key string) ([]byte, bool) {
	sh.RLock()
	e, ok := sh.items[key]
	if !ok {
		sh.RUnlock()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		sh.RUnlock()
		sh.Lock()
		if cur, ok := sh.items[key]; ok && cur == e {
			delete(sh.items, key)
		}
		sh.Unlock()
		return nil, false
	}
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	sh.RUnlock()
	atomic.AddUint64(&e.hitCount, 1)
	return out, true
}

// insert stores bytes for key if its response's min-TTL (falling back to
// SOA MINIMUM for a negative response with an empty answer section) is
// greater than zero, and the cache has not been invalidated since gen was
// captured.
func (c *Cache) insert(key string, bytes []byte, gen uint64) {
	if c.generation.Load() != gen {
		return
	}

	ttl, ok := wire.MinTTL(bytes)
	if !ok {
		ttl, ok = wire.SOAMinTTL(bytes)
	}
	if !ok || ttl == 0 {
		return
	}

	d := time.Duration(ttl) * time.Second
	if c.maxTTL > 0 && d > c.maxTTL {
		d = c.maxTTL
	}

	sh, _ := c.shardFor(key)
	sh.Lock()
	sh.items[key] = &entry{
		bytes:      bytes,
		expiresAt:  time.Now().Add(d),
		generation: gen,
	}
	sh.Unlock()
}

// InvalidateAll drops every cached entry. In-flight requests are not
// cancelled, but their results will fail the generation check in insert
// and will not repopulate the cache.
func (c *Cache) InvalidateAll() {
	c.generation.Add(1)
	for _, sh := range c.shards {
		sh.Lock()
		sh.items = make(map[string]*entry)
		sh.Unlock()
	}
}

// Sweep removes expired entries; callers typically run it on a ticker.
func (c *Cache) Sweep() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.Lock()
		for k, e := range sh.items {
			if now.After(e.expiresAt) {
				delete(sh.items, k)
			}
		}
		sh.Unlock()
	}
}

// Len returns the total number of stored entries across all shards,
// including expired ones not yet removed by Sweep or a lookup, for
// diagnostics.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.RLock()
		n += len(sh.items)
		sh.RUnlock()
	}
	return n
}
