// Package ratelimit provides a sharded per-client token bucket, the same
// shape the DNS proxy corpus uses to bound query rate without a global
// lock on every packet.
package ratelimit

import (
	"hash/maphash"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 256

var hasherSeed = maphash.MakeSeed()

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	sync.Mutex
	clients map[string]*clientState
}

// PerClient enforces a QPS/burst budget independently for each client IP,
// evicting entries that have been idle past expiration.
type PerClient struct {
	shards     [shardCount]*limiterShard
	qps        float64
	burst      int
	expiration time.Duration
}

// NewPerClient builds a limiter allowing qps queries per second per client
// IP with the given burst, evicting idle client state after expiration.
func NewPerClient(qps float64, burst int, expiration time.Duration) *PerClient {
	p := &PerClient{qps: qps, burst: burst, expiration: expiration}
	for i := range p.shards {
		p.shards[i] = &limiterShard{clients: make(map[string]*clientState)}
	}
	return p
}

func (p *PerClient) shardFor(key string) *limiterShard {
	var h maphash.Hash
	h.SetSeed(hasherSeed)
	h.WriteString(key)
	return p.shards[h.Sum64()&(shardCount-1)]
}

// Allow reports whether a query from ip may proceed. A nil ip is always
// allowed, matching connectionless transports where the source could not
// be determined.
func (p *PerClient) Allow(ip net.IP) bool {
	if p.qps <= 0 || ip == nil {
		return true
	}

	key := ip.String()
	sh := p.shardFor(key)

	sh.Lock()
	st, ok := sh.clients[key]
	if !ok {
		st = &clientState{limiter: rate.NewLimiter(rate.Limit(p.qps), p.burst)}
		sh.clients[key] = st
	}
	st.lastSeen = time.Now()
	allowed := st.limiter.Allow()
	sh.Unlock()

	return allowed
}

// Cleanup removes client state idle longer than expiration; callers run it
// periodically from a background goroutine.
func (p *PerClient) Cleanup() {
	if p.expiration <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.expiration)
	for _, sh := range p.shards {
		sh.Lock()
		for k, st := range sh.clients {
			if st.lastSeen.Before(cutoff) {
				delete(sh.clients, k)
			}
		}
		sh.Unlock()
	}
}
