// Package supervisor assembles the wire codec, cache, bootstrap resolver,
// DoH client, rate limiter and listeners into the running proxy: start
// listeners, start background maintenance, and, when Stop is called, shut
// everything down within a bounded grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sms1sis/https-dns-proxy-go/internal/bootstrap"
	"github.com/sms1sis/https-dns-proxy-go/internal/cache"
	"github.com/sms1sis/https-dns-proxy-go/internal/config"
	"github.com/sms1sis/https-dns-proxy-go/internal/dohclient"
	"github.com/sms1sis/https-dns-proxy-go/internal/listener"
	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
	"github.com/sms1sis/https-dns-proxy-go/internal/ratelimit"
	"github.com/sms1sis/https-dns-proxy-go/internal/wire"
)

// ErrBindFailed is returned when either the UDP or the TCP listener could
// not bind after retrying.
var ErrBindFailed = errors.New("supervisor: failed to bind listener")

const shutdownGracePeriod = 5 * time.Second

// Handle is the running proxy: everything Start assembled, and the means
// to stop it.
type Handle struct {
	cfg *config.Config
	obs *obs.Observability

	cache    *cache.Cache
	resolver *bootstrap.Resolver
	client   *dohclient.Client
	limiter  *ratelimit.PerClient

	udp *listener.UDPListener
	tcp *listener.TCPListener

	hostname string

	// ctx drives the listener accept loops and the background refresh/
	// heartbeat/cleanup loops; Stop cancels it immediately.
	cancel context.CancelFunc

	// queryCtx is what per-query handling (the DoH exchange) actually runs
	// under. It is only cancelled once Stop's bounded wait resolves, so an
	// in-flight exchange gets the full grace period rather than dying the
	// instant shutdown begins.
	queryCtx    context.Context
	cancelQuery context.CancelFunc

	wg sync.WaitGroup
}

// Start loads no configuration itself (cfg is already parsed) and brings
// up every collaborator: an initial bootstrap resolution (which must
// succeed once before serving begins), the DoH client pinned to that
// resolution, the cache, the rate limiter, and both listeners.
func Start(cfg *config.Config, o *obs.Observability) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	queryCtx, cancelQuery := context.WithCancel(context.Background())
	abort := func() {
		cancel()
		cancelQuery()
	}

	u, err := url.Parse(cfg.Upstream.ResolverURL)
	if err != nil {
		abort()
		return nil, fmt.Errorf("supervisor: parse resolver_url: %w", err)
	}
	hostname := u.Hostname()

	resolver := bootstrap.New(cfg.Bootstrap.Servers, cfg.Bootstrap.ForceIPv4)
	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := resolver.Resolve(bootstrapCtx, hostname); err != nil {
		bootstrapCancel()
		abort()
		return nil, fmt.Errorf("supervisor: initial bootstrap resolution: %w", err)
	}
	bootstrapCancel()

	client, err := dohclient.New(cfg.Upstream, cfg.Server.SourceAddr, resolver)
	if err != nil {
		abort()
		return nil, err
	}

	h := &Handle{
		cfg:         cfg,
		obs:         o,
		cache:       cache.New(time.Duration(cfg.Cache.MaxTTLSeconds) * time.Second),
		resolver:    resolver,
		client:      client,
		hostname:    hostname,
		cancel:      cancel,
		queryCtx:    queryCtx,
		cancelQuery: cancelQuery,
	}

	if cfg.RateLimit.Enabled {
		h.limiter = ratelimit.NewPerClient(
			cfg.RateLimit.QPS,
			cfg.RateLimit.Burst,
			time.Duration(cfg.RateLimit.ClientExpirySec)*time.Second,
		)
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.ListenPort)

	udp, err := listener.ListenUDP(listenAddr, h.handleQuery, o)
	if err != nil {
		abort()
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	h.udp = udp

	tcp, err := listener.ListenTCP(listenAddr, cfg.Server.TCPClientLimit, h.handleQuery, o)
	if err != nil {
		udp.Close()
		abort()
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	h.tcp = tcp

	h.wg.Add(2)
	go func() { defer h.wg.Done(); h.udp.Serve(ctx, &h.wg) }()
	go func() { defer h.wg.Done(); h.tcp.Serve(ctx, &h.wg) }()

	pollInterval := time.Duration(cfg.Bootstrap.PollingInterval) * time.Second
	h.wg.Add(1)
	go func() { defer h.wg.Done(); bootstrap.RunRefreshLoop(ctx, resolver, hostname, pollInterval, o) }()

	if cfg.RateLimit.Enabled {
		h.wg.Add(1)
		go func() { defer h.wg.Done(); h.runLimiterCleanup(ctx) }()
	}

	if cfg.Heartbeat.Enabled {
		h.wg.Add(1)
		go func() { defer h.wg.Done(); h.runHeartbeat(ctx) }()
	}

	o.Log(obs.LevelInfo, "supervisor", "listening on %s (udp+tcp), upstream %s", listenAddr, cfg.Upstream.ResolverURL)
	return h, nil
}

// handleQuery is the per-query pipeline shared by both listeners: parse,
// rate-limit, cache-or-fetch, rewrite id, respond. A nil return means the
// query is dropped with no response. It deliberately ignores the ctx the
// listener hands it (that's the accept-loop context, cancelled the instant
// shutdown begins) and runs the upstream exchange under h.queryCtx instead,
// so an in-flight fetch gets the shutdown grace period rather than being
// aborted immediately. A panic while handling the query is recovered,
// counted as an error, and the query is dropped.
func (h *Handle) handleQuery(_ context.Context, raw []byte, clientIP net.IP) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.obs.Stats.Errors.Add(1)
			h.obs.Log(obs.LevelError, "supervisor", "panic while handling query: %v", r)
			out = nil
		}
	}()

	start := time.Now()

	q, err := wire.ParseQuery(raw)
	if err != nil {
		h.obs.Stats.Malformed.Add(1)
		return nil
	}

	if h.limiter != nil && !h.limiter.Allow(clientIP) {
		h.obs.Log(obs.LevelDebug, "ratelimit", "dropped query from %s", clientIP)
		return nil
	}

	fetch := func() ([]byte, error) {
		normalized := make([]byte, len(raw))
		copy(normalized, raw)
		wire.RewriteID(normalized, 0)

		h.obs.Stats.UpstreamRequests.Add(1)
		return h.client.Exchange(h.queryCtx, normalized)
	}

	result, err := h.cache.Resolve(q.Fingerprint, fetch)
	if err != nil {
		h.obs.Stats.Errors.Add(1)
		h.obs.Log(obs.LevelWarn, "upstream", "exchange for %s failed: %v", q.QName, err)
		return wire.BuildServfail(raw, q)
	}

	if result.Hit {
		h.obs.Stats.CacheHits.Add(1)
	}

	resp := result.Bytes
	wire.RewriteID(resp, q.ID)

	latency := time.Since(start)
	h.obs.Stats.RecordLatency(latency)
	h.obs.RecordQuery(obs.QueryLogEntry{
		Time:      start,
		ClientIP:  clientIP.String(),
		QName:     q.QName,
		QType:     q.QType,
		CacheHit:  result.Hit,
		LatencyMs: latency.Milliseconds(),
	})

	return resp
}

func (h *Handle) runLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.limiter.Cleanup()
		}
	}
}

func (h *Handle) runHeartbeat(ctx context.Context) {
	interval := time.Duration(h.cfg.Heartbeat.Interval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	domain := h.cfg.Heartbeat.Domain
	if domain == "" {
		domain = h.hostname
	}
	query := heartbeatQuery(domain)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			_, err := h.client.Exchange(ctx, query)
			if err != nil {
				h.obs.Log(obs.LevelWarn, "heartbeat", "query for %s failed: %v", domain, err)
				h.obs.Stats.Errors.Add(1)
				continue
			}
			h.obs.Stats.RecordLatency(time.Since(start))
		}
	}
}

// Snapshot returns a point-in-time view of proxy counters.
func (h *Handle) Snapshot() obs.Snapshot {
	return h.obs.Stats.Snapshot()
}

// ClearCache drops every cached entry immediately.
func (h *Handle) ClearCache() {
	h.cache.InvalidateAll()
}

// Stop cancels the listener accept loops and the background refresh/
// heartbeat/cleanup loops immediately, then waits up to a bounded grace
// period for in-flight queries to finish. The listener sockets and the
// per-query context stay live for the duration of that wait, so an
// in-flight exchange can still complete and write its response; both are
// only force-closed/cancelled once the wait resolves, whether that's
// because everything finished or because the grace period ran out.
func (h *Handle) Stop() error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		timedOut = true
	}

	h.cancelQuery()
	h.udp.Close()
	h.tcp.Close()
	h.client.Close()

	if timedOut {
		return fmt.Errorf("supervisor: shutdown grace period exceeded")
	}
	return nil
}
