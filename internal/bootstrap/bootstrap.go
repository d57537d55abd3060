// Package bootstrap resolves a DoH hostname over plaintext DNS, since the
// proxy is frequently the only stub resolver the host has, and keeps the
// resolved set fresh with a background refresh loop.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
)

// ErrNoServers is returned when no bootstrap servers are configured.
var ErrNoServers = errors.New("bootstrap: no servers configured")

const queryTimeout = 2 * time.Second

// Resolver resolves one hostname against a fixed set of plaintext DNS
// servers and exposes the result as a linearizable snapshot: readers see
// either the old set in full or the new set in full, never a mixture.
type Resolver struct {
	servers   []string
	forceIPv4 bool
	client    *dns.Client

	snapshot atomic.Pointer[[]net.IP]
}

// New builds a Resolver over servers (host:port form). forceIPv4
// suppresses AAAA queries.
func New(servers []string, forceIPv4 bool) *Resolver {
	return &Resolver{
		servers:   servers,
		forceIPv4: forceIPv4,
		client:    &dns.Client{Net: "udp", Timeout: queryTimeout},
	}
}

// Snapshot returns the most recently resolved IP set, or nil if Resolve
// has never succeeded.
func (r *Resolver) Snapshot() []net.IP {
	p := r.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Resolve issues A (and, unless forceIPv4, AAAA) queries to every
// configured server in parallel and returns the union of every answer
// received. On total failure it returns the previous successful result if
// one exists, otherwise a hard error. On any success, the result also
// becomes the new Snapshot.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	if len(r.servers) == 0 {
		return nil, ErrNoServers
	}

	qtypes := []uint16{dns.TypeA}
	if !r.forceIPv4 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	type outcome struct {
		ips []net.IP
		err error
	}
	results := make(chan outcome, len(r.servers)*len(qtypes))

	var total int
	for _, server := range r.servers {
		for _, qtype := range qtypes {
			total++
			go func(server string, qtype uint16) {
				ips, err := r.queryOne(ctx, server, hostname, qtype)
				results <- outcome{ips: ips, err: err}
			}(server, qtype)
		}
	}

	seen := make(map[string]net.IP)
	var lastErr error
	successes := 0
	for i := 0; i < total; i++ {
		res := <-results
		if res.err != nil {
			lastErr = res.err
			continue
		}
		successes++
		for _, ip := range res.ips {
			seen[ip.String()] = ip
		}
	}

	if successes == 0 {
		if prev := r.Snapshot(); prev != nil {
			return prev, nil
		}
		if lastErr == nil {
			lastErr = errors.New("no bootstrap server returned an answer")
		}
		return nil, fmt.Errorf("bootstrap: all servers failed: %w", lastErr)
	}

	union := make([]net.IP, 0, len(seen))
	for _, ip := range seen {
		union = append(union, ip)
	}
	r.snapshot.Store(&union)
	return union, nil
}

func (r *Resolver) queryOne(ctx context.Context, server, hostname string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), qtype)

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", server, err)
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%s: no A/AAAA records for %s", server, hostname)
	}
	return ips, nil
}

// RunRefreshLoop re-resolves hostname every interval until ctx is done. A
// refresh failure is logged and counted but never removes a previously
// pinned snapshot: Resolve already falls back to the prior result.
func RunRefreshLoop(ctx context.Context, r *Resolver, hostname string, interval time.Duration, o *obs.Observability) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev := r.Snapshot()
			ips, err := r.Resolve(ctx, hostname)
			if err == nil && len(prev) > 0 && len(ips) > 0 && &ips[0] == &prev[0] {
				// Resolve handed back the prior snapshot itself: every
				// server failed and the old set stays in force.
				err = errors.New("all servers failed, keeping previous set")
			}
			if err != nil {
				o.Log(obs.LevelWarn, "bootstrap", "refresh failed for %s: %v", hostname, err)
				o.Stats.Errors.Add(1)
				continue
			}
			o.Log(obs.LevelDebug, "bootstrap", "refreshed %s -> %v", hostname, ips)
		}
	}
}
