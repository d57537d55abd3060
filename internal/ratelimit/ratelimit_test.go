package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestAllowEnforcesBurstThenRefills(t *testing.T) {
	p := NewPerClient(10, 2, time.Minute)
	ip := net.ParseIP("192.0.2.1")

	if !p.Allow(ip) {
		t.Fatal("first query should be allowed")
	}
	if !p.Allow(ip) {
		t.Fatal("second query within burst should be allowed")
	}
	if p.Allow(ip) {
		t.Fatal("third immediate query should exceed burst")
	}

	// At 10 qps one token refills every 100ms.
	time.Sleep(150 * time.Millisecond)
	if !p.Allow(ip) {
		t.Fatal("query after the refill interval should be allowed")
	}
}

func TestAllowIsPerClient(t *testing.T) {
	p := NewPerClient(1, 1, time.Minute)
	a := net.ParseIP("192.0.2.1")
	b := net.ParseIP("192.0.2.2")

	if !p.Allow(a) {
		t.Fatal("a's first query should be allowed")
	}
	if !p.Allow(b) {
		t.Fatal("b's first query should be allowed independently of a")
	}
}

func TestAllowZeroQPSDisablesLimiting(t *testing.T) {
	p := NewPerClient(0, 0, time.Minute)
	ip := net.ParseIP("192.0.2.1")
	for i := 0; i < 100; i++ {
		if !p.Allow(ip) {
			t.Fatalf("query %d should be allowed when qps=0", i)
		}
	}
}

func TestAllowNilIPAlwaysAllowed(t *testing.T) {
	p := NewPerClient(1, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if !p.Allow(nil) {
			t.Fatalf("query %d with nil ip should be allowed", i)
		}
	}
}

func TestCleanupRemovesIdleClients(t *testing.T) {
	p := NewPerClient(1, 1, time.Millisecond)
	ip := net.ParseIP("192.0.2.1")
	p.Allow(ip)

	time.Sleep(5 * time.Millisecond)
	p.Cleanup()

	sh := p.shardFor(ip.String())
	sh.Lock()
	_, exists := sh.clients[ip.String()]
	sh.Unlock()
	if exists {
		t.Fatal("expected idle client state to be evicted")
	}
}
