package bootstrap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// fakeServer answers every A/AAAA query for a fixed hostname with a fixed
// IP set on a local UDP socket, mimicking a bootstrap DNS server.
func fakeServer(t *testing.T, ips []net.IP) (addr string, closeFn func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		buf := make([]byte, 512)
		for {
			n, src, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) > 0 {
				q := req.Question[0]
				for _, ip := range ips {
					if q.Qtype == dns.TypeA && ip.To4() != nil {
						resp.Answer = append(resp.Answer, &dns.A{
							Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
							A:   ip.To4(),
						})
					}
					if q.Qtype == dns.TypeAAAA && ip.To4() == nil {
						resp.Answer = append(resp.Answer, &dns.AAAA{
							Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
							AAAA: ip,
						})
					}
				}
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			pc.WriteTo(out, src)
		}
	}()

	return pc.LocalAddr().String(), func() { pc.Close() }
}

func TestResolveUnionsAcrossServers(t *testing.T) {
	addr1, close1 := fakeServer(t, []net.IP{net.ParseIP("1.2.3.4")})
	defer close1()
	addr2, close2 := fakeServer(t, []net.IP{net.ParseIP("5.6.7.8")})
	defer close2()

	r := New([]string{addr1, addr2}, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ips, err := r.Resolve(ctx, "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := map[string]bool{}
	for _, ip := range ips {
		got[ip.String()] = true
	}
	if !got["1.2.3.4"] || !got["5.6.7.8"] {
		t.Errorf("union missing entries: %v", ips)
	}
}

func TestResolveFallsBackOnTotalFailure(t *testing.T) {
	addr, closeFn := fakeServer(t, []net.IP{net.ParseIP("9.9.9.9")})

	r := New([]string{addr}, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := r.Resolve(ctx, "example.com"); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}
	closeFn()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	ips, err := r.Resolve(ctx2, "example.com")
	if err != nil {
		t.Fatalf("resolve after server down should fall back: %v", err)
	}
	if len(ips) != 1 || ips[0].String() != "9.9.9.9" {
		t.Errorf("fallback ips = %v, want prior snapshot", ips)
	}
}

func TestResolveNoServersConfigured(t *testing.T) {
	r := New(nil, true)
	if _, err := r.Resolve(context.Background(), "example.com"); err != ErrNoServers {
		t.Fatalf("err = %v, want ErrNoServers", err)
	}
}
