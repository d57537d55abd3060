// Package listener implements the proxy's client-facing UDP and TCP DNS
// transports: framing and I/O only, hand-rolled against
// net.UDPConn/net.TCPListener so the wire codec stays in full control of
// parsing.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
)

const maxUDPMessageSize = 65535

const bindRetries = 5
const bindRetryDelay = 500 * time.Millisecond

// Handler answers one query and returns the complete wire-format response,
// or nil to send nothing (e.g. the query was malformed and dropped).
type Handler func(ctx context.Context, query []byte, clientIP net.IP) []byte

// UDPListener reads one datagram per query and answers on the same socket,
// spawning a goroutine per query so one slow upstream fetch never blocks
// the read loop.
type UDPListener struct {
	conn    *net.UDPConn
	handler Handler
	obs     *obs.Observability
}

// ListenUDP binds addr, retrying on a transient bind error before giving
// up.
func ListenUDP(addr string, handler Handler, o *obs.Observability) (*UDPListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve udp addr %s: %w", addr, err)
	}

	var lastErr error
	for attempt := 0; attempt < bindRetries; attempt++ {
		conn, err := net.ListenUDP("udp", udpAddr)
		if err == nil {
			return &UDPListener{conn: conn, handler: handler, obs: o}, nil
		}
		lastErr = err
		time.Sleep(bindRetryDelay)
	}
	return nil, fmt.Errorf("listener: bind udp %s: %w", addr, lastErr)
}

// Serve runs the read loop until ctx is done, registering every per-query
// handler goroutine on wg so a caller can wait for in-flight queries to
// finish writing their responses before the socket is closed. Serve itself
// returns as soon as reading stops; it does not wait for wg.
func (l *UDPListener) Serve(ctx context.Context, wg *sync.WaitGroup) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		buf := make([]byte, maxUDPMessageSize)
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.obs.Log(obs.LevelWarn, "udp", "read error: %v", err)
			continue
		}
		wg.Add(1)
		go l.handleOne(ctx, buf[:n], addr, wg)
	}
}

func (l *UDPListener) handleOne(ctx context.Context, query []byte, addr *net.UDPAddr, wg *sync.WaitGroup) {
	defer wg.Done()
	l.obs.Stats.UDPQueries.Add(1)
	l.obs.Stats.Total.Add(1)

	resp := l.handler(ctx, query, addr.IP)
	if resp == nil {
		return
	}
	if _, err := l.conn.WriteToUDP(resp, addr); err != nil {
		l.obs.Log(obs.LevelWarn, "udp", "write to %s failed: %v", addr, err)
	}
}

// Close releases the socket immediately, aborting any read or write in
// progress. Callers should only call this once in-flight queries have
// either finished or a shutdown grace period has expired.
func (l *UDPListener) Close() error {
	return l.conn.Close()
}

// Addr returns the bound local address.
func (l *UDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
