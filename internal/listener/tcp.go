package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
)

const tcpIdleTimeout = 10 * time.Second

// TCPListener accepts DNS-over-TCP connections framed per RFC 1035 4.2.2 (a
// 2-byte big-endian length prefix before each message), bounding
// concurrent connections with a semaphore.
type TCPListener struct {
	ln      net.Listener
	handler Handler
	obs     *obs.Observability
	sem     chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ListenTCP binds addr, retrying on failure, and accepts at most
// clientLimit connections concurrently.
func ListenTCP(addr string, clientLimit int, handler Handler, o *obs.Observability) (*TCPListener, error) {
	if clientLimit <= 0 {
		clientLimit = 20
	}

	var lastErr error
	for attempt := 0; attempt < bindRetries; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return &TCPListener{
				ln:      ln,
				handler: handler,
				obs:     o,
				sem:     make(chan struct{}, clientLimit),
				conns:   make(map[net.Conn]struct{}),
			}, nil
		}
		lastErr = err
		time.Sleep(bindRetryDelay)
	}
	return nil, fmt.Errorf("listener: bind tcp %s: %w", addr, lastErr)
}

// Serve accepts connections until ctx is done or the listener errors,
// closing (not accepting) connections beyond the configured client limit
// immediately, and registering every accepted connection's handler
// goroutine on wg so a caller can wait for in-flight queries to finish.
// Serve itself returns as soon as accepting stops; it does not wait for wg.
func (l *TCPListener) Serve(ctx context.Context, wg *sync.WaitGroup) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.obs.Log(obs.LevelWarn, "tcp", "accept error: %v", err)
			continue
		}

		select {
		case l.sem <- struct{}{}:
		default:
			conn.Close()
			l.obs.Log(obs.LevelDebug, "tcp", "connection limit reached, closing %s", conn.RemoteAddr())
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() { <-l.sem }()
			l.handleConn(ctx, c, wg)
		}(conn)
	}
}

// handleConn reads length-prefixed messages off conn until it idles out or
// the client closes it. Each message is dispatched to l.handler on its own
// goroutine so a slow query never blocks the ones behind it on the read
// side; only the write side is serialized (writeMu), so responses land on
// the wire as their own handler completes rather than in read order.
func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn, wg *sync.WaitGroup) {
	l.trackConn(conn, true)
	defer l.trackConn(conn, false)

	clientIP := ipFromAddr(conn.RemoteAddr())
	var writeMu sync.Mutex
	var inFlight sync.WaitGroup

	for {
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))

		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			break
		}
		size := binary.BigEndian.Uint16(lenBuf[:])
		if size == 0 {
			break
		}

		query := make([]byte, size)
		if _, err := io.ReadFull(conn, query); err != nil {
			break
		}

		l.obs.Stats.TCPQueries.Add(1)
		l.obs.Stats.Total.Add(1)

		wg.Add(1)
		inFlight.Add(1)
		go func(q []byte) {
			defer wg.Done()
			defer inFlight.Done()

			resp := l.handler(ctx, q, clientIP)
			if resp == nil {
				return
			}

			out := make([]byte, 2+len(resp))
			binary.BigEndian.PutUint16(out[:2], uint16(len(resp)))
			copy(out[2:], resp)

			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(tcpIdleTimeout))
			conn.Write(out)
		}(query)
	}

	// Let every already-dispatched query finish writing its response
	// before the connection is torn down.
	inFlight.Wait()
	conn.Close()
}

func (l *TCPListener) trackConn(conn net.Conn, add bool) {
	l.mu.Lock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
	l.mu.Unlock()
}

func ipFromAddr(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}

// Close stops accepting and force-closes every still-open connection.
// Callers should only call this once in-flight queries have either
// finished or a shutdown grace period has expired.
func (l *TCPListener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	return err
}

// Addr returns the bound local address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
