package listener

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
)

func echoHandler(_ context.Context, query []byte, _ net.IP) []byte {
	out := make([]byte, len(query))
	copy(out, query)
	return out
}

func TestUDPListenerEchoesQuery(t *testing.T) {
	o := obs.New(16)
	l, err := ListenUDP("127.0.0.1:0", echoHandler, o)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	go l.Serve(ctx, &wg)

	conn, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello-query")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("got %q, want %q", buf[:n], payload)
	}
	if o.Stats.UDPQueries.Load() != 1 {
		t.Errorf("UDPQueries = %d, want 1", o.Stats.UDPQueries.Load())
	}
}

func TestTCPListenerFramesResponse(t *testing.T) {
	o := obs.New(16)
	l, err := ListenTCP("127.0.0.1:0", 4, echoHandler, o)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	go l.Serve(ctx, &wg)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello-query")
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	conn.Write(lenBuf[:])
	conn.Write(payload)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respLen := make([]byte, 2)
	if _, err := conn.Read(respLen); err != nil {
		t.Fatalf("read length: %v", err)
	}
	n := binary.BigEndian.Uint16(respLen)
	body := make([]byte, n)
	total := 0
	for total < int(n) {
		k, err := conn.Read(body[total:])
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		total += k
	}
	if string(body) != string(payload) {
		t.Errorf("got %q, want %q", body, payload)
	}
	if o.Stats.TCPQueries.Load() != 1 {
		t.Errorf("TCPQueries = %d, want 1", o.Stats.TCPQueries.Load())
	}
}

// selectiveDelayHandler sleeps only for queries carrying the given marker
// byte, letting a test send a slow query followed by a fast one on the same
// connection and observe which response lands first.
func selectiveDelayHandler(marker byte, delay time.Duration) Handler {
	return func(_ context.Context, query []byte, _ net.IP) []byte {
		if len(query) > 0 && query[0] == marker {
			time.Sleep(delay)
		}
		out := make([]byte, len(query))
		copy(out, query)
		return out
	}
}

func TestTCPListenerCompletesQueriesOutOfOrder(t *testing.T) {
	o := obs.New(16)
	l, err := ListenTCP("127.0.0.1:0", 4, selectiveDelayHandler('S', 150*time.Millisecond), o)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	go l.Serve(ctx, &wg)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeFrame := func(payload []byte) {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
		conn.Write(lenBuf[:])
		conn.Write(payload)
	}
	// Send the slow query first, then the fast one right behind it on the
	// same connection, with no read in between.
	writeFrame([]byte("Sslow-query"))
	writeFrame([]byte("Ffast-query"))

	readFrame := func() []byte {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			t.Fatalf("read length: %v", err)
		}
		n := binary.BigEndian.Uint16(lenBuf)
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		return body
	}

	first := readFrame()
	if string(first) != "Ffast-query" {
		t.Fatalf("first response = %q, want the fast query to complete first (out-of-order completion)", first)
	}
	second := readFrame()
	if string(second) != "Sslow-query" {
		t.Errorf("second response = %q, want the slow query", second)
	}
}

// slowHandler sleeps before answering, standing in for an in-flight upstream
// fetch that is still running when shutdown begins.
func slowHandler(_ context.Context, query []byte, _ net.IP) []byte {
	time.Sleep(100 * time.Millisecond)
	out := make([]byte, len(query))
	copy(out, query)
	return out
}

func TestUDPListenerFinishesInFlightQueryAfterCancel(t *testing.T) {
	o := obs.New(16)
	l, err := ListenUDP("127.0.0.1:0", slowHandler, o)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	go l.Serve(ctx, &wg)

	conn, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello-query")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Cancel while the handler is still sleeping, mirroring Stop() signaling
	// shutdown before every in-flight query has answered. The read loop must
	// stop accepting new datagrams without closing the socket out from under
	// the goroutine still waiting to write.
	time.Sleep(10 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight query did not finish before the wait group drained")
	}
	l.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected the in-flight query's response despite cancellation, got: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("got %q, want %q", buf[:n], payload)
	}
}

// blockingHandler never returns a response, so its connection occupies a
// slot in the listener's semaphore for the whole test.
func blockingHandler(ctx context.Context, _ []byte, _ net.IP) []byte {
	<-ctx.Done()
	return nil
}

func TestTCPListenerClosesConnectionsOverLimit(t *testing.T) {
	o := obs.New(16)
	l, err := ListenTCP("127.0.0.1:0", 1, blockingHandler, o)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	go l.Serve(ctx, &wg)

	holder, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial holder: %v", err)
	}
	defer holder.Close()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], 1)
	holder.Write(lenBuf[:])
	holder.Write([]byte{0})
	time.Sleep(50 * time.Millisecond) // let the accept loop claim the one slot

	over, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial over-limit: %v", err)
	}
	defer over.Close()

	over.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := over.Read(buf); err == nil {
		t.Fatal("expected the over-limit connection to be closed immediately, got a read with no error")
	}
}
