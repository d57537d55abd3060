// Package dohclient exchanges DNS wire messages with a single DNS-over-HTTPS
// resolver over a long-lived, connection-pooled HTTP client, pinning
// outbound connections to the bootstrap-resolved IP set while keeping the
// configured hostname as the TLS SNI.
package dohclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/proxy"

	"github.com/sms1sis/https-dns-proxy-go/internal/config"
)

const dnsMessageContentType = "application/dns-message"

// IPSource supplies the current bootstrap-resolved address set for the
// upstream hostname. A nil or empty snapshot falls back to normal system
// resolution for that dial.
type IPSource interface {
	Snapshot() []net.IP
}

// Client sends already-framed DNS messages to one configured DoH resolver
// and returns the raw response body. Callers are responsible for the
// query/response id: Exchange sends the bytes given to it unmodified.
type Client struct {
	resolverURL string
	host        string
	method      string
	maxRetries  int
	timeout     time.Duration
	httpClient  *http.Client
}

// New builds a Client from cfg, pinning outbound connections to addresses
// from ips whenever a snapshot is available. sourceAddr, if non-empty,
// binds every outbound connection (HTTP/1.1, HTTP/2, and HTTP/3) to that
// local address.
func New(cfg config.UpstreamConfig, sourceAddr string, ips IPSource) (*Client, error) {
	u, err := url.Parse(cfg.ResolverURL)
	if err != nil {
		return nil, fmt.Errorf("dohclient: parse resolver_url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("dohclient: resolver_url must be https")
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if sourceAddr != "" {
		local, err := resolveLocalAddr(sourceAddr)
		if err != nil {
			return nil, fmt.Errorf("dohclient: source_addr: %w", err)
		}
		dialer.LocalAddr = local
	}
	pinnedDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			port = "443"
		}
		snap := ips.Snapshot()
		if len(snap) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		target := snap[rand.Intn(len(snap))]
		return dialer.DialContext(ctx, network, net.JoinHostPort(target.String(), port))
	}

	tlsConf := &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	if cfg.CAPath != "" {
		pool, err := loadCAPool(cfg.CAPath)
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = pool
	}

	maxIdleTime := time.Duration(cfg.MaxIdleTime) * time.Second
	connLossTime := time.Duration(cfg.ConnLossTime) * time.Second

	var rt http.RoundTripper
	switch cfg.HTTPVersion {
	case config.HTTPForce3:
		rt = &http3.RoundTripper{
			TLSClientConfig: tlsConf,
			QuicConfig: &quic.Config{
				KeepAlivePeriod: 15 * time.Second,
				MaxIdleTimeout:  maxIdleTime,
			},
			Dial: func(ctx context.Context, addr string, tc *tls.Config, qc *quic.Config) (quic.EarlyConnection, error) {
				_, port, err := net.SplitHostPort(addr)
				if err != nil {
					port = "443"
				}
				target := u.Hostname()
				if snap := ips.Snapshot(); len(snap) > 0 {
					target = snap[rand.Intn(len(snap))].String()
				}
				remote := net.JoinHostPort(target, port)

				if sourceAddr == "" {
					return quic.DialAddrEarly(ctx, remote, tc, qc)
				}
				localUDP, err := resolveLocalUDPAddr(sourceAddr)
				if err != nil {
					return nil, err
				}
				remoteUDP, err := net.ResolveUDPAddr("udp", remote)
				if err != nil {
					return nil, err
				}
				pconn, err := net.ListenUDP("udp", localUDP)
				if err != nil {
					return nil, err
				}
				return quic.DialEarly(ctx, pconn, remoteUDP, tc, qc)
			},
		}
	default:
		transport := &http.Transport{
			DialContext:         pinnedDial,
			TLSClientConfig:     tlsConf,
			ForceAttemptHTTP2:   cfg.HTTPVersion != config.HTTPForce11,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     maxIdleTime,
		}
		if cfg.HTTPVersion == config.HTTPForce11 {
			transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
		}
		if cfg.ProxyServer != "" {
			if err := applyProxy(transport, cfg.ProxyServer, dialer); err != nil {
				return nil, err
			}
		}
		rt = transport
	}

	method := strings.ToUpper(cfg.DOHMethod)
	if method == "" {
		method = http.MethodPost
	}

	return &Client{
		resolverURL: cfg.ResolverURL,
		host:        u.Hostname(),
		method:      method,
		maxRetries:  maxOr(cfg.MaxRetries, 3),
		timeout:     connLossTime,
		httpClient:  &http.Client{Transport: rt},
	}, nil
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// resolveLocalAddr parses a bare IP or IP:port source address into a TCP
// local address, defaulting to an ephemeral port when none is given.
func resolveLocalAddr(sourceAddr string) (*net.TCPAddr, error) {
	ip, port, err := splitSourceAddr(sourceAddr)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// resolveLocalUDPAddr parses a bare IP or IP:port source address into a UDP
// local address, for binding the HTTP/3 QUIC socket.
func resolveLocalUDPAddr(sourceAddr string) (*net.UDPAddr, error) {
	ip, port, err := splitSourceAddr(sourceAddr)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// applyProxy configures transport to route through proxyServer, an
// http://, https://, or socks5:// URL.
func applyProxy(transport *http.Transport, proxyServer string, dialer *net.Dialer) error {
	pu, err := url.Parse(proxyServer)
	if err != nil {
		return fmt.Errorf("dohclient: parse proxy_server: %w", err)
	}
	switch pu.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(pu)
	case "socks5":
		pd, err := proxy.SOCKS5("tcp", pu.Host, nil, dialer)
		if err != nil {
			return fmt.Errorf("dohclient: proxy dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return pd.Dial(network, addr)
		}
	default:
		return fmt.Errorf("dohclient: unsupported proxy_server scheme %q (want http, https, or socks5)", pu.Scheme)
	}
	return nil
}

func splitSourceAddr(sourceAddr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(sourceAddr)
	if err != nil {
		host, portStr = sourceAddr, "0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("invalid source address %q", sourceAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid source address port in %q: %w", sourceAddr, err)
	}
	return ip, port, nil
}

// Exchange sends msg (a complete, already id-normalized DNS wire message)
// to the configured resolver and returns the response body on a 200 with
// the correct content type. It makes at most maxRetries attempts in total
// (the first one included), with exponential backoff between them, on
// network errors and 5xx responses; a 4xx or a malformed response is
// returned immediately without retry.
func (c *Client) Exchange(ctx context.Context, msg []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		body, err := c.attempt(ctx, msg)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
		jitter := time.Duration(rand.Intn(101)-50) * time.Millisecond
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return nil, &TimeoutError{}
		}
	}

	return nil, lastErr
}

func retryable(err error) bool {
	switch e := err.(type) {
	case *NetworkError:
		return true
	case *UpstreamStatus:
		return e.Code >= 500
	default:
		return false
	}
}

func (c *Client) attempt(ctx context.Context, msg []byte) ([]byte, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.buildRequest(reqCtx, msg)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A per-attempt deadline (reqCtx, derived from c.timeout) expiring
		// is a network-level timeout like any other and gets another
		// attempt. Only the caller's own ctx being done means the overall
		// exchange is out of time, and that's not worth retrying.
		if ctx.Err() != nil {
			return nil, &TimeoutError{}
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamStatus{Code: resp.StatusCode}
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, dnsMessageContentType) {
		return nil, &UpstreamProtocolError{Reason: fmt.Sprintf("unexpected content-type %q", ct)}
	}
	if len(body) < 12 {
		return nil, &UpstreamProtocolError{Reason: "response shorter than a DNS header"}
	}

	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	if c.method == http.MethodGet {
		encoded := base64.RawURLEncoding.EncodeToString(msg)
		u, err := url.Parse(c.resolverURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("dns", encoded)
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", dnsMessageContentType)
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolverURL, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsMessageContentType)
	req.Header.Set("Accept", dnsMessageContentType)
	req.ContentLength = int64(len(msg))
	return req, nil
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dohclient: read ca_path: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("dohclient: no certificates found in %s", path)
	}
	return pool, nil
}
