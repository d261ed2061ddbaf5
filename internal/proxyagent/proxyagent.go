// Package proxyagent turns an account's proxy descriptor into a dialer
// usable by the transport layer (spec §4.2). SOCKS5 goes through
// golang.org/x/net/proxy; HTTP/HTTPS proxies are dialed manually with a raw
// CONNECT handshake since net/http's ProxyURL only cooperates with
// Transport, not a bare net.Conn. Cache-by-descriptor and the credential
// masking helper follow the cache+mutex and maskToken idioms of
// internal/auth/token/manager.go.
package proxyagent

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/pysugar/claude-relay/internal/models"
)

// Dialer produces a connection to addr (host:port), through the proxy it
// was built for.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type funcDialer func(ctx context.Context, network, addr string) (net.Conn, error)

func (f funcDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// DirectDialer is the zero-proxy fallback: a plain net.Dialer with the
// keep-alive settings the rest of this package applies to proxied dials.
var DirectDialer Dialer = funcDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, network, addr)
})

// Factory builds and caches Dialers for proxy descriptors, keyed by
// type://host:port:user so two accounts behind the same proxy share a
// dialer instead of rebuilding one per request.
type Factory struct {
	preferIPv4 bool

	mu      sync.Mutex
	dialers map[string]Dialer
}

// NewFactory constructs a Factory. preferIPv4 is the configured IPv4/IPv6
// preference (spec §4.2) and applies to every dialer the factory builds;
// descriptors carry no per-proxy address-family override.
func NewFactory(preferIPv4 bool) *Factory {
	return &Factory{preferIPv4: preferIPv4, dialers: make(map[string]Dialer)}
}

// ErrNoProxy is returned by Validate for a nil/empty descriptor; callers
// should use DirectDialer in that case rather than treating it as failure.
var ErrNoProxy = fmt.Errorf("proxyagent: no proxy configured")

// Validate checks a descriptor's shape (spec §4.2 edge case: malformed
// descriptor rejected before any dial attempt).
func Validate(d *models.ProxyDescriptor) error {
	if d == nil {
		return ErrNoProxy
	}
	switch d.Type {
	case "socks5", "http", "https":
	default:
		return fmt.Errorf("proxyagent: unsupported proxy type %q", d.Type)
	}
	if d.Host == "" {
		return fmt.Errorf("proxyagent: proxy host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("proxyagent: proxy port %d out of range", d.Port)
	}
	return nil
}

// Get returns the cached Dialer for d, building and caching one on first
// use. A nil descriptor yields a direct dialer honoring f.preferIPv4.
func (f *Factory) Get(d *models.ProxyDescriptor) (Dialer, error) {
	if d == nil {
		return f.directDialer(), nil
	}
	if err := Validate(d); err != nil {
		return nil, err
	}

	key := cacheKey(d)

	f.mu.Lock()
	defer f.mu.Unlock()

	if dialer, ok := f.dialers[key]; ok {
		return dialer, nil
	}

	dialer, err := f.build(d)
	if err != nil {
		return nil, err
	}
	f.dialers[key] = dialer
	return dialer, nil
}

// preferredNetwork rewrites "tcp" to "tcp4" when preferIPv4 is set (spec
// §4.2); Go's dialer otherwise races both address families per RFC 6555
// and may settle on either.
func preferredNetwork(preferIPv4 bool, network string) string {
	if preferIPv4 && network == "tcp" {
		return "tcp4"
	}
	return network
}

// directDialer returns a zero-proxy Dialer honoring f.preferIPv4, built
// fresh per call since it's cheap (a struct literal, no handshake) and
// keeps Get's cache keyed purely on proxy descriptors.
func (f *Factory) directDialer() Dialer {
	return funcDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, preferredNetwork(f.preferIPv4, network), addr)
	})
}

func cacheKey(d *models.ProxyDescriptor) string {
	return fmt.Sprintf("%s://%s:%d:%s", d.Type, d.Host, d.Port, d.Username)
}

func (f *Factory) build(d *models.ProxyDescriptor) (Dialer, error) {
	switch d.Type {
	case "socks5":
		return f.buildSOCKS5(d)
	case "http", "https":
		return f.buildHTTPConnect(d), nil
	default:
		return nil, fmt.Errorf("proxyagent: unsupported proxy type %q", d.Type)
	}
}

func (f *Factory) buildSOCKS5(d *models.ProxyDescriptor) (Dialer, error) {
	var auth *proxy.Auth
	if d.Username != "" {
		auth = &proxy.Auth{User: d.Username, Password: d.Password}
	}
	addr := net.JoinHostPort(d.Host, portString(d.Port))
	base := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	socksDialer, err := proxy.SOCKS5(preferredNetwork(f.preferIPv4, "tcp"), addr, auth, base)
	if err != nil {
		return nil, fmt.Errorf("proxyagent: build socks5 dialer for %s: %w", addr, err)
	}
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		// golang.org/x/net/proxy's SOCKS5 dialer has implemented
		// DialContext since the package's earliest contextDialer support;
		// this branch only guards against a future API change.
		return funcDialer(func(_ context.Context, network, addr string) (net.Conn, error) {
			return socksDialer.Dial(network, addr)
		}), nil
	}
	return funcDialer(ctxDialer.DialContext), nil
}

// buildHTTPConnect returns a Dialer that opens a TCP (or TLS, for an
// https-type proxy) connection to the proxy itself, then issues a raw
// CONNECT to reach the real target, since net/http's ProxyURL support
// only wires into http.Transport, not a bare net.Conn.
func (f *Factory) buildHTTPConnect(d *models.ProxyDescriptor) Dialer {
	return funcDialer(func(ctx context.Context, network, target string) (net.Conn, error) {
		proxyAddr := net.JoinHostPort(d.Host, portString(d.Port))
		base := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

		conn, err := base.DialContext(ctx, preferredNetwork(f.preferIPv4, network), proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxyagent: dial http proxy %s: %w", proxyAddr, err)
		}
		if d.Type == "https" {
			tlsConn := tls.Client(conn, &tls.Config{ServerName: d.Host})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("proxyagent: tls handshake with proxy %s: %w", proxyAddr, err)
			}
			conn = tlsConn
		}

		if err := connectTunnel(conn, target, d); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})
}

func connectTunnel(conn net.Conn, target string, d *models.ProxyDescriptor) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if d.Username != "" {
		req += "Proxy-Authorization: Basic " + basicAuth(d.Username, d.Password) + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("proxyagent: write CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("proxyagent: read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200 ") {
		return fmt.Errorf("proxyagent: CONNECT to %s rejected: %s", target, strings.TrimSpace(statusLine))
	}
	// Drain headers up to the blank line terminating the response.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("proxyagent: read CONNECT headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

// MaskCredentials renders d for logs with the password hidden and the
// username partially masked, mirroring maskToken's "keep enough to
// recognize, hide the rest" shape.
func MaskCredentials(d *models.ProxyDescriptor) string {
	if d == nil {
		return "<direct>"
	}
	user := d.Username
	if user != "" {
		user = maskUser(user) + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", d.Type, user, d.Host, d.Port)
}

func maskUser(user string) string {
	if len(user) <= 2 {
		return "**"
	}
	return user[:1] + strings.Repeat("*", len(user)-2) + user[len(user)-1:]
}
