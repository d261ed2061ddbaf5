// Package transport implements the explicit HTTP/2 session pool the relay
// dials upstream through (spec §4.1): one *http2.ClientConn per host:port
// (optionally routed through a proxy dialer), idle-reaped in the
// background, evicted on GOAWAY, and transparently decompressing
// gzip/deflate/br response bodies. Grounded on internal/upstream/client.go
// for the request-lifecycle/error-wrapping idiom, generalized from that
// file's implicit net/http client to an explicit golang.org/x/net/http2
// session because the spec calls out session pooling and GOAWAY handling
// the standard client doesn't expose.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"

	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/proxyagent"
)

const (
	idleTimeout  = 5 * time.Minute
	reapInterval = 60 * time.Second
)

// session wraps one pooled HTTP/2 connection.
type session struct {
	mu         sync.Mutex
	clientConn *http2.ClientConn
	rawConn    net.Conn
	lastUsed   time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed)
}

func (s *session) usable() bool {
	return s.clientConn.CanTakeNewRequest()
}

func (s *session) close() {
	s.rawConn.Close()
}

// Pool is a keyed cache of HTTP/2 sessions, one per host:port(:proxy).
// Sessions are created lazily, reused across requests to the same
// upstream, and dropped once idle past idleTimeout or once the peer sends
// GOAWAY (CanTakeNewRequest turns false).
type Pool struct {
	h2 *http2.Transport

	proxies *proxyagent.Factory

	// dial is a field rather than a direct call to dialConn so tests can
	// substitute a fake without a real TCP/TLS handshake.
	dial func(ctx context.Context, host string, proxyDescriptor *models.ProxyDescriptor) (*session, error)

	mu       sync.Mutex
	sessions map[string]*session
	dialing  map[string]*dialCall

	stopReap chan struct{}
	closed   bool
}

// dialCall represents one in-flight dial for a session key; concurrent
// getSession callers for the same key wait on done instead of each
// dialing their own connection (spec §5, "race-free get-or-create").
type dialCall struct {
	done    chan struct{}
	session *session
	err     error
}

// NewPool constructs a Pool. proxies may be nil; in that case every
// request dials directly.
func NewPool(proxies *proxyagent.Factory) *Pool {
	p := &Pool{
		h2:       &http2.Transport{},
		proxies:  proxies,
		sessions: make(map[string]*session),
		dialing:  make(map[string]*dialCall),
		stopReap: make(chan struct{}),
	}
	p.dial = p.dialConn
	go p.reapLoop()
	return p
}

// Close stops the idle reaper and closes every pooled session.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	close(p.stopReap)
	for _, s := range sessions {
		s.close()
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopReap:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	now := time.Now()
	p.mu.Lock()
	for key, s := range p.sessions {
		if !s.usable() || s.idleSince(now) > idleTimeout {
			delete(p.sessions, key)
			go s.close()
		}
	}
	p.mu.Unlock()
}

func sessionKey(host string, proxyDescriptor *models.ProxyDescriptor) string {
	if proxyDescriptor == nil {
		return host
	}
	return proxyagent.MaskCredentials(proxyDescriptor) + "|" + host
}

// getSession returns the pooled session for key, dialing one if none
// exists. Two concurrent callers for the same key never both dial: the
// second finds the first's dialCall already registered and waits on it
// instead, so the loser's connection is never opened (and never leaked).
func (p *Pool) getSession(ctx context.Context, host string, proxyDescriptor *models.ProxyDescriptor) (*session, error) {
	key := sessionKey(host, proxyDescriptor)

	p.mu.Lock()
	if s, ok := p.sessions[key]; ok && s.usable() {
		p.mu.Unlock()
		s.touch()
		return s, nil
	}
	if call, ok := p.dialing[key]; ok {
		p.mu.Unlock()
		return waitForDial(ctx, call)
	}
	call := &dialCall{done: make(chan struct{})}
	p.dialing[key] = call
	p.mu.Unlock()

	s, err := p.dial(ctx, host, proxyDescriptor)
	call.session, call.err = s, err
	close(call.done)

	p.mu.Lock()
	delete(p.dialing, key)
	if err == nil {
		p.sessions[key] = s
	}
	p.mu.Unlock()

	return s, err
}

func waitForDial(ctx context.Context, call *dialCall) (*session, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		call.session.touch()
		return call.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) dialConn(ctx context.Context, host string, proxyDescriptor *models.ProxyDescriptor) (*session, error) {
	var dialer proxyagent.Dialer = proxyagent.DirectDialer
	if p.proxies != nil {
		d, err := p.proxies.Get(proxyDescriptor)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve proxy for %s: %w", host, err)
		}
		dialer = d
	}

	addr := host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(host, "443")
	}
	hostname, _, _ := net.SplitHostPort(addr)

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", ClassifyDialError(err), err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName: hostname,
		NextProtos: []string{"h2"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("transport: tls handshake with %s: %w", host, err)
	}

	clientConn, err := p.h2.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("transport: establish http2 session with %s: %w", host, err)
	}

	return &session{clientConn: clientConn, rawConn: tlsConn, lastUsed: time.Now()}, nil
}

// Do sends req over the pooled HTTP/2 session for req.URL.Host (dialing a
// new one if needed), then transparently decompresses a gzip/deflate/br
// response body. proxyDescriptor may be nil for a direct connection.
func (p *Pool) Do(ctx context.Context, req *http.Request, proxyDescriptor *models.ProxyDescriptor) (*http.Response, error) {
	stripPseudoHeaders(req.Header)

	s, err := p.getSession(ctx, req.URL.Host, proxyDescriptor)
	if err != nil {
		return nil, err
	}

	resp, err := s.clientConn.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", ClassifyDialError(err), err)
	}
	s.touch()

	resp.Body = decompressBody(resp.Header, resp.Body)
	return resp, nil
}

// StreamSSE sends req the same way Do does but never wraps the body in a
// decompressing reader beyond what's needed to read raw bytes: SSE bodies
// are almost never compressed, and forwarding them verbatim as they
// arrive is the whole point of a streaming relay.
func (p *Pool) StreamSSE(ctx context.Context, req *http.Request, proxyDescriptor *models.ProxyDescriptor) (*http.Response, error) {
	stripPseudoHeaders(req.Header)

	s, err := p.getSession(ctx, req.URL.Host, proxyDescriptor)
	if err != nil {
		return nil, err
	}

	resp, err := s.clientConn.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", ClassifyDialError(err), err)
	}
	s.touch()
	return resp, nil
}

// stripPseudoHeaders removes any HTTP/2 pseudo-header (":method", etc)
// that might have leaked in from a naively-forwarded header map; the
// http2 package builds pseudo-headers itself from the request line and
// panics on an explicit ":"-prefixed header.
func stripPseudoHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(name, ":") {
			delete(h, name)
		}
	}
}

// decompressBody wraps body in a decompressing reader according to
// Content-Encoding, using klauspost/compress for gzip/deflate and
// andybalholm/brotli for br, and clears the header so downstream callers
// don't try to decompress again.
func decompressBody(header http.Header, body io.ReadCloser) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		header.Del("Content-Encoding")
		return &lazyGzipReader{underlying: body}
	case "deflate":
		header.Del("Content-Encoding")
		return flate.NewReader(body)
	case "br":
		header.Del("Content-Encoding")
		return io.NopCloser(brotli.NewReader(body))
	default:
		return body
	}
}

// lazyGzipReader defers gzip.NewReader until the first Read, so an empty
// (e.g. 204/304) body with a stale Content-Encoding header doesn't error
// out before anything is actually read.
type lazyGzipReader struct {
	underlying io.ReadCloser
	gz         *gzip.Reader
	initErr    error
	initDone   bool
}

func (r *lazyGzipReader) init() {
	if r.initDone {
		return
	}
	r.initDone = true
	gz, err := gzip.NewReader(r.underlying)
	if err != nil {
		r.initErr = err
		return
	}
	r.gz = gz
}

func (r *lazyGzipReader) Read(p []byte) (int, error) {
	r.init()
	if r.initErr != nil {
		return 0, r.initErr
	}
	return r.gz.Read(p)
}

func (r *lazyGzipReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.underlying.Close()
}
