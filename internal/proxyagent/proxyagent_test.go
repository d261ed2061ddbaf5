package proxyagent

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/claude-relay/internal/models"
)

func TestValidateRejectsUnsupportedType(t *testing.T) {
	err := Validate(&models.ProxyDescriptor{Type: "ftp", Host: "h", Port: 80})
	if err == nil {
		t.Fatal("expected error for unsupported proxy type")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	err := Validate(&models.ProxyDescriptor{Type: "socks5", Host: "h", Port: 70000})
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsMissingHost(t *testing.T) {
	err := Validate(&models.ProxyDescriptor{Type: "socks5", Port: 1080})
	if err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestGetReturnsDirectDialerForNilDescriptor(t *testing.T) {
	f := NewFactory(true)
	d, err := f.Get(nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d == nil {
		t.Fatal("expected a non-nil direct dialer for nil descriptor")
	}
}

func TestPreferredNetworkRewritesTCPToTCP4(t *testing.T) {
	if got := preferredNetwork(true, "tcp"); got != "tcp4" {
		t.Fatalf("preferredNetwork(true, tcp) = %q; want tcp4", got)
	}
	if got := preferredNetwork(false, "tcp"); got != "tcp" {
		t.Fatalf("preferredNetwork(false, tcp) = %q; want tcp", got)
	}
	if got := preferredNetwork(true, "tcp6"); got != "tcp6" {
		t.Fatalf("preferredNetwork(true, tcp6) = %q; want unchanged tcp6", got)
	}
}

func TestDirectDialerHonorsPreferIPv4(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	f := NewFactory(true)
	dialer, err := f.Get(nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext() error = %v", err)
	}
	conn.Close()
}

func TestGetCachesDialerByDescriptor(t *testing.T) {
	f := NewFactory(true)
	desc := &models.ProxyDescriptor{Type: "socks5", Host: "127.0.0.1", Port: 1080, Username: "u"}

	first, err := f.Get(desc)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := f.Get(desc)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(f.dialers) != 1 {
		t.Fatalf("expected 1 cached dialer, got %d", len(f.dialers))
	}
	_ = first
	_ = second
}

func TestMaskCredentialsHidesPassword(t *testing.T) {
	desc := &models.ProxyDescriptor{Type: "http", Host: "proxy.example.com", Port: 8080, Username: "alice", Password: "hunter2"}
	masked := MaskCredentials(desc)
	if strings.Contains(masked, "hunter2") {
		t.Fatalf("MaskCredentials leaked password: %s", masked)
	}
	if !strings.Contains(masked, "proxy.example.com") {
		t.Fatalf("MaskCredentials dropped host: %s", masked)
	}
}

func TestMaskCredentialsForDirectIsStable(t *testing.T) {
	if got := MaskCredentials(nil); got != "<direct>" {
		t.Fatalf("MaskCredentials(nil) = %q; want <direct>", got)
	}
}

func TestHTTPConnectDialerCompletesTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer targetLn.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()
	go func() {
		conn, err := targetLn.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	f := NewFactory(true)
	desc := &models.ProxyDescriptor{Type: "http", Host: host, Port: port}

	dialer, err := f.Get(desc)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", targetLn.Addr().String())
	if err != nil {
		t.Fatalf("DialContext() error = %v", err)
	}
	conn.Close()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}
