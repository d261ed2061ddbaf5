package relay

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// connectionStatus classifies a transport-layer error into the client
// status code and health-controller status spec §7 names: ECONNRESET,
// ENOTFOUND and ECONNREFUSED surface as 502, ETIMEDOUT as 504 (which also
// records a server error via health.SynthesizedServerErrorStatus), any
// other low-level failure as 500.
func connectionStatus(err error) (clientStatus int, healthStatus int) {
	if isTimeout(err) {
		return 504, 504
	}
	if errors.Is(err, syscall.ECONNRESET) || isDNSError(err) || errors.Is(err, syscall.ECONNREFUSED) {
		return 502, 502
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"):
		return 502, 502
	case strings.Contains(msg, "no such host"):
		return 502, 502
	case strings.Contains(msg, "connection refused"):
		return 502, 502
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out"):
		return 504, 504
	default:
		return 500, 500
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
