package transport

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ClassifyDialError turns a low-level dial/write error into the
// operator-facing message that prefixes the errors this package returns,
// mirroring internal/upstream/client.go's habit of wrapping raw errors
// into readable %w chains before they ever reach a log line.
func ClassifyDialError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return "upstream connection reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "upstream connection refused"
	case errors.Is(err, syscall.ETIMEDOUT):
		return "upstream connection timed out"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return "upstream host not found"
	case strings.Contains(msg, "i/o timeout"):
		return "upstream connection timed out"
	case strings.Contains(msg, "connection reset by peer"):
		return "upstream connection reset"
	case strings.Contains(msg, "connection refused"):
		return "upstream connection refused"
	default:
		return fmt.Sprintf("upstream connection error: %v", err)
	}
}
