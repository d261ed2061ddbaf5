// Package retryutil provides a generic exponential-backoff retry helper
// (spec §4.8). It generalizes the delay-extraction idiom of
// internal/upstream/retry_parser.go (parse-then-wait) into a reusable
// loop for auxiliary callers — pricing.Table.Reload's file read is the
// current one — that is not used by the relay orchestrator itself, which
// never retries at its own layer.
package retryutil

import (
	"context"
	"time"
)

// DefaultAttempts is the number of tries Do makes when attempts <= 0.
const DefaultAttempts = 3

// Do calls fn up to attempts times (DefaultAttempts if attempts <= 0),
// waiting 2^i * 1000ms between each failed attempt. It returns the last
// error if every attempt fails, or nil as soon as fn succeeds. Aborts
// early if ctx is canceled while waiting between attempts.
func Do(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts-1 {
			break
		}

		delay := backoff(i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
