package retryutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoReturnsNilOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d; want 3", calls)
	}
}

func TestDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("permanent failure")
	err := Do(context.Background(), 2, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v; want %v", err, wantErr)
	}
	if calls != 2 {
		t.Fatalf("calls = %d; want 2", calls)
	}
}

func TestDoDefaultsAttemptsWhenNonPositive(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 0, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != DefaultAttempts {
		t.Fatalf("calls = %d; want %d", calls, DefaultAttempts)
	}
}

func TestDoAbortsEarlyOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	calls := 0
	err := Do(ctx, 5, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if calls >= 5 {
		t.Fatalf("calls = %d; expected early abort before exhausting attempts", calls)
	}
}
