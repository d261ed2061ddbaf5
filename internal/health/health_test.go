package health

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/claude-relay/internal/accountservice"
	"github.com/pysugar/claude-relay/internal/kv/memkv"
	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/scheduler"
)

func newController(t *testing.T, overloadEnabled bool) (*Controller, *scheduler.StickyScheduler, *accountservice.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	store, err := accountservice.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Upsert(models.Account{ID: "acc-1"}, "tok"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sched := scheduler.NewStickyScheduler([]string{"acc-1"})
	controller := New(memkv.New(), sched, store, overloadEnabled, time.Minute)
	return controller, sched, store
}

func TestClassifyResponseEscalatesUnauthorizedOnFirst401(t *testing.T) {
	controller, sched, _ := newController(t, true)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "sess-1", http.StatusUnauthorized, http.Header{}, "")

	if _, err := sched.SelectAccountForApiKey("key", "sess-1", "model"); err == nil {
		t.Fatal("expected no healthy account after unauthorized escalation")
	}
}

func TestClassifyResponseEscalatesRateLimitOn429(t *testing.T) {
	controller, sched, _ := newController(t, true)
	ctx := context.Background()

	selection, err := sched.SelectAccountForApiKey("key", "sess-1", "model")
	if err != nil {
		t.Fatalf("SelectAccountForApiKey: %v", err)
	}
	if selection.AccountID != "acc-1" {
		t.Fatalf("expected acc-1, got %s", selection.AccountID)
	}

	header := http.Header{}
	header.Set("Anthropic-Ratelimit-Unified-Reset", "1700000000")
	controller.ClassifyResponse(ctx, "acc-1", "standard", "sess-1", http.StatusTooManyRequests, header, "")

	limited, err := sched.IsAccountRateLimited("acc-1", "standard")
	if err != nil || !limited {
		t.Fatalf("IsAccountRateLimited = %v, %v; want true, nil", limited, err)
	}
}

func TestClassifyResponseDetectsRateLimitMarkerInBody(t *testing.T) {
	controller, sched, _ := newController(t, true)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "sess-1", http.StatusBadRequest, http.Header{}, "You EXCEED your account's rate limit for this window")

	limited, err := sched.IsAccountRateLimited("acc-1", "standard")
	if err != nil || !limited {
		t.Fatalf("IsAccountRateLimited = %v, %v; want true, nil", limited, err)
	}
}

func TestClassifyResponseMarksOverloadedOn529WhenEnabled(t *testing.T) {
	controller, _, store := newController(t, true)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "", 529, http.Header{}, "")

	overloaded, err := store.IsAccountOverloaded("acc-1")
	if err != nil || !overloaded {
		t.Fatalf("IsAccountOverloaded = %v, %v; want true, nil", overloaded, err)
	}
}

func TestClassifyResponseSkipsOverloadWhenDisabled(t *testing.T) {
	controller, _, store := newController(t, false)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "", 529, http.Header{}, "")

	overloaded, err := store.IsAccountOverloaded("acc-1")
	if err != nil || overloaded {
		t.Fatalf("IsAccountOverloaded = %v, %v; want false, nil", overloaded, err)
	}
}

func TestClassifyResponseRecordsServerErrorFor5xx(t *testing.T) {
	controller, _, store := newController(t, true)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "", http.StatusBadGateway, http.Header{}, "")
	controller.ClassifyResponse(ctx, "acc-1", "standard", "", http.StatusBadGateway, http.Header{}, "")

	count, err := store.GetServerErrorCount("acc-1")
	if err != nil || count != 2 {
		t.Fatalf("GetServerErrorCount = %d, %v; want 2, nil", count, err)
	}
}

func TestClassifyResponseClearsFlagsOn2xx(t *testing.T) {
	controller, sched, store := newController(t, true)
	ctx := context.Background()

	controller.ClassifyResponse(ctx, "acc-1", "standard", "", 529, http.Header{}, "")
	controller.ClassifyResponse(ctx, "acc-1", "standard", "", http.StatusTooManyRequests, http.Header{}, "")

	controller.ClassifyResponse(ctx, "acc-1", "standard", "", http.StatusOK, http.Header{}, "")

	overloaded, _ := store.IsAccountOverloaded("acc-1")
	limited, _ := sched.IsAccountRateLimited("acc-1", "standard")
	if overloaded || limited {
		t.Fatalf("expected flags cleared, overloaded=%v limited=%v", overloaded, limited)
	}
}

func TestClassifyResponsePersistsSessionWindowStatusOn2xxWithoutError(t *testing.T) {
	controller, _, store := newController(t, true)
	ctx := context.Background()

	header := http.Header{}
	header.Set("Anthropic-Ratelimit-Unified-5h-Status", "allowed_warning")
	controller.ClassifyResponse(ctx, "acc-1", "standard", "", http.StatusOK, header, "")

	if _, err := store.GetAccount("acc-1"); err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
}
