// Package health implements the account health controller (spec §4.6):
// classifies each upstream response into at most one escalation branch,
// and clears flags on success. TTL counters live in the kv.Store; overload
// and server-error bookkeeping live in accountservice.Service, matching
// the split the collaborator interfaces make in spec §6. Grounded on
// internal/upstream/retry_parser.go's header-then-body fallback parsing
// for the rate-limit-reset extraction, and on the emoji-tagged
// log.Printf("⚠️ ...") idiom used throughout internal/proxy/handlers for
// swallowed health-update failures (spec §7).
package health

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/claude-relay/internal/accountservice"
	"github.com/pysugar/claude-relay/internal/kv"
	"github.com/pysugar/claude-relay/internal/scheduler"
)

const (
	unauthorized401Threshold = 1
	serverErrorThreshold     = 3
	unauthorized401TTL       = 5 * time.Minute

	rateLimitBodyMarker = "exceed your account's rate limit"

	headerRatelimitReset  = "Anthropic-Ratelimit-Unified-Reset"
	headerSessionWindow5h = "Anthropic-Ratelimit-Unified-5h-Status"
)

func unauthorizedKey(accountID string) string { return "health:401_errors:" + accountID }

// Controller ties the KV counters, scheduler escalation calls, and
// accountservice bookkeeping together into the single classify/clear
// state machine spec §4.6 describes.
type Controller struct {
	KV        kv.Store
	Scheduler scheduler.Scheduler
	Accounts  accountservice.Service

	OverloadEnabled bool
	OverloadTTL     time.Duration
}

// New constructs a Controller.
func New(store kv.Store, sched scheduler.Scheduler, accounts accountservice.Service, overloadEnabled bool, overloadTTL time.Duration) *Controller {
	return &Controller{KV: store, Scheduler: sched, Accounts: accounts, OverloadEnabled: overloadEnabled, OverloadTTL: overloadTTL}
}

// ClassifyResponse runs the exactly-one-branch classifier for a completed
// upstream response (spec §8 invariant: "for all non-2xx responses,
// exactly one health-state branch executes"). Health-update failures are
// logged and swallowed; they never propagate to the caller (spec §7).
func (c *Controller) ClassifyResponse(ctx context.Context, accountID, accountType, sessionHash string, statusCode int, header http.Header, bodySnippet string) {
	if statusCode >= 200 && statusCode < 300 {
		c.clearOnSuccess(ctx, accountID, accountType, header)
		return
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		c.escalateUnauthorized(ctx, accountID, accountType, sessionHash)
	case statusCode == http.StatusForbidden:
		if err := c.Scheduler.MarkAccountBlocked(accountID, accountType, sessionHash); err != nil {
			log.Printf("⚠️ health: mark account %s blocked: %v", accountID, err)
		}
	case statusCode == http.StatusTooManyRequests || containsRateLimitMarker(bodySnippet):
		c.escalateRateLimited(accountID, accountType, sessionHash, header)
	case statusCode == 529:
		c.escalateOverloaded(accountID)
	case statusCode >= 500 && statusCode <= 599:
		c.recordServerError(accountID)
	}
}

func (c *Controller) escalateUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) {
	count, err := c.KV.Incr(ctx, unauthorizedKey(accountID))
	if err != nil {
		log.Printf("⚠️ health: incr 401 counter for %s: %v", accountID, err)
	} else if err := c.KV.Expire(ctx, unauthorizedKey(accountID), unauthorized401TTL); err != nil {
		log.Printf("⚠️ health: expire 401 counter for %s: %v", accountID, err)
	}

	if count >= unauthorized401Threshold {
		if err := c.Scheduler.MarkAccountUnauthorized(accountID, accountType, sessionHash); err != nil {
			log.Printf("⚠️ health: mark account %s unauthorized: %v", accountID, err)
		}
	}
}

func (c *Controller) escalateRateLimited(accountID, accountType, sessionHash string, header http.Header) {
	resetAt := parseRatelimitReset(header)
	if err := c.Scheduler.MarkAccountRateLimited(accountID, accountType, sessionHash, resetAt); err != nil {
		log.Printf("⚠️ health: mark account %s rate-limited: %v", accountID, err)
	}
}

func (c *Controller) escalateOverloaded(accountID string) {
	if !c.OverloadEnabled {
		return
	}
	if err := c.Accounts.MarkAccountOverloaded(accountID, c.OverloadTTL); err != nil {
		log.Printf("⚠️ health: mark account %s overloaded: %v", accountID, err)
	}
}

func (c *Controller) recordServerError(accountID string) {
	count, err := c.Accounts.RecordServerError(accountID)
	if err != nil {
		log.Printf("⚠️ health: record server error for %s: %v", accountID, err)
		return
	}
	if count >= serverErrorThreshold {
		log.Printf("⚠️ health: account %s has %d server errors (threshold %d, no auto-disable)", accountID, count, serverErrorThreshold)
	}
}

func (c *Controller) clearOnSuccess(ctx context.Context, accountID, accountType string, header http.Header) {
	if err := c.KV.Del(ctx, unauthorizedKey(accountID)); err != nil {
		log.Printf("⚠️ health: clear 401 counter for %s: %v", accountID, err)
	}
	if err := c.Accounts.ClearInternalErrors(accountID); err != nil {
		log.Printf("⚠️ health: clear internal errors for %s: %v", accountID, err)
	}

	if limited, err := c.Scheduler.IsAccountRateLimited(accountID, accountType); err == nil && limited {
		if err := c.Scheduler.RemoveAccountRateLimit(accountID, accountType); err != nil {
			log.Printf("⚠️ health: remove rate limit for %s: %v", accountID, err)
		}
	}

	if overloaded, err := c.Accounts.IsAccountOverloaded(accountID); err == nil && overloaded {
		if err := c.Accounts.RemoveAccountOverload(accountID); err != nil {
			log.Printf("⚠️ health: remove overload for %s: %v", accountID, err)
		}
	}

	if status := header.Get(headerSessionWindow5h); status != "" {
		if err := c.Accounts.UpdateSessionWindowStatus(accountID, status); err != nil {
			log.Printf("⚠️ health: update session window status for %s: %v", accountID, err)
		}
	}
}

func containsRateLimitMarker(bodySnippet string) bool {
	return strings.Contains(strings.ToLower(bodySnippet), rateLimitBodyMarker)
}

// parseRatelimitReset extracts the epoch-seconds reset time from the
// anthropic-ratelimit-unified-reset header, returning nil if absent or
// unparseable.
func parseRatelimitReset(header http.Header) *int64 {
	raw := header.Get(headerRatelimitReset)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	return &seconds
}

// SynthesizedServerErrorStatus is the status code the transport layer
// should hand to ClassifyResponse for a connection timeout, so a timeout
// counts toward the same server-error bookkeeping a real 504 would (spec
// §7, "504 path also records a server error").
const SynthesizedServerErrorStatus = 504
