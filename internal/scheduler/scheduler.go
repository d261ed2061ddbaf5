// Package scheduler declares the account-selection contract the relay
// orchestrator depends on. The eviction/ranking policy behind
// SelectAccountForApiKey is explicitly out of scope for this module (see
// spec §1); StickyScheduler below is a reference implementation good
// enough for local wiring and tests, not a policy recommendation.
package scheduler

import (
	"fmt"
	"sync"
)

// Scheduler selects and health-tracks accounts on behalf of the relay
// orchestrator. All mutation methods are idempotent: marking an
// already-flagged account again is a no-op from the caller's perspective.
type Scheduler interface {
	// SelectAccountForApiKey returns the account to use for this request.
	// sessionHash may be empty, in which case the request is routed
	// without sticky affinity.
	SelectAccountForApiKey(apiKey, sessionHash, model string) (AccountSelection, error)

	MarkAccountRateLimited(accountID, accountType, sessionHash string, resetAt *int64) error
	MarkAccountBlocked(accountID, accountType, sessionHash string) error
	MarkAccountUnauthorized(accountID, accountType, sessionHash string) error

	IsAccountRateLimited(accountID, accountType string) (bool, error)
	RemoveAccountRateLimit(accountID, accountType string) error
}

// AccountSelection is returned by SelectAccountForApiKey.
type AccountSelection struct {
	AccountID   string
	AccountType string
}

type accountState struct {
	accountType  string
	rateLimited  bool
	resetAt      *int64
	blocked      bool
	unauthorized bool
}

// StickyScheduler is a reference Scheduler backed by an in-process sticky
// session map, grounded on the cache+mutex pattern of
// internal/auth/token/manager.go (map[string]*CachedToken guarded by
// sync.RWMutex, full rebuild on structural change). Accounts are selected
// round-robin among those not currently flagged unauthorized/blocked/
// rate-limited; a sessionHash pins subsequent requests to the same account
// until that account is evicted by a health escalation.
type StickyScheduler struct {
	mu       sync.Mutex
	accounts []string // ordered, stable iteration for round-robin
	state    map[string]*accountState
	sticky   map[string]string // sessionHash -> accountID
	next     int
}

// NewStickyScheduler creates a scheduler over the given account IDs, all
// initially healthy and of accountType "standard".
func NewStickyScheduler(accountIDs []string) *StickyScheduler {
	s := &StickyScheduler{
		accounts: append([]string(nil), accountIDs...),
		state:    make(map[string]*accountState, len(accountIDs)),
		sticky:   make(map[string]string),
	}
	for _, id := range accountIDs {
		s.state[id] = &accountState{accountType: "standard"}
	}
	return s
}

func (s *StickyScheduler) SelectAccountForApiKey(_, sessionHash, _ string) (AccountSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionHash != "" {
		if accountID, ok := s.sticky[sessionHash]; ok {
			if st, ok := s.state[accountID]; ok && s.healthy(st) {
				return AccountSelection{AccountID: accountID, AccountType: st.accountType}, nil
			}
			// Stuck to an account that's no longer viable; drop the
			// mapping and fall through to pick a new one.
			delete(s.sticky, sessionHash)
		}
	}

	accountID, st, err := s.pickHealthy()
	if err != nil {
		return AccountSelection{}, err
	}
	if sessionHash != "" {
		s.sticky[sessionHash] = accountID
	}
	return AccountSelection{AccountID: accountID, AccountType: st.accountType}, nil
}

func (s *StickyScheduler) healthy(st *accountState) bool {
	return !st.unauthorized && !st.blocked && !st.rateLimited
}

func (s *StickyScheduler) pickHealthy() (string, *accountState, error) {
	n := len(s.accounts)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		id := s.accounts[idx]
		if st := s.state[id]; st != nil && s.healthy(st) {
			s.next = (idx + 1) % n
			return id, st, nil
		}
	}
	return "", nil, fmt.Errorf("scheduler: no healthy account available")
}

func (s *StickyScheduler) MarkAccountRateLimited(accountID, accountType, sessionHash string, resetAt *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(accountID, accountType)
	st.rateLimited = true
	st.resetAt = resetAt
	s.evictSticky(accountID, sessionHash)
	return nil
}

func (s *StickyScheduler) MarkAccountBlocked(accountID, accountType, sessionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(accountID, accountType)
	st.blocked = true
	s.evictSticky(accountID, sessionHash)
	return nil
}

func (s *StickyScheduler) MarkAccountUnauthorized(accountID, accountType, sessionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(accountID, accountType)
	st.unauthorized = true
	s.evictSticky(accountID, sessionHash)
	return nil
}

func (s *StickyScheduler) IsAccountRateLimited(accountID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[accountID]
	return ok && st.rateLimited, nil
}

func (s *StickyScheduler) RemoveAccountRateLimit(accountID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[accountID]; ok {
		st.rateLimited = false
		st.resetAt = nil
	}
	return nil
}

func (s *StickyScheduler) stateFor(accountID, accountType string) *accountState {
	st, ok := s.state[accountID]
	if !ok {
		st = &accountState{}
		s.state[accountID] = st
		s.accounts = append(s.accounts, accountID)
	}
	if accountType != "" {
		st.accountType = accountType
	}
	return st
}

// evictSticky removes sessionHash's pin (scenario 1: "session mapping
// deleted" after a health escalation so the next request for that hash
// re-selects a different account).
func (s *StickyScheduler) evictSticky(accountID, sessionHash string) {
	if sessionHash != "" && s.sticky[sessionHash] == accountID {
		delete(s.sticky, sessionHash)
	}
}
