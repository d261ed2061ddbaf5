package accountservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/models"
	"gorm.io/gorm"
)

// accountRecord is the gorm-persisted shape of models.Account, extended
// with the health bookkeeping fields the spec keeps alongside the account
// (§3 Account: "core only reads and updates health flags"). Field layout
// follows internal/db/models/account.go (string primary key, plain
// columns, no foreign keys).
type accountRecord struct {
	ID       string `gorm:"primaryKey"`
	Name     string
	IsActive bool `gorm:"default:true"`
	Status   string

	ProxyJSON string // JSON-encoded models.ProxyDescriptor, empty if none
	AccessToken string

	BanMode bool

	UseUnifiedClientID  bool
	UnifiedClientID     string
	UseUnifiedUserAgent bool
	CapturedUserAgent   string

	OverloadedUntil     time.Time
	ServerErrorCount    int
	SessionWindowStatus string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (accountRecord) TableName() string { return "relay_accounts" }

// Store is a gorm/sqlite-backed reference Service implementation, grounded
// on internal/auth/token/manager.go's cache-over-gorm pattern: an
// in-memory, sync.RWMutex-guarded cache of hot fields sits in front of the
// database so per-request lookups don't round-trip to disk.
type Store struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]*accountRecord
}

// NewStore opens (or migrates) the relay_accounts table on db and primes
// the in-memory cache from it.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&accountRecord{}); err != nil {
		return nil, fmt.Errorf("accountservice: migrate: %w", err)
	}
	s := &Store{db: db, cache: make(map[string]*accountRecord)}
	s.reload()
	return s, nil
}

func (s *Store) reload() {
	var records []accountRecord
	s.db.Find(&records)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*accountRecord, len(records))
	for i := range records {
		rec := records[i]
		s.cache[rec.ID] = &rec
	}
	log.Printf("📦 [accountservice] loaded %d accounts into cache", len(records))
}

// Upsert creates or updates an account record, used by demo wiring and
// tests rather than by the relay core itself (account CRUD is out of
// scope, spec §1).
func (s *Store) Upsert(acc models.Account, accessToken string) error {
	proxyJSON := ""
	if acc.Proxy != nil {
		b, err := json.Marshal(acc.Proxy)
		if err != nil {
			return fmt.Errorf("accountservice: marshal proxy: %w", err)
		}
		proxyJSON = string(b)
	}

	rec := accountRecord{
		ID:                  acc.ID,
		Name:                acc.Name,
		IsActive:            acc.IsActive,
		Status:              acc.Status,
		ProxyJSON:           proxyJSON,
		AccessToken:         accessToken,
		BanMode:             acc.BanMode,
		UseUnifiedClientID:  acc.UseUnifiedClientID,
		UnifiedClientID:     acc.UnifiedClientID,
		UseUnifiedUserAgent: acc.UseUnifiedUserAgent,
		CapturedUserAgent:   acc.CapturedUserAgent,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("accountservice: save: %w", err)
	}

	s.mu.Lock()
	s.cache[acc.ID] = &rec
	s.mu.Unlock()
	return nil
}

var ErrAccountNotFound = errors.New("accountservice: account not found")

func (s *Store) get(accountID string) (*accountRecord, error) {
	s.mu.RLock()
	rec, ok := s.cache[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return rec, nil
}

func (s *Store) GetValidAccessToken(accountID string) (string, error) {
	rec, err := s.get(accountID)
	if err != nil {
		return "", err
	}
	if rec.AccessToken == "" {
		return "", fmt.Errorf("accountservice: no access token cached for %s", accountID)
	}
	return rec.AccessToken, nil
}

func (s *Store) GetAccount(accountID string) (models.Account, error) {
	rec, err := s.get(accountID)
	if err != nil {
		return models.Account{}, err
	}
	return toModel(rec), nil
}

func (s *Store) GetAllAccounts() ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Account, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, toModel(rec))
	}
	return out, nil
}

func toModel(rec *accountRecord) models.Account {
	acc := models.Account{
		ID:                  rec.ID,
		Name:                rec.Name,
		IsActive:            rec.IsActive,
		Status:              rec.Status,
		BanMode:             rec.BanMode,
		UseUnifiedClientID:  rec.UseUnifiedClientID,
		UnifiedClientID:     rec.UnifiedClientID,
		UseUnifiedUserAgent: rec.UseUnifiedUserAgent,
		CapturedUserAgent:   rec.CapturedUserAgent,
	}
	if rec.ProxyJSON != "" {
		var p models.ProxyDescriptor
		if err := json.Unmarshal([]byte(rec.ProxyJSON), &p); err == nil {
			acc.Proxy = &p
		}
	}
	return acc
}

func (s *Store) MarkAccountOverloaded(accountID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.OverloadedUntil = time.Now().Add(ttl)
	return s.persistLocked(rec)
}

func (s *Store) RemoveAccountOverload(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.OverloadedUntil = time.Time{}
	return s.persistLocked(rec)
}

func (s *Store) IsAccountOverloaded(accountID string) (bool, error) {
	rec, err := s.get(accountID)
	if err != nil {
		return false, err
	}
	return !rec.OverloadedUntil.IsZero() && time.Now().Before(rec.OverloadedUntil), nil
}

func (s *Store) RecordServerError(accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	rec.ServerErrorCount++
	if err := s.persistLocked(rec); err != nil {
		return 0, err
	}
	if rec.ServerErrorCount >= 3 {
		log.Printf("⚠️ [accountservice] account %s has %d consecutive server errors", accountID, rec.ServerErrorCount)
	}
	return rec.ServerErrorCount, nil
}

func (s *Store) GetServerErrorCount(accountID string) (int, error) {
	rec, err := s.get(accountID)
	if err != nil {
		return 0, err
	}
	return rec.ServerErrorCount, nil
}

func (s *Store) ClearInternalErrors(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.ServerErrorCount = 0
	return s.persistLocked(rec)
}

func (s *Store) UpdateSessionWindowStatus(accountID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.SessionWindowStatus = status
	return s.persistLocked(rec)
}

// persistLocked writes rec back to the database. Callers must hold s.mu.
func (s *Store) persistLocked(rec *accountRecord) error {
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("accountservice: save: %w", err)
	}
	return nil
}
