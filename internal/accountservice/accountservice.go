// Package accountservice declares the account-management contract the
// relay core reads accounts and access tokens through, plus the
// per-account overload/server-error bookkeeping the health controller
// escalates into. OAuth token refresh and account CRUD are out of scope
// for this module (spec §1); Store below is a reference gorm-backed
// implementation for local wiring and tests.
package accountservice

import (
	"time"

	"github.com/pysugar/claude-relay/internal/models"
)

// Service is the account-management surface the relay core depends on.
type Service interface {
	GetValidAccessToken(accountID string) (string, error)
	GetAccount(accountID string) (models.Account, error)
	GetAllAccounts() ([]models.Account, error)

	MarkAccountOverloaded(accountID string, ttl time.Duration) error
	RemoveAccountOverload(accountID string) error
	IsAccountOverloaded(accountID string) (bool, error)

	RecordServerError(accountID string) (count int, err error)
	GetServerErrorCount(accountID string) (int, error)
	ClearInternalErrors(accountID string) error

	UpdateSessionWindowStatus(accountID, status string) error
}
