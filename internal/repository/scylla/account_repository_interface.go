package scylla

import (
	"context"
	"time"

	"taskauth/internal/models"
)

// AccountRepository is the keyed account store consumed by the
// authentication services. Every mutation that participates in the lockout
// and backup-code invariants is a conditional (compare-and-swap) update at
// the store, never a plain read-modify-write.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error

	// IncrementFailedAttempts atomically bumps the failure counter and, when
	// the new value reaches maxAttempts, sets lock_until in the same
	// conditional update. Returns the new counter and whether a lock was set.
	IncrementFailedAttempts(ctx context.Context, accountID string, maxAttempts int, lockUntil time.Time) (int, bool, error)

	// ResetFailedAttempts atomically clears the counter and any active lock.
	ResetFailedAttempts(ctx context.Context, accountID string) error

	// ConsumeBackupCodeHash atomically removes a single stored hash. Returns
	// false when the hash was already consumed by a concurrent attempt.
	ConsumeBackupCodeHash(ctx context.Context, accountID, hash string) (bool, error)

	HealthCheck(ctx context.Context) error
}

// SessionRepository records logical login sessions. Sessions are audit
// bookkeeping referenced by token claims, not verified credentials.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	End(ctx context.Context, sessionID string, at time.Time) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Session, error)
}
