package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"taskauth/internal/bucketing"
	"taskauth/internal/models"
	"taskauth/internal/util"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrCASExhausted   = errors.New("conditional update contention")
)

const casRetries = 4

type accountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.Manager) AccountRepository {
	return &accountRepository{client: client, buckets: buckets}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = &now
	account.AccountBucket = r.buckets.AccountBucket(account.ID)

	// Claim the email first; the LWT insert is the uniqueness guard.
	applied, err := r.client.Prepared.CreateEmailToAccount.Bind(
		account.Email, account.AccountBucket, account.ID,
	).WithContext(ctx).ScanCAS(nil, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return ErrDuplicateEmail
	}

	if err := r.client.Prepared.CreateAccount.Bind(
		account.AccountBucket, account.ID, account.Email, account.PasswordHash,
		account.Name, account.AvatarURL, account.FailedAttempts, account.LockUntil,
		account.EmailVerified, account.Active, account.TwoFactorEnabled,
		account.TwoFactorSecret, account.BackupCodeHashes, account.LinkedProviders,
		account.TermsAcceptedAt, account.CreatedAt, account.LastLoginAt, account.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		zap.String("account_id", account.ID),
		zap.Int("account_bucket", account.AccountBucket))
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	return r.fetch(ctx, r.buckets.AccountBucket(accountID), accountID)
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var bucket int
	var accountID string

	err := r.client.ScanWithRetry(
		r.client.Prepared.GetAccountByEmail.Bind(email).WithContext(ctx),
		&bucket, &accountID,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}

	return r.fetch(ctx, bucket, accountID)
}

func (r *accountRepository) fetch(ctx context.Context, bucket int, accountID string) (*models.Account, error) {
	account := &models.Account{}

	err := r.client.ScanWithRetry(
		r.client.Prepared.GetAccountByID.Bind(bucket, accountID).WithContext(ctx),
		&account.AccountBucket, &account.ID, &account.Email, &account.PasswordHash,
		&account.Name, &account.AvatarURL, &account.FailedAttempts, &account.LockUntil,
		&account.EmailVerified, &account.Active, &account.TwoFactorEnabled,
		&account.TwoFactorSecret, &account.BackupCodeHashes, &account.LinkedProviders,
		&account.TermsAcceptedAt, &account.CreatedAt, &account.LastLoginAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to fetch account",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	return account, nil
}

func (r *accountRepository) Update(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.UpdatedAt = &now

	if err := r.client.Prepared.UpdateAccount.Bind(
		account.PasswordHash, account.Name, account.AvatarURL,
		account.EmailVerified, account.Active, account.TwoFactorEnabled,
		account.TwoFactorSecret, account.BackupCodeHashes, account.LinkedProviders,
		account.TermsAcceptedAt, account.UpdatedAt,
		r.buckets.AccountBucket(account.ID), account.ID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func (r *accountRepository) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	if err := r.client.Prepared.UpdateLastLogin.Bind(
		at, r.buckets.AccountBucket(accountID), accountID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// IncrementFailedAttempts is a compare-and-swap loop: concurrent failed
// logins against the same account each land exactly one increment, and the
// attempt that crosses the threshold also sets the lock in the same
// conditional write.
func (r *accountRepository) IncrementFailedAttempts(
	ctx context.Context,
	accountID string,
	maxAttempts int,
	lockUntil time.Time,
) (int, bool, error) {
	bucket := r.buckets.AccountBucket(accountID)

	for i := 0; i < casRetries; i++ {
		var current int
		var currentLock *time.Time
		err := r.client.ScanWithRetry(r.client.Session.Query(`
            SELECT failed_attempts, lock_until FROM accounts
            WHERE account_bucket = ? AND account_id = ?`,
			bucket, accountID,
		).WithContext(ctx), &current, &currentLock)
		if err != nil {
			if err == gocql.ErrNotFound {
				return 0, false, ErrNotFound
			}
			return 0, false, fmt.Errorf("failed to read failure counter: %w", err)
		}

		next := current + 1
		var newLock *time.Time
		if currentLock != nil {
			newLock = currentLock
		}
		locked := false
		if next >= maxAttempts {
			newLock = &lockUntil
			locked = true
		}

		applied, err := r.client.Session.Query(`
            UPDATE accounts SET failed_attempts = ?, lock_until = ?
            WHERE account_bucket = ? AND account_id = ?
            IF failed_attempts = ?`,
			next, newLock, bucket, accountID, current,
		).WithContext(ctx).ScanCAS(&current)
		if err != nil {
			return 0, false, fmt.Errorf("failed to increment failure counter: %w", err)
		}
		if applied {
			if locked {
				util.Warn("Account locked after repeated failures",
					zap.String("account_id", accountID),
					zap.Int("failed_attempts", next))
			}
			return next, locked, nil
		}
	}
	return 0, false, ErrCASExhausted
}

func (r *accountRepository) ResetFailedAttempts(ctx context.Context, accountID string) error {
	bucket := r.buckets.AccountBucket(accountID)

	for i := 0; i < casRetries; i++ {
		var current int
		err := r.client.ScanWithRetry(r.client.Session.Query(`
            SELECT failed_attempts FROM accounts
            WHERE account_bucket = ? AND account_id = ?`,
			bucket, accountID,
		).WithContext(ctx), &current)
		if err != nil {
			if err == gocql.ErrNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read failure counter: %w", err)
		}
		if current == 0 {
			return nil
		}

		applied, err := r.client.Session.Query(`
            UPDATE accounts SET failed_attempts = 0, lock_until = null
            WHERE account_bucket = ? AND account_id = ?
            IF failed_attempts = ?`,
			bucket, accountID, current,
		).WithContext(ctx).ScanCAS(&current)
		if err != nil {
			return fmt.Errorf("failed to reset failure counter: %w", err)
		}
		if applied {
			return nil
		}
	}
	return ErrCASExhausted
}

// ConsumeBackupCodeHash removes one stored hash under a list-equality
// condition so a backup code can only ever be spent once, even across
// concurrent verification attempts.
func (r *accountRepository) ConsumeBackupCodeHash(ctx context.Context, accountID, hash string) (bool, error) {
	bucket := r.buckets.AccountBucket(accountID)

	for i := 0; i < casRetries; i++ {
		var stored []string
		err := r.client.ScanWithRetry(r.client.Session.Query(`
            SELECT backup_code_hashes FROM accounts
            WHERE account_bucket = ? AND account_id = ?`,
			bucket, accountID,
		).WithContext(ctx), &stored)
		if err != nil {
			if err == gocql.ErrNotFound {
				return false, ErrNotFound
			}
			return false, fmt.Errorf("failed to read backup codes: %w", err)
		}

		remaining := make([]string, 0, len(stored))
		found := false
		for _, h := range stored {
			if !found && h == hash {
				found = true
				continue
			}
			remaining = append(remaining, h)
		}
		if !found {
			return false, nil
		}

		applied, err := r.client.Session.Query(`
            UPDATE accounts SET backup_code_hashes = ?
            WHERE account_bucket = ? AND account_id = ?
            IF backup_code_hashes = ?`,
			remaining, bucket, accountID, stored,
		).WithContext(ctx).ScanCAS(&stored)
		if err != nil {
			return false, fmt.Errorf("failed to consume backup code: %w", err)
		}
		if applied {
			return true, nil
		}
	}
	return false, ErrCASExhausted
}

func (r *accountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
