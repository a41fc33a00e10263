package models

import "time"

// Account is the canonical account record. PasswordHash is empty for
// OAuth-only accounts; TwoFactorSecret holds a SecretCipher payload and is
// empty unless TwoFactorEnabled is set.
type Account struct {
	AccountBucket    int               `db:"account_bucket"`
	ID               string            `db:"account_id"`
	Email            string            `db:"email"`
	PasswordHash     string            `db:"password_hash"`
	Name             string            `db:"name"`
	AvatarURL        string            `db:"avatar_url"`
	FailedAttempts   int               `db:"failed_attempts"`
	LockUntil        *time.Time        `db:"lock_until"`
	EmailVerified    bool              `db:"email_verified"`
	Active           bool              `db:"is_active"`
	TwoFactorEnabled bool              `db:"two_factor_enabled"`
	TwoFactorSecret  string            `db:"two_factor_secret"`
	BackupCodeHashes []string          `db:"backup_code_hashes"`
	LinkedProviders  map[string]string `db:"linked_providers"`
	TermsAcceptedAt  *time.Time        `db:"terms_accepted_at"`
	CreatedAt        time.Time         `db:"created_at"`
	LastLoginAt      *time.Time        `db:"last_login_at"`
	UpdatedAt        *time.Time        `db:"updated_at"`
}

// HasPassword reports whether password login is available for the account.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// IsLocked reports whether the account is under a brute-force lock at t.
func (a *Account) IsLocked(t time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(t)
}

// LoginMethodCount counts the remaining ways to sign in. An account must
// never drop to zero.
func (a *Account) LoginMethodCount() int {
	n := len(a.LinkedProviders)
	if a.HasPassword() {
		n++
	}
	return n
}
