package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskauth/internal/audit"
	"taskauth/internal/autherr"
	"taskauth/internal/config"
	"taskauth/internal/encryption"
	"taskauth/internal/hashing"
	"taskauth/internal/models"
	redisrepo "taskauth/internal/repository/redis"
	"taskauth/internal/repository/scylla"
	"taskauth/internal/totp"
	"taskauth/internal/util"
)

// Key context under which TOTP secrets are encrypted at rest. Changing it
// invalidates every stored secret.
const twoFactorKeyContext = "twofactor"

var backupCodeAlphabet = base32.StdEncoding.WithPadding(base32.NoPadding)

// SetupData is returned when a two-factor enrollment begins. The secret is
// shown to the caller exactly once; the server keeps only the pending copy.
type SetupData struct {
	SecretBase32    string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// TwoFactorService owns the TOTP lifecycle: enrollment, challenge
// verification, backup codes, and disable.
type TwoFactorService struct {
	accounts scylla.AccountRepository
	pending  *redisrepo.PendingSetupCache
	totp     *totp.Manager
	cipher   *encryption.SecretCipher
	hasher   *hashing.Hasher
	audit    audit.Sink
	cfg      config.TwoFactorConfig
	now      func() time.Time
}

func NewTwoFactorService(
	accounts scylla.AccountRepository,
	pending *redisrepo.PendingSetupCache,
	totpManager *totp.Manager,
	cipher *encryption.SecretCipher,
	hasher *hashing.Hasher,
	auditSink audit.Sink,
	cfg config.TwoFactorConfig,
) *TwoFactorService {
	return &TwoFactorService{
		accounts: accounts,
		pending:  pending,
		totp:     totpManager,
		cipher:   cipher,
		hasher:   hasher,
		audit:    auditSink,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *TwoFactorService) WithClock(now func() time.Time) *TwoFactorService {
	s.now = now
	return s
}

// MaxAttempts is the per-challenge verification budget.
func (s *TwoFactorService) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// GenerateSetupData starts enrollment: a fresh secret is generated, parked
// server-side with a TTL, and returned with its otpauth URI. Nothing on the
// account changes until VerifyAndEnable confirms possession.
func (s *TwoFactorService) GenerateSetupData(ctx context.Context, accountID string) (*SetupData, error) {
	account, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TwoFactorEnabled {
		return nil, autherr.Conflict("two-factor authentication is already enabled")
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	setup := &models.PendingTwoFactorSetup{
		AccountID:    account.ID,
		SecretBase32: secret,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.pending.Put(ctx, setup, s.cfg.PendingSetupTTL); err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "setup cache unavailable", err)
	}

	return &SetupData{
		SecretBase32:    secret,
		ProvisioningURI: s.totp.ProvisionURI(secret, account.Email),
	}, nil
}

// VerifyAndEnable confirms the pending secret with a live code, encrypts it
// onto the account, and mints the backup codes. The plaintext codes are
// returned exactly once; only their hashes survive.
func (s *TwoFactorService) VerifyAndEnable(ctx context.Context, accountID, code string) ([]string, error) {
	account, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TwoFactorEnabled {
		return nil, autherr.Conflict("two-factor authentication is already enabled")
	}

	setup, err := s.pending.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrPendingSetupNotFound) {
			return nil, autherr.NotFound("no pending two-factor setup, start again")
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "setup cache unavailable", err)
	}

	ok, err := s.totp.VerifyCode(setup.SecretBase32, code, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if !ok {
		return nil, autherr.Unauthorized("invalid verification code")
	}

	codes, hashes, err := s.mintBackupCodes()
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(setup.SecretBase32, twoFactorKeyContext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	account.TwoFactorEnabled = true
	account.TwoFactorSecret = encrypted
	account.BackupCodeHashes = hashes
	if err := s.accounts.Update(ctx, account); err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	if err := s.pending.Delete(ctx, accountID); err != nil {
		util.Warn("Failed to clear pending two-factor setup",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventTwoFactorEnabled,
		Method:    models.MethodTOTP,
		Outcome:   "success",
	})
	util.Info("Two-factor authentication enabled", zap.String("account_id", account.ID))

	return codes, nil
}

// VerifyLogin checks a challenge response against the account's TOTP secret,
// falling back to backup codes for input that does not look like a TOTP
// code. It returns the factor that matched. A consumed backup code is
// removed atomically and never matches twice.
func (s *TwoFactorService) VerifyLogin(ctx context.Context, account *models.Account, code string) (string, error) {
	if !account.TwoFactorEnabled || account.TwoFactorSecret == "" {
		return "", autherr.Conflict("two-factor authentication is not enabled")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", autherr.Validation("verification code is required")
	}

	if s.totp.LooksLikeCode(code) {
		secret, err := s.cipher.Decrypt(account.TwoFactorSecret, twoFactorKeyContext)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt secret: %w", err)
		}
		ok, err := s.totp.VerifyCode(secret, code, s.now())
		if err != nil {
			return "", fmt.Errorf("failed to verify code: %w", err)
		}
		if !ok {
			return "", autherr.Unauthorized(msgInvalidCode)
		}
		return models.MethodTOTP, nil
	}

	hash := hashing.HashBackupCode(normalizeBackupCode(code))
	matched := false
	for _, stored := range account.BackupCodeHashes {
		if hashing.MatchBackupCode(normalizeBackupCode(code), stored) {
			matched = true
			break
		}
	}
	if !matched {
		return "", autherr.Unauthorized(msgInvalidCode)
	}

	consumed, err := s.accounts.ConsumeBackupCodeHash(ctx, account.ID, hash)
	if err != nil {
		return "", autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}
	if !consumed {
		// Lost the race to a concurrent use of the same code.
		return "", autherr.Unauthorized(msgInvalidCode)
	}
	return models.MethodBackupCode, nil
}

// Disable turns two-factor off. The account's password, when one exists,
// and a currently valid code are both required.
func (s *TwoFactorService) Disable(ctx context.Context, accountID, password, code string) error {
	account, err := s.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TwoFactorEnabled {
		return autherr.Conflict("two-factor authentication is not enabled")
	}

	if account.HasPassword() {
		match, err := s.hasher.VerifyPassword(password, account.PasswordHash)
		if err != nil {
			return fmt.Errorf("password verification failed: %w", err)
		}
		if !match {
			return autherr.Unauthorized("invalid password")
		}
	}

	if _, err := s.VerifyLogin(ctx, account, code); err != nil {
		return err
	}

	account.TwoFactorEnabled = false
	account.TwoFactorSecret = ""
	account.BackupCodeHashes = nil
	if err := s.accounts.Update(ctx, account); err != nil {
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventTwoFactorDisabled,
		Outcome:   "success",
	})
	util.Info("Two-factor authentication disabled", zap.String("account_id", account.ID))
	return nil
}

// RegenerateBackupCodes replaces the full backup code set. Previously
// issued codes stop working immediately.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	account, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.TwoFactorEnabled {
		return nil, autherr.Conflict("two-factor authentication is not enabled")
	}

	codes, hashes, err := s.mintBackupCodes()
	if err != nil {
		return nil, err
	}
	account.BackupCodeHashes = hashes
	if err := s.accounts.Update(ctx, account); err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventBackupCodesReset,
		Outcome:   "success",
	})
	return codes, nil
}

// OpenChallenge registers a fresh single-use login challenge and returns
// its ID. The ID rides inside the temp token as the jti claim, and the
// marker it names must still exist when the token comes back.
func (s *TwoFactorService) OpenChallenge(ctx context.Context, ttl time.Duration) (string, error) {
	challengeID := uuid.New().String()
	if err := s.pending.OpenChallenge(ctx, challengeID, ttl); err != nil {
		return "", err
	}
	return challengeID, nil
}

// ChallengeOpen reports whether the challenge is still live.
func (s *TwoFactorService) ChallengeOpen(ctx context.Context, challengeID string) (bool, error) {
	return s.pending.ChallengeOpen(ctx, challengeID)
}

// ConsumeChallenge ends the challenge. A false return means another request
// already spent it.
func (s *TwoFactorService) ConsumeChallenge(ctx context.Context, challengeID string) (bool, error) {
	return s.pending.ConsumeChallenge(ctx, challengeID)
}

// RegisterChallengeFailure bumps the per-challenge attempt counter. The
// counter expires with the challenge token.
func (s *TwoFactorService) RegisterChallengeFailure(ctx context.Context, challengeID string) (int64, error) {
	return s.pending.IncrementChallengeAttempts(ctx, challengeID, s.cfg.PendingSetupTTL)
}

// ClearChallengeFailures drops the attempt counter with its challenge.
func (s *TwoFactorService) ClearChallengeFailures(ctx context.Context, challengeID string) error {
	return s.pending.ClearChallengeAttempts(ctx, challengeID)
}

func (s *TwoFactorService) getAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, autherr.NotFound("account not found")
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}
	return account, nil
}

// mintBackupCodes generates the configured number of single-use codes in
// XXXXX-XXXXX form and their storage hashes.
func (s *TwoFactorService) mintBackupCodes() ([]string, []string, error) {
	count := s.cfg.BackupCodeCount
	if count <= 0 {
		count = 10
	}
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 10)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		enc := backupCodeAlphabet.EncodeToString(raw)[:10]
		code := enc[:5] + "-" + enc[5:]
		codes = append(codes, code)
		hashes = append(hashes, hashing.HashBackupCode(normalizeBackupCode(code)))
	}
	return codes, hashes, nil
}

// normalizeBackupCode strips separators and case so "abcde-fghij" and
// "ABCDEFGHIJ" hash identically.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
