// Package service implements the authentication core: the password login
// state machine, the two-factor lifecycle, and OAuth account federation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskauth/internal/audit"
	"taskauth/internal/autherr"
	"taskauth/internal/config"
	"taskauth/internal/email"
	"taskauth/internal/hashing"
	"taskauth/internal/models"
	"taskauth/internal/repository/scylla"
	"taskauth/internal/token"
	"taskauth/internal/util"
)

// Caller-visible messages. Credential failures share one message so the
// response never reveals whether the email exists.
const (
	msgInvalidCredentials = "invalid email or password"
	msgSessionExpired     = "two-factor session expired, please log in again"
	msgInvalidCode        = "invalid two-factor code"
)

// LoginResult is returned by Login, VerifyTwoFactorLogin, and the OAuth
// callback. Either the two-factor gate fields or the full credential bundle
// are populated, never both.
type LoginResult struct {
	RequiresTwoFactor bool   `json:"requires_2fa"`
	TempAuthToken     string `json:"temp_auth_token,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	AccountID         string `json:"account_id,omitempty"`
}

// AuthService drives the login state machine:
// AwaitingCredentials -> CredentialsVerified -> (AwaitingSecondFactor) ->
// Authenticated, with Rejected as the terminal failure state.
type AuthService struct {
	accounts  scylla.AccountRepository
	sessions  scylla.SessionRepository
	tokens    *token.Service
	twoFactor *TwoFactorService
	hasher    *hashing.Hasher
	audit     audit.Sink
	email     email.Sender
	cfg       config.AuthConfig
	now       func() time.Time
}

func NewAuthService(
	accounts scylla.AccountRepository,
	sessions scylla.SessionRepository,
	tokens *token.Service,
	twoFactor *TwoFactorService,
	hasher *hashing.Hasher,
	auditSink audit.Sink,
	emailSender email.Sender,
	cfg config.AuthConfig,
) *AuthService {
	return &AuthService{
		accounts:  accounts,
		sessions:  sessions,
		tokens:    tokens,
		twoFactor: twoFactor,
		hasher:    hasher,
		audit:     auditSink,
		email:     emailSender,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Register creates a password-based account and queues the verification
// email. The account cannot log in until the email is verified.
func (s *AuthService) Register(ctx context.Context, emailAddr, password, name string, meta models.ClientMeta) (*models.Account, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, autherr.Validation("a valid email address is required")
	}
	if len(password) < 8 {
		return nil, autherr.Validation("password must be at least 8 characters")
	}

	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		ID:              uuid.New().String(),
		Email:           emailAddr,
		PasswordHash:    hash,
		Name:            util.SanitizeInput(name),
		Active:          true,
		LinkedProviders: map[string]string{},
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, scylla.ErrDuplicateEmail) {
			return nil, autherr.Conflict("email already in use")
		}
		return nil, err
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventAccountCreated,
		Method:    models.MethodPassword,
		Outcome:   "success",
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
	})
	verifyToken, err := s.tokens.IssueEmailVerification(account.ID)
	if err != nil {
		util.Error("Failed to issue verification token",
			zap.String("account_id", account.ID),
			zap.Error(err))
	} else {
		s.email.SendVerification(ctx, account.Email, account.Name, verifyToken)
	}

	util.Info("Account registered", zap.String("account_id", account.ID))
	return account, nil
}

// VerifyEmail confirms ownership of a registered address with the token
// from the verification email. Verifying twice is a no-op.
func (s *AuthService) VerifyEmail(ctx context.Context, verifyToken string) error {
	claims, err := s.tokens.Verify(verifyToken, token.TypeEmailVerify)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return autherr.Unauthorized("verification link expired, register again to receive a new one")
		}
		return autherr.Unauthorized("invalid verification token")
	}

	account, err := s.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return autherr.Unauthorized("invalid verification token")
		}
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}
	if account.EmailVerified {
		return nil
	}

	account.EmailVerified = true
	if err := s.accounts.Update(ctx, account); err != nil {
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventEmailVerified,
		Outcome:   "success",
	})
	util.Info("Email address verified", zap.String("account_id", account.ID))
	return nil
}

// Login runs the password leg of the state machine. Unknown email and wrong
// password are indistinguishable to the caller; lockout state, inactive
// accounts, and unverified emails are disclosed only after the email
// matched.
func (s *AuthService) Login(ctx context.Context, emailAddr, password string, rememberMe bool, meta models.ClientMeta) (*LoginResult, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" || password == "" {
		return nil, autherr.Validation("email and password are required")
	}

	account, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			s.audit.Record(ctx, &models.SecurityEvent{
				EventType: models.EventLoginFailure,
				Method:    models.MethodPassword,
				Outcome:   "failure",
				IPAddress: meta.IPAddress,
				DeviceID:  meta.DeviceID,
				Details:   "unknown email",
			})
			return nil, autherr.Unauthorized(msgInvalidCredentials)
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	now := s.now().UTC()

	// A locked account rejects before the password is even examined, and
	// the attempt does not feed the counter.
	if account.IsLocked(now) {
		remaining := int(account.LockUntil.Sub(now).Round(time.Minute).Minutes())
		if remaining < 1 {
			remaining = 1
		}
		s.recordAttempt(ctx, account.ID, models.EventLoginLockedOut, models.MethodPassword, "failure", meta, "")
		return nil, autherr.Newf(autherr.KindForbidden,
			"account temporarily locked, try again in %d minutes", remaining)
	}

	if !account.Active {
		s.recordAttempt(ctx, account.ID, models.EventLoginFailure, models.MethodPassword, "failure", meta, "account deactivated")
		return nil, autherr.Forbidden("account is deactivated")
	}

	if !account.EmailVerified {
		s.recordAttempt(ctx, account.ID, models.EventLoginFailure, models.MethodPassword, "failure", meta, "email not verified")
		return nil, autherr.Forbidden("email address not verified")
	}

	match := false
	if account.HasPassword() {
		match, err = s.hasher.VerifyPassword(password, account.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("password verification failed: %w", err)
		}
	}

	if !match {
		return nil, s.handleFailedPassword(ctx, account, meta)
	}

	if err := s.accounts.ResetFailedAttempts(ctx, account.ID); err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	if account.TwoFactorEnabled {
		tempToken, err := s.beginTwoFactorChallenge(ctx, account.ID, models.MethodPassword)
		if err != nil {
			return nil, err
		}
		s.recordAttempt(ctx, account.ID, models.EventTwoFactorRequired, models.MethodPassword, "success", meta, "")
		return &LoginResult{
			RequiresTwoFactor: true,
			TempAuthToken:     tempToken,
			AccountID:         account.ID,
		}, nil
	}

	return s.finalizeLogin(ctx, account, rememberMe, meta, models.MethodPassword, "")
}

func (s *AuthService) handleFailedPassword(ctx context.Context, account *models.Account, meta models.ClientMeta) error {
	// OAuth-only accounts have no hash to compare; the caller still only
	// sees the generic message and no counter moves.
	if !account.HasPassword() {
		s.recordAttempt(ctx, account.ID, models.EventLoginFailure, models.MethodPassword, "failure", meta, "no password set")
		return autherr.Unauthorized(msgInvalidCredentials)
	}

	lockUntil := s.now().UTC().Add(s.cfg.LockDuration)
	attempts, locked, err := s.accounts.IncrementFailedAttempts(ctx, account.ID, s.cfg.MaxFailedAttempts, lockUntil)
	if err != nil {
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	eventType := models.EventLoginFailure
	details := fmt.Sprintf("failed attempt %d", attempts)
	if locked {
		eventType = models.EventAccountLocked
		details = fmt.Sprintf("locked after %d attempts", attempts)
	}
	s.recordAttempt(ctx, account.ID, eventType, models.MethodPassword, "failure", meta, details)

	return autherr.Unauthorized(msgInvalidCredentials)
}

// beginTwoFactorChallenge opens the server-side challenge marker and issues
// the temp token naming it. Used by Login and the OAuth callback.
func (s *AuthService) beginTwoFactorChallenge(ctx context.Context, accountID, method string) (string, error) {
	challengeID, err := s.twoFactor.OpenChallenge(ctx, s.cfg.TempChallengeTTL)
	if err != nil {
		return "", autherr.Wrap(autherr.KindUnavailable, "challenge store unavailable", err)
	}
	tempToken, err := s.tokens.IssueTempChallenge(accountID, method, challengeID)
	if err != nil {
		return "", fmt.Errorf("failed to issue challenge token: %w", err)
	}
	return tempToken, nil
}

// VerifyTwoFactorLogin completes a challenge opened by Login or the OAuth
// callback. The temp token is accepted exactly once: its marker is checked
// before the code and consumed on success, so a replayed token or one whose
// attempt budget was spent is dead regardless of the code it carries.
func (s *AuthService) VerifyTwoFactorLogin(ctx context.Context, tempToken, code string, rememberMe bool, meta models.ClientMeta) (*LoginResult, error) {
	claims, err := s.tokens.Verify(tempToken, token.TypeTempChallenge)
	if err != nil || claims.ID == "" {
		return nil, autherr.Unauthorized(msgSessionExpired)
	}

	open, err := s.twoFactor.ChallengeOpen(ctx, claims.ID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "challenge store unavailable", err)
	}
	if !open {
		return nil, autherr.Unauthorized(msgSessionExpired)
	}

	account, err := s.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, autherr.Unauthorized(msgSessionExpired)
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}
	if !account.Active {
		return nil, autherr.Forbidden("account is deactivated")
	}

	factor, err := s.twoFactor.VerifyLogin(ctx, account, code)
	if err != nil {
		attempts, budgetErr := s.twoFactor.RegisterChallengeFailure(ctx, claims.ID)
		if budgetErr != nil {
			util.Error("Failed to record challenge failure",
				zap.String("account_id", account.ID),
				zap.Error(budgetErr))
		}
		s.recordAttempt(ctx, account.ID, models.EventTwoFactorFailure, claims.InitialMethod, "failure", meta,
			fmt.Sprintf("challenge attempt %d", attempts))
		if attempts >= int64(s.twoFactor.MaxAttempts()) {
			if _, consumeErr := s.twoFactor.ConsumeChallenge(ctx, claims.ID); consumeErr != nil {
				util.Error("Failed to consume exhausted challenge",
					zap.String("account_id", account.ID),
					zap.Error(consumeErr))
			}
			return nil, autherr.Unauthorized(msgSessionExpired)
		}
		return nil, err
	}

	consumed, err := s.twoFactor.ConsumeChallenge(ctx, claims.ID)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "challenge store unavailable", err)
	}
	if !consumed {
		// Lost the race to a concurrent completion of the same challenge.
		return nil, autherr.Unauthorized(msgSessionExpired)
	}

	if err := s.twoFactor.ClearChallengeFailures(ctx, claims.ID); err != nil {
		util.Warn("Failed to clear challenge counter",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	return s.finalizeLogin(ctx, account, rememberMe, meta, claims.InitialMethod, factor)
}

// RefreshToken exchanges a valid refresh token for a fresh access token.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, autherr.Unauthorized("refresh token expired")
		}
		return nil, autherr.Unauthorized("invalid refresh token")
	}

	account, err := s.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, autherr.Unauthorized("invalid refresh token")
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}
	if !account.Active {
		return nil, autherr.Forbidden("account is deactivated")
	}

	accessToken, err := s.tokens.IssueAccess(account.ID, "", false)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventTokenRefreshed,
		Outcome:   "success",
	})

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccountID:    account.ID,
	}, nil
}

// Logout ends the session referenced by the access token. Idempotent: a
// second logout with the same token is a no-op.
func (s *AuthService) Logout(ctx context.Context, accessToken string, meta models.ClientMeta) error {
	claims, err := s.tokens.Verify(accessToken, token.TypeAccess)
	if err != nil {
		return autherr.Unauthorized("invalid access token")
	}

	if claims.SessionID != "" {
		if err := s.sessions.End(ctx, claims.SessionID, s.now().UTC()); err != nil {
			return autherr.Wrap(autherr.KindUnavailable, "session store unavailable", err)
		}
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: claims.AccountID,
		EventType: models.EventLogout,
		Outcome:   "success",
		SessionID: claims.SessionID,
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
	})
	return nil
}

// ListSessions returns the account's recent sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, accountID string, limit int) ([]*models.Session, error) {
	sessions, err := s.sessions.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "session store unavailable", err)
	}
	return sessions, nil
}

// finalizeLogin is the single point where a full credential bundle comes
// into existence: session first, then tokens bound to it.
func (s *AuthService) finalizeLogin(
	ctx context.Context,
	account *models.Account,
	rememberMe bool,
	meta models.ClientMeta,
	method, factor string,
) (*LoginResult, error) {
	session := &models.Session{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		DeviceID:  meta.DeviceID,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, autherr.Wrap(autherr.KindUnavailable, "session store unavailable", err)
	}

	accessToken, err := s.tokens.IssueAccess(account.ID, session.ID, rememberMe)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshToken, err := s.tokens.IssueRefresh(account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	if err := s.accounts.UpdateLastLogin(ctx, account.ID, s.now().UTC()); err != nil {
		util.Warn("Failed to update last login",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	details := ""
	if factor != "" {
		details = "second factor: " + factor
	}
	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventLoginSuccess,
		Method:    method,
		Outcome:   "success",
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
		SessionID: session.ID,
		Details:   details,
	})

	if s.isNewDevice(ctx, account.ID, session.ID, meta.DeviceID) {
		s.email.SendLoginAlert(ctx, account.Email, meta)
	}

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    session.ID,
		AccountID:    account.ID,
	}, nil
}

// isNewDevice checks recent sessions for the device. Best effort: a store
// error just means no alert.
func (s *AuthService) isNewDevice(ctx context.Context, accountID, currentSessionID, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	sessions, err := s.sessions.ListByAccount(ctx, accountID, 20)
	if err != nil {
		util.Warn("Failed to inspect session history for login alert",
			zap.String("account_id", accountID),
			zap.Error(err))
		return false
	}
	for _, session := range sessions {
		if session.ID == currentSessionID {
			continue
		}
		if session.DeviceID == deviceID {
			return false
		}
	}
	return true
}

func (s *AuthService) recordAttempt(ctx context.Context, accountID, eventType, method, outcome string, meta models.ClientMeta, details string) {
	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: accountID,
		EventType: eventType,
		Method:    method,
		Outcome:   outcome,
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
		Details:   details,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
