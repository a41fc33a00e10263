package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskauth/internal/audit"
	"taskauth/internal/autherr"
	"taskauth/internal/hashing"
	"taskauth/internal/models"
	"taskauth/internal/repository/scylla"
	"taskauth/internal/util"
)

// OAuthService federates provider identities onto accounts: sign in, email
// based auto-linking, first-login account creation, and unlinking.
type OAuthService struct {
	accounts  scylla.AccountRepository
	auth      *AuthService
	hasher    *hashing.Hasher
	audit     audit.Sink
	verifiers map[string]ProviderIdentityVerifier
	now       func() time.Time
}

func NewOAuthService(
	accounts scylla.AccountRepository,
	auth *AuthService,
	hasher *hashing.Hasher,
	auditSink audit.Sink,
	verifiers ...ProviderIdentityVerifier,
) *OAuthService {
	byName := make(map[string]ProviderIdentityVerifier, len(verifiers))
	for _, v := range verifiers {
		byName[v.Name()] = v
	}
	return &OAuthService{
		accounts:  accounts,
		auth:      auth,
		hasher:    hasher,
		audit:     auditSink,
		verifiers: byName,
		now:       time.Now,
	}
}

// HandleCallback processes a completed provider handshake. Matching on the
// provider-asserted email, it links the identity to an existing account or
// creates a fresh one, then hands off to the common login finish. Accounts
// with two-factor enabled still face the challenge regardless of how the
// first factor was satisfied.
func (s *OAuthService) HandleCallback(ctx context.Context, provider string, rawProfile map[string]interface{}, rememberMe bool, meta models.ClientMeta) (*LoginResult, error) {
	verifier, ok := s.verifiers[provider]
	if !ok {
		return nil, autherr.NotFound("unknown identity provider")
	}

	profile, err := verifier.Verify(rawProfile)
	if err != nil {
		return nil, err
	}
	if profile.Email == "" {
		return nil, autherr.Validation("identity provider did not supply an email address")
	}
	profile.Email = normalizeEmail(profile.Email)

	account, err := s.accounts.GetByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		if err := s.linkIfNeeded(ctx, account, profile, meta); err != nil {
			return nil, err
		}
	case errors.Is(err, scylla.ErrNotFound):
		account, err = s.createFromProfile(ctx, profile, meta)
		if err != nil {
			return nil, err
		}
	default:
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	if !account.Active {
		return nil, autherr.Forbidden("account is deactivated")
	}
	if !account.EmailVerified {
		return nil, autherr.Forbidden("email address not verified")
	}

	if account.TwoFactorEnabled {
		tempToken, err := s.auth.beginTwoFactorChallenge(ctx, account.ID, provider)
		if err != nil {
			return nil, err
		}
		s.audit.Record(ctx, &models.SecurityEvent{
			AccountID: account.ID,
			EventType: models.EventTwoFactorRequired,
			Method:    provider,
			Outcome:   "success",
			IPAddress: meta.IPAddress,
			DeviceID:  meta.DeviceID,
		})
		return &LoginResult{
			RequiresTwoFactor: true,
			TempAuthToken:     tempToken,
			AccountID:         account.ID,
		}, nil
	}

	return s.auth.finalizeLogin(ctx, account, rememberMe, meta, provider, "")
}

// linkIfNeeded attaches the provider identity to an account that matched by
// email. An identity already linked just refreshes profile fields we lack.
func (s *OAuthService) linkIfNeeded(ctx context.Context, account *models.Account, profile *models.ProviderProfile, meta models.ClientMeta) error {
	if account.LinkedProviders == nil {
		account.LinkedProviders = map[string]string{}
	}
	existing, linked := account.LinkedProviders[profile.Provider]
	if linked {
		if existing != profile.ProviderID {
			// Same email, different provider subject. Refuse rather than
			// silently rebind the identity.
			return autherr.Conflict("provider identity does not match the linked one")
		}
		return nil
	}

	account.LinkedProviders[profile.Provider] = profile.ProviderID
	if account.AvatarURL == "" && profile.AvatarURL != "" {
		account.AvatarURL = profile.AvatarURL
	}
	if account.Name == "" && profile.Name != "" {
		account.Name = util.SanitizeInput(profile.Name)
	}
	if err := s.accounts.Update(ctx, account); err != nil {
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventAccountLinked,
		Method:    profile.Provider,
		Outcome:   "success",
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
	})
	util.Info("Provider linked to account",
		zap.String("account_id", account.ID),
		zap.String("provider", profile.Provider))
	return nil
}

// createFromProfile provisions a passwordless account on first provider
// login. Email verification follows the provider's assertion.
func (s *OAuthService) createFromProfile(ctx context.Context, profile *models.ProviderProfile, meta models.ClientMeta) (*models.Account, error) {
	now := s.now().UTC()
	account := &models.Account{
		ID:              uuid.New().String(),
		Email:           profile.Email,
		Name:            util.SanitizeInput(profile.Name),
		AvatarURL:       profile.AvatarURL,
		EmailVerified:   profile.EmailVerified,
		Active:          true,
		LinkedProviders: map[string]string{profile.Provider: profile.ProviderID},
		TermsAcceptedAt: &now,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, scylla.ErrDuplicateEmail) {
			// Concurrent callback for the same new email. Fall back to the
			// account that won.
			winner, getErr := s.accounts.GetByEmail(ctx, profile.Email)
			if getErr != nil {
				return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", getErr)
			}
			if err := s.linkIfNeeded(ctx, winner, profile, meta); err != nil {
				return nil, err
			}
			return winner, nil
		}
		return nil, autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventAccountCreated,
		Method:    profile.Provider,
		Outcome:   "success",
		IPAddress: meta.IPAddress,
		DeviceID:  meta.DeviceID,
	})
	util.Info("Account created from provider profile",
		zap.String("account_id", account.ID),
		zap.String("provider", profile.Provider))
	return account, nil
}

// UnlinkProvider removes a linked identity. Password re-entry guards the
// operation when a password exists, and the account must keep at least one
// way to sign in.
func (s *OAuthService) UnlinkProvider(ctx context.Context, accountID, provider, password string) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return autherr.NotFound("account not found")
		}
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	if _, linked := account.LinkedProviders[provider]; !linked {
		return autherr.NotFound("provider is not linked to this account")
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

	if account.LoginMethodCount() <= 1 {
		return autherr.Conflict("cannot remove the account's last sign-in method")
	}

	delete(account.LinkedProviders, provider)
	if err := s.accounts.Update(ctx, account); err != nil {
		return autherr.Wrap(autherr.KindUnavailable, "account store unavailable", err)
	}

	s.audit.Record(ctx, &models.SecurityEvent{
		AccountID: account.ID,
		EventType: models.EventProviderUnlinked,
		Method:    provider,
		Outcome:   "success",
	})
	return nil
}
