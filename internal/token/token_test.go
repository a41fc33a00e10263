package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskauth/internal/config"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:            "test-secret-test-secret-test-secret",
		Issuer:               "taskauth-test",
		AccessTTL:            7 * 24 * time.Hour,
		RememberMeAccessTTL:  30 * 24 * time.Hour,
		RefreshTTL:           30 * 24 * time.Hour,
		TempChallengeTTL:     10 * time.Minute,
		EmailVerificationTTL: 48 * time.Hour,
	}
}

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(testConfig())
	require.NoError(t, err)
	return svc.WithClock(func() time.Time { return now })
}

func TestAccessTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	raw, err := svc.IssueAccess("acct-1", "sess-1", false)
	require.NoError(t, err)

	claims, err := svc.Verify(raw, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, TypeAccess, claims.TokenType)
}

func TestRememberMeExtendsAccessLifetime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	short, err := svc.IssueAccess("acct-1", "sess-1", false)
	require.NoError(t, err)
	long, err := svc.IssueAccess("acct-1", "sess-1", true)
	require.NoError(t, err)

	shortClaims, err := svc.Verify(short, TypeAccess)
	require.NoError(t, err)
	longClaims, err := svc.Verify(long, TypeAccess)
	require.NoError(t, err)

	assert.Equal(t, now.Add(7*24*time.Hour).Unix(), shortClaims.ExpiresAt.Unix())
	assert.Equal(t, now.Add(30*24*time.Hour).Unix(), longClaims.ExpiresAt.Unix())
}

func TestTokenTypeConfusionRejected(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	refresh, err := svc.IssueRefresh("acct-1")
	require.NoError(t, err)
	temp, err := svc.IssueTempChallenge("acct-1", "password", "chal-1")
	require.NoError(t, err)

	// A refresh token is not an access token, and a challenge token is
	// neither.
	_, err = svc.Verify(refresh, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = svc.Verify(temp, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = svc.Verify(temp, TypeRefresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestExpiredTokenRejected(t *testing.T) {
	issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, issuedAt)

	temp, err := svc.IssueTempChallenge("acct-1", "password", "chal-1")
	require.NoError(t, err)

	late := svc.WithClock(func() time.Time { return issuedAt.Add(11 * time.Minute) })
	_, err = late.Verify(temp, TypeTempChallenge)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTamperedTokenRejected(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	raw, err := svc.IssueAccess("acct-1", "sess-1", false)
	require.NoError(t, err)

	_, err = svc.Verify(raw+"x", TypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestChallengeTokenCarriesInitialMethod(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	raw, err := svc.IssueTempChallenge("acct-1", "google", "chal-9")
	require.NoError(t, err)

	claims, err := svc.Verify(raw, TypeTempChallenge)
	require.NoError(t, err)
	assert.Equal(t, "google", claims.InitialMethod)
	assert.Equal(t, "chal-9", claims.ID)
}

func TestEmailVerificationTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	raw, err := svc.IssueEmailVerification("acct-1")
	require.NoError(t, err)

	claims, err := svc.Verify(raw, TypeEmailVerify)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, now.Add(48*time.Hour).Unix(), claims.ExpiresAt.Unix())

	// A verification token opens no other door.
	_, err = svc.Verify(raw, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	late := svc.WithClock(func() time.Time { return now.Add(49 * time.Hour) })
	_, err = late.Verify(raw, TypeEmailVerify)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
