package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskauth/internal/autherr"
	"taskauth/internal/models"
)

func TestTwoFactorEnrollmentFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	ctx := context.Background()

	setup, err := env.twoFactor.GenerateSetupData(ctx, "acct-1")
	require.NoError(t, err)
	assert.NotEmpty(t, setup.SecretBase32)
	assert.Contains(t, setup.ProvisioningURI, "otpauth://totp/")
	assert.Contains(t, setup.ProvisioningURI, "user@example.com")

	// The account is untouched until the code is confirmed.
	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, account.TwoFactorEnabled)

	codes, err := env.twoFactor.VerifyAndEnable(ctx, "acct-1", totpCodeAt(setup.SecretBase32, env.clock.Now()))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	for _, code := range codes {
		assert.Regexp(t, `^[A-Z2-7]{5}-[A-Z2-7]{5}$`, code)
	}

	account, err = env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.TwoFactorEnabled)
	assert.Len(t, account.BackupCodeHashes, 10)

	// The secret is never stored in the clear.
	assert.NotEqual(t, setup.SecretBase32, account.TwoFactorSecret)
	assert.NotContains(t, account.TwoFactorSecret, setup.SecretBase32)
	plaintext, err := env.cipher.Decrypt(account.TwoFactorSecret, "twofactor")
	require.NoError(t, err)
	assert.Equal(t, setup.SecretBase32, plaintext)

	assert.Contains(t, env.sink.eventTypes("acct-1"), models.EventTwoFactorEnabled)
}

func TestVerifyAndEnableRejectsWrongCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	ctx := context.Background()

	setup, err := env.twoFactor.GenerateSetupData(ctx, "acct-1")
	require.NoError(t, err)

	wrong := totpCodeAt(setup.SecretBase32, env.clock.Now().Add(-5*time.Minute))
	_, err = env.twoFactor.VerifyAndEnable(ctx, "acct-1", wrong)
	assert.Equal(t, autherr.KindUnauthorized, autherr.KindOf(err))

	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, account.TwoFactorEnabled)
}

func TestPendingSetupExpires(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	ctx := context.Background()

	setup, err := env.twoFactor.GenerateSetupData(ctx, "acct-1")
	require.NoError(t, err)

	env.redis.FastForward(11 * time.Minute)
	env.clock.Advance(11 * time.Minute)

	_, err = env.twoFactor.VerifyAndEnable(ctx, "acct-1", totpCodeAt(setup.SecretBase32, env.clock.Now()))
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))
}

func TestGenerateSetupDataWhenAlreadyEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	env.enableTwoFactor(t, "acct-1")

	_, err := env.twoFactor.GenerateSetupData(context.Background(), "acct-1")
	assert.Equal(t, autherr.KindConflict, autherr.KindOf(err))
}

func TestRestartedSetupUsesLatestSecret(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	ctx := context.Background()

	first, err := env.twoFactor.GenerateSetupData(ctx, "acct-1")
	require.NoError(t, err)
	second, err := env.twoFactor.GenerateSetupData(ctx, "acct-1")
	require.NoError(t, err)
	require.NotEqual(t, first.SecretBase32, second.SecretBase32)

	// The first secret was superseded and no longer confirms.
	_, err = env.twoFactor.VerifyAndEnable(ctx, "acct-1", totpCodeAt(first.SecretBase32, env.clock.Now()))
	require.Error(t, err)

	_, err = env.twoFactor.VerifyAndEnable(ctx, "acct-1", totpCodeAt(second.SecretBase32, env.clock.Now()))
	require.NoError(t, err)
}

func TestVerifyLoginAcceptsAdjacentStepsOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	secret, _ := env.enableTwoFactor(t, "acct-1")
	ctx := context.Background()

	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)

	now := env.clock.Now()
	factor, err := env.twoFactor.VerifyLogin(ctx, account, totpCodeAt(secret, now.Add(-30*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, models.MethodTOTP, factor)

	_, err = env.twoFactor.VerifyLogin(ctx, account, totpCodeAt(secret, now.Add(-90*time.Second)))
	require.Error(t, err)
	assert.Equal(t, autherr.KindUnauthorized, autherr.KindOf(err))
}

func TestVerifyLoginBackupCodeNormalization(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	_, codes := env.enableTwoFactor(t, "acct-1")
	ctx := context.Background()

	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)

	// Lowercase without the dash still matches.
	relaxed := strings.ToLower(strings.ReplaceAll(codes[0], "-", ""))
	factor, err := env.twoFactor.VerifyLogin(ctx, account, relaxed)
	require.NoError(t, err)
	assert.Equal(t, models.MethodBackupCode, factor)

	stored, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, stored.BackupCodeHashes, 9)
}

func TestDisableRequiresPasswordAndValidCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	secret, _ := env.enableTwoFactor(t, "acct-1")
	ctx := context.Background()

	code := totpCodeAt(secret, env.clock.Now())

	err := env.twoFactor.Disable(ctx, "acct-1", "wrong-password", code)
	assert.Equal(t, autherr.KindUnauthorized, autherr.KindOf(err))

	err = env.twoFactor.Disable(ctx, "acct-1", "hunter2hunter2", "000000")
	require.Error(t, err)

	require.NoError(t, env.twoFactor.Disable(ctx, "acct-1", "hunter2hunter2", code))

	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, account.TwoFactorEnabled)
	assert.Empty(t, account.TwoFactorSecret)
	assert.Empty(t, account.BackupCodeHashes)
	assert.Contains(t, env.sink.eventTypes("acct-1"), models.EventTwoFactorDisabled)
}

func TestDisableWhenNotEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")

	err := env.twoFactor.Disable(context.Background(), "acct-1", "hunter2hunter2", "123456")
	assert.Equal(t, autherr.KindConflict, autherr.KindOf(err))
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct-1", "user@example.com", "hunter2hunter2")
	_, oldCodes := env.enableTwoFactor(t, "acct-1")
	ctx := context.Background()

	newCodes, err := env.twoFactor.RegenerateBackupCodes(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, newCodes, 10)
	assert.NotEqual(t, oldCodes, newCodes)

	account, err := env.accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)

	_, err = env.twoFactor.VerifyLogin(ctx, account, oldCodes[0])
	require.Error(t, err)

	factor, err := env.twoFactor.VerifyLogin(ctx, account, newCodes[0])
	require.NoError(t, err)
	assert.Equal(t, models.MethodBackupCode, factor)
	assert.Contains(t, env.sink.eventTypes("acct-1"), models.EventBackupCodesReset)
}
