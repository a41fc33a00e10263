package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"taskauth/internal/config"
	"taskauth/internal/encryption"
	"taskauth/internal/hashing"
	"taskauth/internal/models"
	redisrepo "taskauth/internal/repository/redis"
	"taskauth/internal/token"
	"taskauth/internal/totp"
)

// testClock is a settable time source shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	redis     *miniredis.Miniredis
	accounts  *fakeAccountRepo
	sessions  *fakeSessionRepo
	sink      *recordingSink
	email     *recordingSender
	clock     *testClock
	hasher    *hashing.Hasher
	cipher    *encryption.SecretCipher
	tokens    *token.Service
	twoFactor *TwoFactorService
	auth      *AuthService
	oauth     *OAuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	mr := miniredis.RunT(t)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	authCfg := config.AuthConfig{
		JWTSecret:            "test-secret-test-secret-test-secret",
		Issuer:               "taskauth-test",
		AccessTTL:            7 * 24 * time.Hour,
		RememberMeAccessTTL:  30 * 24 * time.Hour,
		RefreshTTL:           30 * 24 * time.Hour,
		TempChallengeTTL:     10 * time.Minute,
		EmailVerificationTTL: 48 * time.Hour,
		MaxFailedAttempts:    5,
		LockDuration:         30 * time.Minute,
	}
	twoFactorCfg := config.TwoFactorConfig{
		Issuer:          "TaskHive",
		Digits:          6,
		Period:          30,
		Skew:            1,
		BackupCodeCount: 10,
		PendingSetupTTL: 10 * time.Minute,
		MaxAttempts:     5,
	}

	hasher := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	cipher, err := encryption.NewSecretCipher([]byte("unit-test-master-secret"))
	require.NoError(t, err)
	tokens, err := token.NewService(authCfg)
	require.NoError(t, err)
	tokens.WithClock(clock.Now)

	accounts := newFakeAccountRepo()
	sessions := newFakeSessionRepo()
	sink := &recordingSink{}
	mail := newRecordingSender()

	twoFactor := NewTwoFactorService(
		accounts,
		redisrepo.NewPendingSetupCache(redisClient),
		totp.NewManager(twoFactorCfg),
		cipher,
		hasher,
		sink,
		twoFactorCfg,
	).WithClock(clock.Now)

	auth := NewAuthService(
		accounts,
		sessions,
		tokens,
		twoFactor,
		hasher,
		sink,
		mail,
		authCfg,
	).WithClock(clock.Now)

	oauth := NewOAuthService(
		accounts,
		auth,
		hasher,
		sink,
		NewGoogleVerifier(),
		NewGitHubVerifier(),
	)
	oauth.now = clock.Now

	return &testEnv{
		redis:     mr,
		accounts:  accounts,
		sessions:  sessions,
		sink:      sink,
		email:     mail,
		clock:     clock,
		hasher:    hasher,
		cipher:    cipher,
		tokens:    tokens,
		twoFactor: twoFactor,
		auth:      auth,
		oauth:     oauth,
	}
}

// seedAccount creates a verified, active password account.
func (env *testEnv) seedAccount(t *testing.T, id, emailAddr, password string) *models.Account {
	t.Helper()
	hash, err := env.hasher.HashPassword(password)
	require.NoError(t, err)
	account := &models.Account{
		ID:              id,
		Email:           emailAddr,
		PasswordHash:    hash,
		Name:            "Test Account",
		EmailVerified:   true,
		Active:          true,
		LinkedProviders: map[string]string{},
	}
	require.NoError(t, env.accounts.Create(context.Background(), account))
	return account
}

// enableTwoFactor walks the real enrollment flow and returns the plaintext
// secret and backup codes.
func (env *testEnv) enableTwoFactor(t *testing.T, accountID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := env.twoFactor.GenerateSetupData(ctx, accountID)
	require.NoError(t, err)

	codes, err := env.twoFactor.VerifyAndEnable(ctx, accountID, totpCodeAt(setup.SecretBase32, env.clock.Now()))
	require.NoError(t, err)
	require.Len(t, codes, 10)
	return setup.SecretBase32, codes
}

// totpCodeAt computes the expected six-digit code for a secret at t.
func totpCodeAt(secretBase32 string, t time.Time) string {
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		panic(err)
	}
	counter := t.Unix() / 30

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1000000)
}
