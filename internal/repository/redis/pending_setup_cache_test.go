package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskauth/internal/models"
)

func newTestCache(t *testing.T) (*PendingSetupCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPendingSetupCache(client), mr
}

func TestPendingSetupRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	setup := &models.PendingTwoFactorSetup{
		AccountID:    "acct-1",
		SecretBase32: "JBSWY3DPEHPK3PXP",
		CreatedAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.Put(ctx, setup, 10*time.Minute))

	got, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, setup.SecretBase32, got.SecretBase32)
	assert.True(t, setup.CreatedAt.Equal(got.CreatedAt))
}

func TestPendingSetupExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	setup := &models.PendingTwoFactorSetup{AccountID: "acct-1", SecretBase32: "JBSWY3DPEHPK3PXP"}
	require.NoError(t, cache.Put(ctx, setup, 10*time.Minute))

	mr.FastForward(11 * time.Minute)

	_, err := cache.Get(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrPendingSetupNotFound)
}

func TestPendingSetupDelete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	setup := &models.PendingTwoFactorSetup{AccountID: "acct-1", SecretBase32: "JBSWY3DPEHPK3PXP"}
	require.NoError(t, cache.Put(ctx, setup, 10*time.Minute))
	require.NoError(t, cache.Delete(ctx, "acct-1"))

	_, err := cache.Get(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrPendingSetupNotFound)
}

func TestPutOverwritesPreviousSetup(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &models.PendingTwoFactorSetup{AccountID: "acct-1", SecretBase32: "FIRST"}, 10*time.Minute))
	require.NoError(t, cache.Put(ctx, &models.PendingTwoFactorSetup{AccountID: "acct-1", SecretBase32: "SECOND"}, 10*time.Minute))

	got, err := cache.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "SECOND", got.SecretBase32)
}

func TestChallengeMarkerLifecycle(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.OpenChallenge(ctx, "chal-1", 10*time.Minute))

	open, err := cache.ChallengeOpen(ctx, "chal-1")
	require.NoError(t, err)
	assert.True(t, open)

	consumed, err := cache.ConsumeChallenge(ctx, "chal-1")
	require.NoError(t, err)
	assert.True(t, consumed)

	// A consumed challenge is gone: it neither reads as open nor consumes
	// a second time.
	open, err = cache.ChallengeOpen(ctx, "chal-1")
	require.NoError(t, err)
	assert.False(t, open)

	consumed, err = cache.ConsumeChallenge(ctx, "chal-1")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestChallengeMarkerExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.OpenChallenge(ctx, "chal-1", 10*time.Minute))
	mr.FastForward(11 * time.Minute)

	open, err := cache.ChallengeOpen(ctx, "chal-1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestChallengeAttemptCounter(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := cache.IncrementChallengeAttempts(ctx, "chal-1", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, cache.ClearChallengeAttempts(ctx, "chal-1"))
	n, err := cache.IncrementChallengeAttempts(ctx, "chal-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The counter dies with the challenge window.
	mr.FastForward(11 * time.Minute)
	n, err = cache.IncrementChallengeAttempts(ctx, "chal-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
