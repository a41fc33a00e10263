// Package redis holds the shared-cache repositories. The service runs as
// multiple horizontally scaled instances, so pending two-factor setups and
// challenge attempt counters must live in a networked cache, never in
// process memory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taskauth/internal/models"
	"taskauth/internal/util"
)

const (
	pendingSetupPrefix      = "2fa_pending:"
	challengePrefix         = "2fa_challenge:"
	challengeAttemptsPrefix = "2fa_attempts:"

	opTimeout = 5 * time.Second
)

var (
	ErrPendingSetupNotFound = errors.New("no pending two-factor setup")
	ErrCacheUnavailable     = errors.New("pending setup cache unavailable")
)

// PendingSetupCache stores freshly generated, not yet confirmed TOTP
// secrets keyed by account, plus the per-challenge attempt budget.
type PendingSetupCache struct {
	client *goredis.Client
}

func NewPendingSetupCache(client *goredis.Client) *PendingSetupCache {
	return &PendingSetupCache{client: client}
}

func (c *PendingSetupCache) Put(ctx context.Context, setup *models.PendingTwoFactorSetup, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(setup)
	if err != nil {
		return fmt.Errorf("failed to encode pending setup: %w", err)
	}

	key := pendingSetupPrefix + setup.AccountID
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		util.Error("Failed to store pending two-factor setup",
			zap.String("account_id", setup.AccountID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	util.Debug("Pending two-factor setup cached",
		zap.String("account_id", setup.AccountID),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *PendingSetupCache) Get(ctx context.Context, accountID string) (*models.PendingTwoFactorSetup, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, pendingSetupPrefix+accountID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrPendingSetupNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	setup := &models.PendingTwoFactorSetup{}
	if err := json.Unmarshal(data, setup); err != nil {
		return nil, fmt.Errorf("failed to decode pending setup: %w", err)
	}
	return setup, nil
}

func (c *PendingSetupCache) Delete(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, pendingSetupPrefix+accountID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// OpenChallenge marks a two-factor login challenge as live. The marker is
// the server-side half of the temp token: verification refuses any token
// whose marker is gone, which is what makes the token single use.
func (c *PendingSetupCache) OpenChallenge(ctx context.Context, challengeID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, challengePrefix+challengeID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// ChallengeOpen reports whether a challenge marker still exists.
func (c *PendingSetupCache) ChallengeOpen(ctx context.Context, challengeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, challengePrefix+challengeID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return n > 0, nil
}

// ConsumeChallenge deletes the marker. The delete count disambiguates the
// race: false means another request already consumed the challenge.
func (c *PendingSetupCache) ConsumeChallenge(ctx context.Context, challengeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Del(ctx, challengePrefix+challengeID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return n > 0, nil
}

// IncrementChallengeAttempts bumps the failure counter for a live challenge.
// The key expires with the challenge window so an abandoned challenge leaves
// nothing behind.
func (c *PendingSetupCache) IncrementChallengeAttempts(ctx context.Context, challengeID string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := challengeAttemptsPrefix + challengeID
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return incr.Val(), nil
}

// ClearChallengeAttempts drops the counter once the challenge ends.
func (c *PendingSetupCache) ClearChallengeAttempts(ctx context.Context, challengeID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, challengeAttemptsPrefix+challengeID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
