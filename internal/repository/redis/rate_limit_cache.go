package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache implements model.CounterCache on Redis. Increment and
// expiry run in one transaction, so concurrent requests cannot slip past
// the window limit on an off-by-one.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// IncrementWindow bumps the counter for key, setting the window TTL on
// first increment, and returns the new count with the remaining cooldown.
func (c *RateLimitCache) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	fullKey := rateLimitPrefix + key

	count, err := c.client.IncrWithExpire(ctx, fullKey, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	ttl, err := c.client.TTL(ctx, fullKey)
	if err != nil || ttl < 0 {
		// TTL lookup is advisory: the counter is already correct.
		ttl = window
	}

	util.Debug("Rate limit counter incremented",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Duration("retry_after", ttl))

	return count, ttl, nil
}

func (c *RateLimitCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}
