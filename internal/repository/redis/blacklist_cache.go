package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/model"
	"authcore/internal/util"
)

const blacklistPrefix = "token:blacklist:"

// BlacklistCache is the fast path for access-token revocation checks.
// Entries expire with the token they blacklist, so the set prunes itself.
type BlacklistCache struct {
	client *client.RedisClient
}

func NewBlacklistCache(client *client.RedisClient) *BlacklistCache {
	return &BlacklistCache{client: client}
}

func (c *BlacklistCache) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// Already past the token's own expiry, nothing to blacklist.
		return nil
	}

	key := blacklistPrefix + entry.JTI
	if err := c.client.Set(ctx, key, entry.Reason, ttl); err != nil {
		util.Error("Failed to cache blacklist entry",
			zap.String("jti", entry.JTI),
			zap.Error(err))
		return fmt.Errorf("failed to cache blacklist entry: %w", err)
	}
	return nil
}

func (c *BlacklistCache) Contains(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	exists, err := c.client.Exists(ctx, blacklistPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist entry: %w", err)
	}
	return exists, nil
}
