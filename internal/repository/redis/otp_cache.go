package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/client"
	"authcore/internal/model"
	"authcore/internal/util"
)

const (
	codePrefix = "otp:code:"
	lockPrefix = "otp:lock:"

	cacheOpTimeout = 5 * time.Second
)

// OTPCache is the Redis-backed model.CodeStore. The entry's TTL mirrors the
// code expiry, so expiry enforcement holds even if the service never reads
// the code again. It also provides the per-phone verification lock.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func (c *OTPCache) CreateCode(ctx context.Context, code *model.VerificationCode) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal verification code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refusing to store already-expired code")
	}

	key := codePrefix + code.PhoneHash
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		util.Error("Failed to cache verification code",
			zap.String("phone_hash", code.PhoneHash),
			zap.Error(err))
		return fmt.Errorf("failed to cache verification code: %w", err)
	}

	util.Debug("Verification code cached",
		zap.String("phone_hash", code.PhoneHash),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *OTPCache) GetActiveCode(ctx context.Context, phoneHash string) (*model.VerificationCode, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	payload, found, err := c.client.GetBytes(ctx, codePrefix+phoneHash)
	if err != nil {
		util.Error("Failed to read verification code from cache",
			zap.String("phone_hash", phoneHash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read verification code: %w", err)
	}
	if !found {
		return nil, autherr.ErrNoActiveCode
	}

	code := &model.VerificationCode{}
	if err := json.Unmarshal(payload, code); err != nil {
		return nil, fmt.Errorf("corrupt verification code entry: %w", err)
	}
	if code.IsUsed {
		return nil, autherr.ErrNoActiveCode
	}
	return code, nil
}

func (c *OTPCache) IncrementAttempts(ctx context.Context, code *model.VerificationCode) (int, error) {
	code.Attempts++
	if err := c.rewrite(ctx, code); err != nil {
		return 0, err
	}
	return code.Attempts, nil
}

func (c *OTPCache) LockCode(ctx context.Context, code *model.VerificationCode) error {
	code.IsLocked = true
	return c.rewrite(ctx, code)
}

func (c *OTPCache) MarkCodeUsed(ctx context.Context, code *model.VerificationCode) error {
	code.IsUsed = true
	return c.rewrite(ctx, code)
}

func (c *OTPCache) InvalidateCodes(ctx context.Context, phoneHash string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, codePrefix+phoneHash); err != nil {
		util.Error("Failed to invalidate verification codes",
			zap.String("phone_hash", phoneHash),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate verification codes: %w", err)
	}
	return nil
}

func (c *OTPCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

// rewrite persists a mutated code preserving the remaining TTL. Callers
// serialize through AcquireLock, so read-modify-write is single-writer.
func (c *OTPCache) rewrite(ctx context.Context, code *model.VerificationCode) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal verification code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	key := codePrefix + code.PhoneHash
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to update verification code: %w", err)
	}
	return nil
}

// ===================== PER-PHONE LOCK =====================

func (c *OTPCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	ok, err := c.client.SetNX(ctx, lockPrefix+key, "locked", ttl)
	if err != nil {
		util.Error("Failed to acquire verification lock",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire verification lock: %w", err)
	}
	return ok, nil
}

func (c *OTPCache) ReleaseLock(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, lockPrefix+key); err != nil {
		return fmt.Errorf("failed to release verification lock: %w", err)
	}
	return nil
}
