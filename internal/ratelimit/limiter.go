package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/config"
	"authcore/internal/model"
	"authcore/internal/util"
)

// Rate limit scopes.
const (
	ScopePhoneSendHour = "phone_send_hour"
	ScopePhoneSendDay  = "phone_send_day"
	ScopeIPVerifyHour  = "ip_verify_hour"
)

// Limiter enforces fixed-window limits on code issuance and verification.
// When the counter cache is unreachable the limiter fails closed unless the
// scope is explicitly listed as fail-open in config.
type Limiter struct {
	cache model.CounterCache
	cfg   config.RateLimitConfig

	failOpen map[string]bool
}

func NewLimiter(cache model.CounterCache, cfg config.RateLimitConfig) *Limiter {
	failOpen := make(map[string]bool, len(cfg.FailOpenScopes))
	for _, scope := range cfg.FailOpenScopes {
		failOpen[scope] = true
	}

	return &Limiter{
		cache:    cache,
		cfg:      cfg,
		failOpen: failOpen,
	}
}

// CheckPhoneSend enforces both the hourly and daily issuance limits for one
// phone. The first window to deny wins; both counters still advance.
func (l *Limiter) CheckPhoneSend(ctx context.Context, phoneHash string) error {
	if err := l.check(ctx, ScopePhoneSendHour, phoneHash, l.cfg.PhonePerHour, time.Hour); err != nil {
		return err
	}
	return l.check(ctx, ScopePhoneSendDay, phoneHash, l.cfg.PhonePerDay, 24*time.Hour)
}

// CheckIPVerify enforces the hourly verification limit per source IP.
func (l *Limiter) CheckIPVerify(ctx context.Context, ip string) error {
	return l.check(ctx, ScopeIPVerifyHour, ip, l.cfg.IPPerHour, time.Hour)
}

func (l *Limiter) check(ctx context.Context, scope, identifier string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}

	key := scope + ":" + identifier
	count, ttl, err := l.cache.IncrementWindow(ctx, key, window)
	if err != nil {
		if l.failOpen[scope] {
			util.Warn("Rate limit counter unavailable, failing open",
				zap.String("scope", scope),
				zap.Error(err))
			return nil
		}
		util.Error("Rate limit counter unavailable, failing closed",
			zap.String("scope", scope),
			zap.Error(err))
		return autherr.ErrStorageUnavailable
	}

	if count > int64(limit) {
		util.Warn("Rate limit exceeded",
			zap.String("scope", scope),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("retry_after", ttl))
		return &autherr.RateLimitedError{Scope: scope, RetryAfter: ttl}
	}
	return nil
}
