package sms

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/config"
	"authcore/internal/model"
	"authcore/internal/util"
)

// breaker is a per-provider circuit breaker. After threshold consecutive
// failures the provider is skipped for the cooldown, then a single probe
// request is let through.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if time.Since(b.openedAt) < b.cooldown {
		return false
	}
	// Half-open: exactly one probe at a time.
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
	}
}

// Dispatcher fans a send across providers in preference order. Retryable
// failures get exponential backoff against the same provider; permanent
// failures and exhausted retries move to the next one. Phone numbers are
// masked in every log line.
type Dispatcher struct {
	providers []Provider
	breakers  map[string]*breaker
	cfg       config.SMSConfig
}

func NewDispatcher(cfg config.SMSConfig, providers ...Provider) *Dispatcher {
	// Put the configured primary first, keep the rest in given order.
	ordered := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Name() == cfg.Primary {
			ordered = append(ordered, p)
		}
	}
	for _, p := range providers {
		if p.Name() != cfg.Primary {
			ordered = append(ordered, p)
		}
	}

	breakers := make(map[string]*breaker, len(ordered))
	for _, p := range ordered {
		breakers[p.Name()] = newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}

	return &Dispatcher{
		providers: ordered,
		breakers:  breakers,
		cfg:       cfg,
	}
}

// Send delivers one message, failing over between providers. The returned
// result names the provider that finally accepted it.
func (d *Dispatcher) Send(ctx context.Context, phone, message string) (*model.DeliveryResult, error) {
	start := time.Now()
	masked := util.MaskPhone(phone)
	totalAttempts := 0
	var lastErr error

	for i, provider := range d.providers {
		br := d.breakers[provider.Name()]
		if !br.allow() {
			util.Warn("SMS provider circuit open, skipping",
				zap.String("provider", provider.Name()),
				zap.String("phone", masked))
			continue
		}

		for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				backoff := d.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}

			totalAttempts++
			messageID, err := d.attempt(ctx, provider, phone, message)
			if err == nil {
				br.success()
				result := &model.DeliveryResult{
					Provider:   provider.Name(),
					MessageID:  messageID,
					Attempts:   totalAttempts,
					FailedOver: i > 0,
					Duration:   time.Since(start),
				}
				util.Info("SMS delivered",
					zap.String("provider", result.Provider),
					zap.String("phone", masked),
					zap.Int("attempts", result.Attempts),
					zap.Bool("failed_over", result.FailedOver),
					zap.Duration("duration", result.Duration))
				return result, nil
			}

			lastErr = err
			br.failure()
			util.Warn("SMS send attempt failed",
				zap.String("provider", provider.Name()),
				zap.String("phone", masked),
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", Retryable(err)),
				zap.Error(err))

			if !Retryable(err) {
				break
			}
		}
	}

	util.Error("SMS delivery failed on all providers",
		zap.String("phone", masked),
		zap.Int("attempts", totalAttempts),
		zap.Error(lastErr))
	return nil, autherr.ErrDeliveryFailed
}

// attempt runs one provider call under the send timeout. The goroutine
// shields callers from providers that do not honor context cancellation.
func (d *Dispatcher) attempt(ctx context.Context, provider Provider, phone, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	type sendResult struct {
		messageID string
		err       error
	}
	done := make(chan sendResult, 1)

	go func() {
		messageID, err := provider.Send(ctx, phone, message)
		done <- sendResult{messageID, err}
	}()

	select {
	case <-ctx.Done():
		return "", &SendError{Provider: provider.Name(), Retryable: true, Err: ctx.Err()}
	case r := <-done:
		return r.messageID, r.err
	}
}
