package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/model"
	"authcore/internal/util"
)

const probeInterval = 15 * time.Second

// FailoverCodeStore fronts two model.CodeStore implementations: Redis for
// speed, Scylla for durability. Writes and reads go to the primary until an
// infrastructure error flips the store into degraded mode; a periodic health
// probe flips it back. Lookup misses are not failures and never trigger
// failover.
type FailoverCodeStore struct {
	primary  model.CodeStore
	fallback model.CodeStore

	mu        sync.Mutex
	degraded  bool
	lastProbe time.Time
}

func NewFailoverCodeStore(primary, fallback model.CodeStore) *FailoverCodeStore {
	return &FailoverCodeStore{
		primary:  primary,
		fallback: fallback,
	}
}

// active returns the store to use, probing the primary when degraded and
// the probe interval has elapsed.
func (f *FailoverCodeStore) active(ctx context.Context) model.CodeStore {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.degraded {
		return f.primary
	}

	if time.Since(f.lastProbe) >= probeInterval {
		f.lastProbe = time.Now()
		if err := f.primary.HealthCheck(ctx); err == nil {
			f.degraded = false
			util.Info("Primary code store recovered, leaving degraded mode")
			return f.primary
		}
	}
	return f.fallback
}

func (f *FailoverCodeStore) markDegraded(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.degraded {
		f.degraded = true
		f.lastProbe = time.Now()
		util.Warn("Primary code store failed, entering degraded mode", zap.Error(err))
	}
}

// failover reports whether err warrants retrying against the fallback.
func failover(err error) bool {
	return err != nil && !errors.Is(err, autherr.ErrNoActiveCode)
}

func (f *FailoverCodeStore) CreateCode(ctx context.Context, code *model.VerificationCode) error {
	store := f.active(ctx)
	err := store.CreateCode(ctx, code)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.CreateCode(ctx, code)
	}
	return err
}

func (f *FailoverCodeStore) GetActiveCode(ctx context.Context, phoneHash string) (*model.VerificationCode, error) {
	store := f.active(ctx)
	code, err := store.GetActiveCode(ctx, phoneHash)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.GetActiveCode(ctx, phoneHash)
	}
	return code, err
}

func (f *FailoverCodeStore) IncrementAttempts(ctx context.Context, code *model.VerificationCode) (int, error) {
	store := f.active(ctx)
	attempts, err := store.IncrementAttempts(ctx, code)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.IncrementAttempts(ctx, code)
	}
	return attempts, err
}

func (f *FailoverCodeStore) LockCode(ctx context.Context, code *model.VerificationCode) error {
	store := f.active(ctx)
	err := store.LockCode(ctx, code)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.LockCode(ctx, code)
	}
	return err
}

func (f *FailoverCodeStore) MarkCodeUsed(ctx context.Context, code *model.VerificationCode) error {
	store := f.active(ctx)
	err := store.MarkCodeUsed(ctx, code)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.MarkCodeUsed(ctx, code)
	}
	return err
}

func (f *FailoverCodeStore) InvalidateCodes(ctx context.Context, phoneHash string) error {
	store := f.active(ctx)
	err := store.InvalidateCodes(ctx, phoneHash)
	if store == f.primary && failover(err) {
		f.markDegraded(err)
		return f.fallback.InvalidateCodes(ctx, phoneHash)
	}
	return err
}

// HealthCheck reports healthy while either store is reachable.
func (f *FailoverCodeStore) HealthCheck(ctx context.Context) error {
	if err := f.primary.HealthCheck(ctx); err == nil {
		return nil
	}
	return f.fallback.HealthCheck(ctx)
}
