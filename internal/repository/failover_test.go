package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authcore/internal/autherr"
	"authcore/internal/model"
)

// fakeCodeStore records calls and fails on demand.
type fakeCodeStore struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool

	codes map[string]*model.VerificationCode
}

func newFakeCodeStore() *fakeCodeStore {
	return &fakeCodeStore{
		calls: make(map[string]int),
		codes: make(map[string]*model.VerificationCode),
	}
}

func (s *fakeCodeStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.fail {
		return errors.New("store unreachable")
	}
	return nil
}

func (s *fakeCodeStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeCodeStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeCodeStore) CreateCode(_ context.Context, code *model.VerificationCode) error {
	if err := s.record("CreateCode"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *code
	s.codes[code.PhoneHash] = &clone
	return nil
}

func (s *fakeCodeStore) GetActiveCode(_ context.Context, phoneHash string) (*model.VerificationCode, error) {
	if err := s.record("GetActiveCode"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.codes[phoneHash]
	if !ok || stored.IsUsed {
		return nil, autherr.ErrNoActiveCode
	}
	clone := *stored
	return &clone, nil
}

func (s *fakeCodeStore) IncrementAttempts(_ context.Context, code *model.VerificationCode) (int, error) {
	if err := s.record("IncrementAttempts"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.codes[code.PhoneHash]; ok {
		stored.Attempts++
		return stored.Attempts, nil
	}
	return 0, autherr.ErrNoActiveCode
}

func (s *fakeCodeStore) LockCode(_ context.Context, code *model.VerificationCode) error {
	if err := s.record("LockCode"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.codes[code.PhoneHash]; ok {
		stored.IsLocked = true
	}
	return nil
}

func (s *fakeCodeStore) MarkCodeUsed(_ context.Context, code *model.VerificationCode) error {
	if err := s.record("MarkCodeUsed"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.codes[code.PhoneHash]; ok {
		stored.IsUsed = true
	}
	return nil
}

func (s *fakeCodeStore) InvalidateCodes(_ context.Context, phoneHash string) error {
	if err := s.record("InvalidateCodes"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, phoneHash)
	return nil
}

func (s *fakeCodeStore) HealthCheck(context.Context) error {
	return s.record("HealthCheck")
}

func testCode(phoneHash string) *model.VerificationCode {
	now := time.Now().UTC()
	return &model.VerificationCode{
		PhoneHash:      phoneHash,
		CodeCiphertext: []byte("ciphertext"),
		MaxAttempts:    3,
		CreatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func TestFailoverPrefersPrimary(t *testing.T) {
	primary := newFakeCodeStore()
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)
	ctx := context.Background()

	require.NoError(t, store.CreateCode(ctx, testCode("hash-a")))
	_, err := store.GetActiveCode(ctx, "hash-a")
	require.NoError(t, err)

	assert.Equal(t, 1, primary.callCount("CreateCode"))
	assert.Equal(t, 1, primary.callCount("GetActiveCode"))
	assert.Equal(t, 0, fallback.callCount("CreateCode"))
	assert.Equal(t, 0, fallback.callCount("GetActiveCode"))
}

func TestFailoverMissDoesNotDegrade(t *testing.T) {
	primary := newFakeCodeStore()
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)

	_, err := store.GetActiveCode(context.Background(), "never-issued")
	assert.ErrorIs(t, err, autherr.ErrNoActiveCode)
	assert.Equal(t, 0, fallback.callCount("GetActiveCode"), "a miss is an answer, not a failure")

	assert.False(t, store.degraded)
}

func TestFailoverRetriesAgainstFallback(t *testing.T) {
	primary := newFakeCodeStore()
	primary.setFail(true)
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)
	ctx := context.Background()

	// The failed write lands on the fallback instead.
	require.NoError(t, store.CreateCode(ctx, testCode("hash-a")))
	assert.Equal(t, 1, primary.callCount("CreateCode"))
	assert.Equal(t, 1, fallback.callCount("CreateCode"))
	assert.True(t, store.degraded)

	// Degraded mode routes straight to the fallback without touching the
	// primary again.
	_, err := store.GetActiveCode(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, 0, primary.callCount("GetActiveCode"))
	assert.Equal(t, 1, fallback.callCount("GetActiveCode"))
}

func TestFailoverFallbackErrorSurfaces(t *testing.T) {
	primary := newFakeCodeStore()
	primary.setFail(true)
	fallback := newFakeCodeStore()
	fallback.setFail(true)
	store := NewFailoverCodeStore(primary, fallback)

	err := store.CreateCode(context.Background(), testCode("hash-a"))
	assert.Error(t, err)
}

func TestFailoverProbeRecoversPrimary(t *testing.T) {
	primary := newFakeCodeStore()
	primary.setFail(true)
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)
	ctx := context.Background()

	require.NoError(t, store.CreateCode(ctx, testCode("hash-a")))
	require.True(t, store.degraded)

	// Inside the probe interval the primary is left alone.
	require.NoError(t, store.CreateCode(ctx, testCode("hash-b")))
	assert.Equal(t, 0, primary.callCount("HealthCheck"))

	// Heal the primary and age the last probe past the interval.
	primary.setFail(false)
	store.mu.Lock()
	store.lastProbe = time.Now().Add(-probeInterval)
	store.mu.Unlock()

	require.NoError(t, store.CreateCode(ctx, testCode("hash-c")))
	assert.Equal(t, 1, primary.callCount("HealthCheck"))
	assert.False(t, store.degraded)
	assert.Equal(t, 2, primary.callCount("CreateCode"))
}

func TestFailoverProbeFailureStaysDegraded(t *testing.T) {
	primary := newFakeCodeStore()
	primary.setFail(true)
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)
	ctx := context.Background()

	require.NoError(t, store.CreateCode(ctx, testCode("hash-a")))
	require.True(t, store.degraded)

	store.mu.Lock()
	store.lastProbe = time.Now().Add(-probeInterval)
	store.mu.Unlock()

	require.NoError(t, store.CreateCode(ctx, testCode("hash-b")))
	assert.Equal(t, 1, primary.callCount("HealthCheck"))
	assert.True(t, store.degraded)
	assert.Equal(t, 2, fallback.callCount("CreateCode"))
}

func TestFailoverHealthCheck(t *testing.T) {
	primary := newFakeCodeStore()
	fallback := newFakeCodeStore()
	store := NewFailoverCodeStore(primary, fallback)
	ctx := context.Background()

	assert.NoError(t, store.HealthCheck(ctx))

	primary.setFail(true)
	assert.NoError(t, store.HealthCheck(ctx), "fallback keeps the composite healthy")

	fallback.setFail(true)
	assert.Error(t, store.HealthCheck(ctx))
}
