package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/config"
	"authcore/internal/encryption"
	"authcore/internal/hashing"
	"authcore/internal/model"
	"authcore/internal/util"
)

// Manager owns the verification code lifecycle: issuance, throttling,
// attempt counting, lockout, and single-use enforcement. Codes are stored
// encrypted; the plaintext exists only in the SMS hand-off.
type Manager struct {
	store  model.CodeStore
	locks  model.LockCache
	cipher *encryption.Cipher
	hasher *hashing.Hasher
	cfg    config.OTPConfig
}

func NewManager(store model.CodeStore, locks model.LockCache, cipher *encryption.Cipher, hasher *hashing.Hasher, cfg config.OTPConfig) *Manager {
	return &Manager{
		store:  store,
		locks:  locks,
		cipher: cipher,
		hasher: hasher,
		cfg:    cfg,
	}
}

// Issue creates a fresh code for the phone, invalidating any prior one.
// It returns the plaintext code for delivery plus the phone hash; the
// plaintext is never stored or logged.
func (m *Manager) Issue(ctx context.Context, phone string) (code, phoneHash string, err error) {
	if !util.ValidPhone(phone) {
		return "", "", autherr.ErrInvalidInput
	}
	phoneHash = m.hasher.HashPhone(phone)

	// Resend throttle: one issuance per window.
	if existing, err := m.store.GetActiveCode(ctx, phoneHash); err == nil {
		if wait := m.cfg.ResendWindow - time.Since(existing.CreatedAt); wait > 0 {
			return "", "", &autherr.RateLimitedError{Scope: "code_resend", RetryAfter: wait}
		}
	} else if !errors.Is(err, autherr.ErrNoActiveCode) {
		return "", "", err
	}

	if err := m.store.InvalidateCodes(ctx, phoneHash); err != nil {
		return "", "", err
	}

	code, err = generateCode(m.cfg.Length)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate code: %w", err)
	}

	ciphertext, nonce, keyID, err := m.cipher.Encrypt(code)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt code: %w", err)
	}

	now := time.Now().UTC()
	record := &model.VerificationCode{
		CodeID:         uuid.New().String(),
		PhoneHash:      phoneHash,
		CodeCiphertext: ciphertext,
		Nonce:          nonce,
		KeyID:          keyID,
		Attempts:       0,
		MaxAttempts:    m.cfg.MaxAttempts,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	}

	if err := m.store.CreateCode(ctx, record); err != nil {
		return "", "", err
	}

	util.Info("Verification code issued",
		zap.String("phone", util.MaskPhone(phone)),
		zap.String("code_id", record.CodeID),
		zap.Time("expires_at", record.ExpiresAt))
	return code, phoneHash, nil
}

// Invalidate drops any active code for the phone hash, for callers that
// issued a code they could not deliver.
func (m *Manager) Invalidate(ctx context.Context, phoneHash string) error {
	return m.store.InvalidateCodes(ctx, phoneHash)
}

// Verify checks a submitted code. Verifications for one phone are
// serialized through a distributed lock so concurrent submissions cannot
// both consume the code or skip an attempt increment.
func (m *Manager) Verify(ctx context.Context, phone, submitted string) (string, error) {
	if !util.ValidPhone(phone) || submitted == "" {
		return "", autherr.ErrInvalidInput
	}
	phoneHash := m.hasher.HashPhone(phone)

	acquired, err := m.locks.AcquireLock(ctx, phoneHash, m.cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", &autherr.RateLimitedError{Scope: "concurrent_verify", RetryAfter: m.cfg.LockTTL}
	}
	defer func() {
		if err := m.locks.ReleaseLock(context.WithoutCancel(ctx), phoneHash); err != nil {
			util.Warn("Failed to release verification lock",
				zap.String("phone", util.MaskPhone(phone)),
				zap.Error(err))
		}
	}()

	record, err := m.store.GetActiveCode(ctx, phoneHash)
	if err != nil {
		if errors.Is(err, autherr.ErrNoActiveCode) {
			return "", autherr.ErrCodeExpired
		}
		return "", err
	}

	if record.IsLocked {
		return "", autherr.ErrCodeLocked
	}
	if record.Expired(time.Now().UTC()) {
		return "", autherr.ErrCodeExpired
	}
	if record.Attempts >= record.MaxAttempts {
		if err := m.store.LockCode(ctx, record); err != nil {
			return "", err
		}
		return "", autherr.ErrCodeLocked
	}

	expected, err := m.cipher.Decrypt(record.CodeCiphertext, record.Nonce, record.KeyID)
	if err != nil {
		// Undecryptable codes are unusable. Drop the record and make the
		// caller request a new one.
		util.Error("Stored code could not be decrypted",
			zap.String("phone", util.MaskPhone(phone)),
			zap.String("code_id", record.CodeID),
			zap.Error(err))
		if err := m.store.InvalidateCodes(ctx, phoneHash); err != nil {
			return "", err
		}
		return "", autherr.ErrCodeExpired
	}

	if !hashing.ConstantTimeEquals(submitted, expected) {
		attempts, err := m.store.IncrementAttempts(ctx, record)
		if err != nil {
			return "", err
		}
		if attempts >= record.MaxAttempts {
			if err := m.store.LockCode(ctx, record); err != nil {
				return "", err
			}
			util.Warn("Verification code locked after max attempts",
				zap.String("phone", util.MaskPhone(phone)),
				zap.Int("attempts", attempts))
			return "", autherr.ErrCodeLocked
		}
		return "", &autherr.CodeMismatchError{RemainingAttempts: record.MaxAttempts - attempts}
	}

	if err := m.store.MarkCodeUsed(ctx, record); err != nil {
		return "", err
	}

	util.Info("Verification code accepted",
		zap.String("phone", util.MaskPhone(phone)),
		zap.String("code_id", record.CodeID))
	return phoneHash, nil
}

// generateCode draws length digits from crypto/rand, preserving leading
// zeros.
func generateCode(length int) (string, error) {
	max := big.NewInt(10)
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
