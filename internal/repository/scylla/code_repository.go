package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/model"
	"authcore/internal/util"
)

// CodeRepository is the durable model.CodeStore, used when Redis is down.
type CodeRepository struct {
	client *ScyllaClient
}

func NewCodeRepository(client *ScyllaClient) *CodeRepository {
	return &CodeRepository{client: client}
}

func (r *CodeRepository) CreateCode(ctx context.Context, code *model.VerificationCode) error {
	if code.CodeID == "" {
		code.CodeID = uuid.New().String()
	}

	ttl := int(time.Until(code.ExpiresAt).Seconds())
	if ttl <= 0 {
		return fmt.Errorf("refusing to store already-expired code")
	}

	query := r.client.Query(ctx, r.client.stmts.CreateCode,
		code.PhoneHash, code.CodeID, code.CodeCiphertext, code.Nonce, code.KeyID,
		code.Attempts, code.MaxAttempts, code.CreatedAt, code.ExpiresAt,
		code.IsUsed, code.IsLocked, ttl)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create verification code",
			zap.String("phone_hash", code.PhoneHash),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to create verification code: %w", err)
	}

	util.Debug("Verification code stored",
		zap.String("phone_hash", code.PhoneHash),
		zap.String("code_id", code.CodeID),
		zap.Time("expires_at", code.ExpiresAt))
	return nil
}

func (r *CodeRepository) GetActiveCode(ctx context.Context, phoneHash string) (*model.VerificationCode, error) {
	code := &model.VerificationCode{}

	query := r.client.Query(ctx, r.client.stmts.GetCodeByPhone, phoneHash)

	err := r.client.ScanWithRetry(query,
		&code.PhoneHash, &code.CodeID, &code.CodeCiphertext, &code.Nonce, &code.KeyID,
		&code.Attempts, &code.MaxAttempts, &code.CreatedAt, &code.ExpiresAt,
		&code.IsUsed, &code.IsLocked)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrNoActiveCode
		}
		util.Error("Failed to get verification code",
			zap.String("phone_hash", phoneHash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get verification code: %w", err)
	}

	if code.IsUsed {
		return nil, autherr.ErrNoActiveCode
	}
	return code, nil
}

func (r *CodeRepository) IncrementAttempts(ctx context.Context, code *model.VerificationCode) (int, error) {
	code.Attempts++

	query := r.client.Query(ctx, r.client.stmts.UpdateAttempts, code.Attempts, code.PhoneHash)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to increment code attempts",
			zap.String("phone_hash", code.PhoneHash),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment code attempts: %w", err)
	}
	return code.Attempts, nil
}

func (r *CodeRepository) LockCode(ctx context.Context, code *model.VerificationCode) error {
	code.IsLocked = true

	query := r.client.Query(ctx, r.client.stmts.LockCode, code.PhoneHash)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to lock verification code: %w", err)
	}

	util.Warn("Verification code locked",
		zap.String("phone_hash", code.PhoneHash),
		zap.Int("attempts", code.Attempts))
	return nil
}

func (r *CodeRepository) MarkCodeUsed(ctx context.Context, code *model.VerificationCode) error {
	code.IsUsed = true

	query := r.client.Query(ctx, r.client.stmts.MarkCodeUsed, code.PhoneHash)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to mark verification code used: %w", err)
	}
	return nil
}

func (r *CodeRepository) InvalidateCodes(ctx context.Context, phoneHash string) error {
	query := r.client.Query(ctx, r.client.stmts.DeleteCode, phoneHash)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to invalidate verification codes",
			zap.String("phone_hash", phoneHash),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate verification codes: %w", err)
	}
	return nil
}

func (r *CodeRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
