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

// TokenRepository implements model.TokenStore and model.BlacklistStore.
// Refresh tokens live in three tables: the row itself keyed by token_id,
// plus hash and family lookup tables. Rotation goes through a lightweight
// transaction so two presentations of the same token cannot both succeed.
type TokenRepository struct {
	client *ScyllaClient
}

func NewTokenRepository(client *ScyllaClient) *TokenRepository {
	return &TokenRepository{client: client}
}

func (r *TokenRepository) CreateToken(ctx context.Context, token *model.RefreshToken) error {
	if token.TokenID == "" {
		token.TokenID = uuid.New().String()
	}

	query := r.client.Query(ctx, r.client.stmts.CreateToken,
		token.TokenID, token.UserID, token.TokenHash, token.TokenFamily,
		token.PreviousTokenID, token.RotatedToTokenID, token.DeviceFingerprint,
		token.Status, token.RotationCount, token.CreatedAt, token.ExpiresAt,
		derefTime(token.LastUsedAt), derefTime(token.RevokedAt),
		token.RevokeReason)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create refresh token",
			zap.String("token_id", token.TokenID),
			zap.String("user_id", token.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create refresh token: %w", err)
	}

	hashIdx := r.client.Query(ctx, r.client.stmts.IndexTokenHash, token.TokenHash, token.TokenID)
	if err := r.client.ExecuteWithRetry(hashIdx, 2); err != nil {
		return fmt.Errorf("failed to index refresh token by hash: %w", err)
	}

	famIdx := r.client.Query(ctx, r.client.stmts.IndexTokenFamily, token.TokenFamily, token.TokenID)
	if err := r.client.ExecuteWithRetry(famIdx, 2); err != nil {
		return fmt.Errorf("failed to index refresh token by family: %w", err)
	}

	util.Debug("Refresh token stored",
		zap.String("token_id", token.TokenID),
		zap.String("token_family", token.TokenFamily),
		zap.Int("rotation_count", token.RotationCount))
	return nil
}

func (r *TokenRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	var tokenID string
	query := r.client.Query(ctx, r.client.stmts.GetTokenIDByHash, tokenHash)
	if err := r.client.ScanWithRetry(query, &tokenID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return r.getTokenByID(ctx, tokenID)
}

func (r *TokenRepository) getTokenByID(ctx context.Context, tokenID string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	var lastUsedAt, revokedAt time.Time

	query := r.client.Query(ctx, r.client.stmts.GetTokenByID, tokenID)
	err := r.client.ScanWithRetry(query,
		&token.TokenID, &token.UserID, &token.TokenHash, &token.TokenFamily,
		&token.PreviousTokenID, &token.RotatedToTokenID, &token.DeviceFingerprint,
		&token.Status, &token.RotationCount, &token.CreatedAt, &token.ExpiresAt,
		&lastUsedAt, &revokedAt, &token.RevokeReason)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, autherr.ErrTokenNotFound
		}
		util.Error("Failed to get refresh token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if !lastUsedAt.IsZero() {
		token.LastUsedAt = &lastUsedAt
	}
	if !revokedAt.IsZero() {
		token.RevokedAt = &revokedAt
	}
	return token, nil
}

// MarkRotated flips tokenID from active to rotated through a lightweight
// transaction. applied=false means another request already moved the token
// out of active, which callers treat as concurrent reuse.
func (r *TokenRepository) MarkRotated(ctx context.Context, tokenID, rotatedToID string, lastUsed time.Time) (bool, error) {
	var prevStatus string
	query := r.client.Query(ctx, r.client.stmts.MarkTokenRotated, rotatedToID, lastUsed, tokenID)

	applied, err := query.ScanCAS(&prevStatus)
	if err != nil {
		util.Error("Failed to rotate refresh token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	if !applied {
		util.Warn("Refresh token rotation lost the race",
			zap.String("token_id", tokenID),
			zap.String("current_status", prevStatus))
	}
	return applied, nil
}

func (r *TokenRepository) GetFamily(ctx context.Context, family string) ([]*model.RefreshToken, error) {
	iter := r.client.Query(ctx, r.client.stmts.GetFamilyTokenIDs, family).Iter()

	var tokenIDs []string
	var tokenID string
	for iter.Scan(&tokenID) {
		tokenIDs = append(tokenIDs, tokenID)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list token family: %w", err)
	}

	tokens := make([]*model.RefreshToken, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		token, err := r.getTokenByID(ctx, id)
		if err != nil {
			if err == autherr.ErrTokenNotFound {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// RevokeFamily revokes every non-revoked token in the family and returns
// how many rows it touched.
func (r *TokenRepository) RevokeFamily(ctx context.Context, family, reason string, at time.Time) (int, error) {
	tokens, err := r.GetFamily(ctx, family)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, token := range tokens {
		if token.Status == model.TokenStatusRevoked {
			continue
		}
		query := r.client.Query(ctx, r.client.stmts.RevokeToken, at, reason, token.TokenID)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			util.Error("Failed to revoke family member",
				zap.String("token_family", family),
				zap.String("token_id", token.TokenID),
				zap.Error(err))
			return revoked, fmt.Errorf("failed to revoke token family: %w", err)
		}
		revoked++
	}

	util.Warn("Token family revoked",
		zap.String("token_family", family),
		zap.String("reason", reason),
		zap.Int("revoked_count", revoked))
	return revoked, nil
}

func (r *TokenRepository) RevokeToken(ctx context.Context, tokenID, reason string, at time.Time) error {
	query := r.client.Query(ctx, r.client.stmts.RevokeToken, at, reason, tokenID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to revoke refresh token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens past their expiry along with their index
// rows. Batched the same way expired rows are cleaned elsewhere.
func (r *TokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Session.Query(`
        SELECT token_id, token_hash, token_family FROM refresh_tokens
        WHERE expires_at < ? ALLOW FILTERING`, before).WithContext(ctx).Iter()

	var tokenID, tokenHash, tokenFamily string
	deletedCount := 0

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch)
	batchSize := 0

	for iter.Scan(&tokenID, &tokenHash, &tokenFamily) {
		batch.Query(`DELETE FROM refresh_tokens WHERE token_id = ?`, tokenID)
		batch.Query(`DELETE FROM tokens_by_hash WHERE token_hash = ?`, tokenHash)
		batch.Query(`DELETE FROM tokens_by_family WHERE token_family = ? AND token_id = ?`, tokenFamily, tokenID)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				util.Error("Failed to execute batch delete for expired tokens", zap.Error(err))
				iter.Close()
				return deletedCount, fmt.Errorf("failed to delete expired tokens: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Session.NewBatch(gocql.UnloggedBatch)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to execute final batch delete for expired tokens", zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to delete expired tokens: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to close iterator for expired token cleanup", zap.Error(err))
		return deletedCount, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}

	if deletedCount > 0 {
		util.Info("Expired refresh tokens deleted", zap.Int("deleted_count", deletedCount))
	}
	return deletedCount, nil
}

func (r *TokenRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// ===================== TOKEN BLACKLIST =====================

func (r *TokenRepository) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	ttl := int(time.Until(entry.ExpiresAt).Seconds())
	if ttl <= 0 {
		return nil
	}

	query := r.client.Query(ctx, r.client.stmts.AddBlacklist,
		entry.JTI, entry.TokenType, entry.UserID,
		entry.BlacklistedAt, entry.ExpiresAt, entry.Reason, ttl)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to blacklist token",
			zap.String("jti", entry.JTI),
			zap.Error(err))
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (r *TokenRepository) Contains(ctx context.Context, jti string) (bool, error) {
	var found string
	query := r.client.Query(ctx, r.client.stmts.GetBlacklist, jti)
	if err := r.client.ScanWithRetry(query, &found); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return true, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
