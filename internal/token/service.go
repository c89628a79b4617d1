package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/autherr"
	"authcore/internal/config"
	"authcore/internal/hashing"
	"authcore/internal/model"
	"authcore/internal/util"
)

const refreshTokenBytes = 32

// TokenPair is what a successful issue or refresh hands back.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessJTI        string    `json:"-"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenFamily      string    `json:"-"`
}

// Service manages refresh token families and rotation. A refresh token is
// an opaque 256-bit value; only its SHA-256 is stored. Presenting a token
// that already rotated revokes its whole family.
type Service struct {
	store          model.TokenStore
	blacklistCache model.BlacklistStore
	blacklist      model.BlacklistStore
	signer         *Signer
	hasher         *hashing.Hasher
	cfg            config.JWTConfig
}

func NewService(store model.TokenStore, blacklistCache, blacklist model.BlacklistStore, signer *Signer, hasher *hashing.Hasher, cfg config.JWTConfig) *Service {
	return &Service{
		store:          store,
		blacklistCache: blacklistCache,
		blacklist:      blacklist,
		signer:         signer,
		hasher:         hasher,
		cfg:            cfg,
	}
}

// Issue starts a new token family after a successful verification.
func (s *Service) Issue(ctx context.Context, userID, deviceFingerprint string) (*TokenPair, error) {
	now := time.Now().UTC()

	refreshPlain, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}

	record := &model.RefreshToken{
		TokenID:           uuid.New().String(),
		UserID:            userID,
		TokenHash:         s.hasher.HashToken(refreshPlain),
		TokenFamily:       uuid.New().String(),
		DeviceFingerprint: deviceFingerprint,
		Status:            model.TokenStatusActive,
		RotationCount:     0,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.RefreshTTL),
	}

	if err := s.store.CreateToken(ctx, record); err != nil {
		return nil, err
	}

	jti := uuid.New().String()
	access, accessExp, err := s.signer.SignAccess(userID, jti)
	if err != nil {
		return nil, err
	}

	util.Info("Token family started",
		zap.String("user_id", userID),
		zap.String("token_family", record.TokenFamily))

	return &TokenPair{
		AccessToken:      access,
		AccessJTI:        jti,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: record.ExpiresAt,
		TokenFamily:      record.TokenFamily,
	}, nil
}

// Refresh rotates a refresh token. The old token must still be active; a
// rotated or revoked token is evidence its plaintext leaked, so the entire
// family is revoked and ErrTokenReuseDetected comes back for the caller to
// audit.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceFingerprint string) (*TokenPair, error) {
	now := time.Now().UTC()

	current, err := s.store.GetTokenByHash(ctx, s.hasher.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, autherr.ErrTokenNotFound) {
			return nil, autherr.ErrTokenExpired
		}
		return nil, err
	}

	if current.Status != model.TokenStatusActive {
		return nil, s.handleReuse(ctx, current, now)
	}
	if now.After(current.ExpiresAt) {
		return nil, autherr.ErrTokenExpired
	}
	if current.DeviceFingerprint != "" && deviceFingerprint != "" &&
		current.DeviceFingerprint != deviceFingerprint {
		return nil, s.handleReuse(ctx, current, now)
	}

	refreshPlain, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}

	successor := &model.RefreshToken{
		TokenID:           uuid.New().String(),
		UserID:            current.UserID,
		TokenHash:         s.hasher.HashToken(refreshPlain),
		TokenFamily:       current.TokenFamily,
		PreviousTokenID:   current.TokenID,
		DeviceFingerprint: current.DeviceFingerprint,
		Status:            model.TokenStatusActive,
		RotationCount:     current.RotationCount + 1,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.RefreshTTL),
	}

	if err := s.store.CreateToken(ctx, successor); err != nil {
		return nil, err
	}

	applied, err := s.store.MarkRotated(ctx, current.TokenID, successor.TokenID, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost the rotation race: another request presented the same token
		// concurrently. That is reuse; the family goes, successor included.
		return nil, s.handleReuse(ctx, current, now)
	}

	jti := uuid.New().String()
	access, accessExp, err := s.signer.SignAccess(current.UserID, jti)
	if err != nil {
		return nil, err
	}

	util.Info("Refresh token rotated",
		zap.String("user_id", current.UserID),
		zap.String("token_family", current.TokenFamily),
		zap.Int("rotation_count", successor.RotationCount))

	return &TokenPair{
		AccessToken:      access,
		AccessJTI:        jti,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: successor.ExpiresAt,
		TokenFamily:      successor.TokenFamily,
	}, nil
}

func (s *Service) handleReuse(ctx context.Context, token *model.RefreshToken, now time.Time) error {
	revoked, err := s.store.RevokeFamily(ctx, token.TokenFamily, "token_reuse", now)
	if err != nil {
		util.Error("Failed to revoke token family after reuse",
			zap.String("token_family", token.TokenFamily),
			zap.Error(err))
		return err
	}

	util.Warn("Refresh token reuse detected, family revoked",
		zap.String("user_id", token.UserID),
		zap.String("token_family", token.TokenFamily),
		zap.Int("revoked_count", revoked))
	return autherr.ErrTokenReuseDetected
}

// RevokeSession ends a session: the presented refresh token's family is
// revoked and, when the caller supplies the access token's jti, that access
// token is blacklisted until its natural expiry.
func (s *Service) RevokeSession(ctx context.Context, refreshToken, accessJTI, reason string) error {
	now := time.Now().UTC()

	current, err := s.store.GetTokenByHash(ctx, s.hasher.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, autherr.ErrTokenNotFound) {
			return autherr.ErrTokenExpired
		}
		return err
	}

	if _, err := s.store.RevokeFamily(ctx, current.TokenFamily, reason, now); err != nil {
		return err
	}

	if accessJTI != "" {
		entry := &model.BlacklistEntry{
			JTI:           accessJTI,
			TokenType:     accessTokenType,
			UserID:        current.UserID,
			BlacklistedAt: now,
			ExpiresAt:     now.Add(s.cfg.AccessTTL),
			Reason:        reason,
		}
		if err := s.blacklist.Add(ctx, entry); err != nil {
			return err
		}
		if err := s.blacklistCache.Add(ctx, entry); err != nil {
			// Durable write succeeded; the cache miss only costs a lookup.
			util.Warn("Failed to cache blacklist entry", zap.Error(err))
		}
	}

	util.Info("Session revoked",
		zap.String("user_id", current.UserID),
		zap.String("token_family", current.TokenFamily),
		zap.String("reason", reason))
	return nil
}

// IsBlacklisted checks the cache first, then the durable store.
func (s *Service) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	if found, err := s.blacklistCache.Contains(ctx, jti); err == nil && found {
		return true, nil
	}
	return s.blacklist.Contains(ctx, jti)
}

// VerifyAccess validates an access token and rejects blacklisted ids.
func (s *Service) VerifyAccess(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims, err := s.signer.VerifyAccess(tokenString)
	if err != nil {
		return nil, err
	}
	blacklisted, err := s.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, autherr.ErrTokenExpired
	}
	return claims, nil
}

// CleanupExpired prunes refresh tokens past expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, time.Now().UTC())
}

func generateOpaqueToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
