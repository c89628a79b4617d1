package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"authcore/internal/audit"
	"authcore/internal/autherr"
	"authcore/internal/hashing"
	"authcore/internal/model"
	"authcore/internal/otp"
	"authcore/internal/ratelimit"
	"authcore/internal/sms"
	"authcore/internal/token"
	"authcore/internal/util"
)

// RequestCodeInput asks for a verification code to be sent.
type RequestCodeInput struct {
	Phone     string
	IPAddress string
	UserAgent string
}

// VerifyCodeInput submits a code for verification.
type VerifyCodeInput struct {
	Phone             string
	Code              string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// RefreshInput rotates a refresh token.
type RefreshInput struct {
	RefreshToken      string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
}

// RevokeInput ends a session.
type RevokeInput struct {
	RefreshToken string
	AccessJTI    string
	IPAddress    string
	UserAgent    string
}

// VerifyCodeResult carries the session minted after a correct code.
type VerifyCodeResult struct {
	UserID string
	Tokens *token.TokenPair
}

// AuthService is the facade over the authentication core. Every operation
// rate limits, delegates, and audits; handlers only translate transport.
type AuthService struct {
	codes      *otp.Manager
	tokens     *token.Service
	dispatcher *sms.Dispatcher
	limiter    *ratelimit.Limiter
	auditLog   *audit.Logger
	hasher     *hashing.Hasher
}

func NewAuthService(codes *otp.Manager, tokens *token.Service, dispatcher *sms.Dispatcher, limiter *ratelimit.Limiter, auditLog *audit.Logger, hasher *hashing.Hasher) *AuthService {
	return &AuthService{
		codes:      codes,
		tokens:     tokens,
		dispatcher: dispatcher,
		limiter:    limiter,
		auditLog:   auditLog,
		hasher:     hasher,
	}
}

// RequestCode issues a verification code and delivers it by SMS.
func (s *AuthService) RequestCode(ctx context.Context, in RequestCodeInput) (*model.DeliveryResult, error) {
	if !util.ValidPhone(in.Phone) {
		return nil, autherr.ErrInvalidInput
	}
	phoneHash := s.hasher.HashPhone(in.Phone)

	if err := s.limiter.CheckPhoneSend(ctx, phoneHash); err != nil {
		if rl, ok := autherr.IsRateLimited(err); ok {
			s.mustAudit(ctx, s.event(model.EventRateLimited, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, map[string]string{
				"scope": rl.Scope,
			}))
		}
		return nil, err
	}

	code, phoneHash, err := s.codes.Issue(ctx, in.Phone)
	if err != nil {
		if rl, ok := autherr.IsRateLimited(err); ok {
			s.mustAudit(ctx, s.event(model.EventRateLimited, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, map[string]string{
				"scope": rl.Scope,
			}))
		}
		return nil, err
	}

	s.audit(ctx, s.event(model.EventSendCodeRequest, in.Phone, phoneHash, in.IPAddress, in.UserAgent, true, nil, nil))

	result, err := s.dispatcher.Send(ctx, in.Phone, "Your verification code is "+code)
	if err != nil {
		// Undeliverable codes are dead weight; drop the record so the next
		// request is not throttled against it.
		if invErr := s.codes.Invalidate(ctx, phoneHash); invErr != nil {
			util.Warn("Failed to invalidate undelivered code", zap.Error(invErr))
		}
		s.audit(ctx, s.event(model.EventSendCodeFailure, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, nil))
		return nil, err
	}

	s.audit(ctx, s.event(model.EventSendCodeSuccess, in.Phone, phoneHash, in.IPAddress, in.UserAgent, true, nil, map[string]string{
		"provider":   result.Provider,
		"message_id": result.MessageID,
	}))
	return result, nil
}

// VerifyCode checks a submitted code and, when correct, starts a session.
func (s *AuthService) VerifyCode(ctx context.Context, in VerifyCodeInput) (*VerifyCodeResult, error) {
	if !util.ValidPhone(in.Phone) || in.Code == "" {
		return nil, autherr.ErrInvalidInput
	}
	phoneHash := s.hasher.HashPhone(in.Phone)

	if err := s.limiter.CheckIPVerify(ctx, in.IPAddress); err != nil {
		if rl, ok := autherr.IsRateLimited(err); ok {
			s.mustAudit(ctx, s.event(model.EventRateLimited, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, map[string]string{
				"scope": rl.Scope,
			}))
		}
		return nil, err
	}

	s.audit(ctx, s.event(model.EventVerifyAttempt, in.Phone, phoneHash, in.IPAddress, in.UserAgent, true, nil, nil))

	userID, err := s.codes.Verify(ctx, in.Phone, in.Code)
	if err != nil {
		if errors.Is(err, autherr.ErrCodeLocked) {
			s.mustAudit(ctx, s.event(model.EventAccountLocked, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, nil))
			return nil, err
		}
		s.mustAudit(ctx, s.event(model.EventVerifyFailure, in.Phone, phoneHash, in.IPAddress, in.UserAgent, false, err, nil))
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, userID, in.DeviceFingerprint)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, s.event(model.EventVerifySuccess, in.Phone, phoneHash, in.IPAddress, in.UserAgent, true, nil, nil))
	s.audit(ctx, s.withUser(s.event(model.EventTokenIssued, in.Phone, phoneHash, in.IPAddress, in.UserAgent, true, nil, map[string]string{
		"token_family": pair.TokenFamily,
	}), userID))

	return &VerifyCodeResult{UserID: userID, Tokens: pair}, nil
}

// IssueTokens starts a session for an already-authenticated user. VerifyCode
// calls this path implicitly; it is exposed for trusted callers that carry
// their own proof of identity.
func (s *AuthService) IssueTokens(ctx context.Context, userID, deviceFingerprint, ip, userAgent string) (*token.TokenPair, error) {
	if userID == "" {
		return nil, autherr.ErrInvalidInput
	}

	pair, err := s.tokens.Issue(ctx, userID, deviceFingerprint)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, s.withUser(s.event(model.EventTokenIssued, "", "", ip, userAgent, true, nil, map[string]string{
		"token_family": pair.TokenFamily,
	}), userID))
	return pair, nil
}

// RefreshTokens rotates a refresh token. Reuse detection is audited before
// it surfaces, and surfaces only as a generic re-authentication demand.
func (s *AuthService) RefreshTokens(ctx context.Context, in RefreshInput) (*token.TokenPair, error) {
	if in.RefreshToken == "" {
		return nil, autherr.ErrInvalidInput
	}

	pair, err := s.tokens.Refresh(ctx, in.RefreshToken, in.DeviceFingerprint)
	if err != nil {
		if errors.Is(err, autherr.ErrTokenReuseDetected) {
			s.mustAudit(ctx, s.event(model.EventTokenReuse, "", "", in.IPAddress, in.UserAgent, false, err, nil))
			return nil, autherr.ErrReauthenticate
		}
		return nil, err
	}

	s.audit(ctx, s.event(model.EventTokenRefreshed, "", "", in.IPAddress, in.UserAgent, true, nil, map[string]string{
		"token_family": pair.TokenFamily,
	}))
	return pair, nil
}

// RevokeSession handles logout.
func (s *AuthService) RevokeSession(ctx context.Context, in RevokeInput) error {
	if in.RefreshToken == "" {
		return autherr.ErrInvalidInput
	}

	if err := s.tokens.RevokeSession(ctx, in.RefreshToken, in.AccessJTI, "logout"); err != nil {
		return err
	}

	s.audit(ctx, s.event(model.EventLogout, "", "", in.IPAddress, in.UserAgent, true, nil, nil))
	s.audit(ctx, s.event(model.EventTokenRevoked, "", "", in.IPAddress, in.UserAgent, true, nil, nil))
	return nil
}

// VerifyAccess validates an access token for resource servers.
func (s *AuthService) VerifyAccess(ctx context.Context, accessToken string) (*token.AccessClaims, error) {
	return s.tokens.VerifyAccess(ctx, accessToken)
}

func (s *AuthService) event(eventType, phone, phoneHash, ip, userAgent string, success bool, opErr error, metadata map[string]string) *model.AuditEvent {
	return &model.AuditEvent{
		EventType:   eventType,
		PhoneMasked: util.MaskPhone(phone),
		PhoneHash:   phoneHash,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     success,
		ErrorCode:   errorCode(opErr),
		Metadata:    metadata,
	}
}

func (s *AuthService) withUser(event *model.AuditEvent, userID string) *model.AuditEvent {
	event.UserID = userID
	return event
}

// audit records an informational event; failures are logged and swallowed.
func (s *AuthService) audit(ctx context.Context, event *model.AuditEvent) {
	if err := s.auditLog.Record(ctx, event); err != nil {
		util.Error("Failed to record audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// mustAudit records a security-critical event. These are synchronous in the
// audit logger; a failure here still must not mask the original denial, so
// the error is logged rather than returned.
func (s *AuthService) mustAudit(ctx context.Context, event *model.AuditEvent) {
	if err := s.auditLog.Record(ctx, event); err != nil {
		util.Error("Failed to persist security audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, autherr.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, autherr.ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, autherr.ErrCodeLocked):
		return "code_locked"
	case errors.Is(err, autherr.ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, autherr.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, autherr.ErrTokenReuseDetected):
		return "token_reuse"
	case errors.Is(err, autherr.ErrStorageUnavailable):
		return "storage_unavailable"
	}
	if _, ok := autherr.IsRateLimited(err); ok {
		return "rate_limited"
	}
	if _, ok := autherr.IsCodeMismatch(err); ok {
		return "code_mismatch"
	}
	return "internal_error"
}
