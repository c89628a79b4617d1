package model

import (
	"context"
	"time"
)

// -------------------- VERIFICATION CODE MODEL --------------------

// VerificationCode is a one-time SMS code at rest. The code itself is never
// stored: only the AES-GCM ciphertext plus the nonce and key id needed to
// decrypt it during verification.
type VerificationCode struct {
	CodeID         string    `json:"code_id" db:"code_id"` // UUID
	PhoneHash      string    `json:"phone_hash" db:"phone_hash"`
	CodeCiphertext []byte    `json:"code_ciphertext" db:"code_ciphertext"`
	Nonce          []byte    `json:"nonce" db:"nonce"`
	KeyID          string    `json:"key_id" db:"key_id"`
	Attempts       int       `json:"attempts" db:"attempts"`
	MaxAttempts    int       `json:"max_attempts" db:"max_attempts"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	IsUsed         bool      `json:"is_used" db:"is_used"`
	IsLocked       bool      `json:"is_locked" db:"is_locked"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *VerificationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- REFRESH TOKEN MODEL --------------------

// Refresh token lifecycle states. A token leaves Active exactly once:
// to Rotated when presented legitimately, or straight to Revoked on
// logout, admin action, or family-wide revocation.
const (
	TokenStatusActive  = "active"
	TokenStatusRotated = "rotated"
	TokenStatusRevoked = "revoked"
)

// RefreshToken is one link in a rotation chain. Every token produced by
// rotating from a common origin shares TokenFamily.
type RefreshToken struct {
	TokenID           string     `json:"token_id" db:"token_id"` // UUID
	UserID            string     `json:"user_id" db:"user_id"`
	TokenHash         string     `json:"token_hash" db:"token_hash"` // SHA-256, never plaintext
	TokenFamily       string     `json:"token_family" db:"token_family"`
	PreviousTokenID   string     `json:"previous_token_id" db:"previous_token_id"`
	RotatedToTokenID  string     `json:"rotated_to_token_id" db:"rotated_to_token_id"`
	DeviceFingerprint string     `json:"device_fingerprint" db:"device_fingerprint"`
	Status            string     `json:"status" db:"status"`
	RotationCount     int        `json:"rotation_count" db:"rotation_count"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	LastUsedAt        *time.Time `json:"last_used_at" db:"last_used_at"`
	RevokedAt         *time.Time `json:"revoked_at" db:"revoked_at"`
	RevokeReason      string     `json:"revoke_reason" db:"revoke_reason"`
}

// Active reports whether the token can still be rotated.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.Status == TokenStatusActive && now.Before(t.ExpiresAt)
}

// -------------------- TOKEN BLACKLIST MODEL --------------------

// BlacklistEntry invalidates an access token between its natural expiry
// checks. ExpiresAt mirrors the token's own expiry so entries prune
// themselves.
type BlacklistEntry struct {
	JTI           string    `json:"jti" db:"jti"`
	TokenType     string    `json:"token_type" db:"token_type"`
	UserID        string    `json:"user_id" db:"user_id"`
	BlacklistedAt time.Time `json:"blacklisted_at" db:"blacklisted_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	Reason        string    `json:"reason" db:"reason"`
}

// -------------------- AUDIT EVENT MODEL --------------------

// Audit event types.
const (
	EventSendCodeRequest = "send_code_request"
	EventSendCodeSuccess = "send_code_success"
	EventSendCodeFailure = "send_code_failure"
	EventVerifyAttempt   = "verify_attempt"
	EventVerifySuccess   = "verify_success"
	EventVerifyFailure   = "verify_failure"
	EventTokenIssued     = "token_issued"
	EventTokenRefreshed  = "token_refreshed"
	EventTokenRevoked    = "token_revoked"
	EventTokenReuse      = "token_reuse_detected"
	EventRateLimited     = "rate_limit_exceeded"
	EventAccountLocked   = "account_locked"
	EventAccountUnlocked = "account_unlocked"
	EventLogout          = "logout"
)

// AuditEvent is an append-only record of one authentication event. No field
// is mutated after insert except the archival flag.
type AuditEvent struct {
	EventID     string            `json:"event_id" db:"event_id"` // UUID
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	EventType   string            `json:"event_type" db:"event_type"`
	UserID      string            `json:"user_id,omitempty" db:"user_id"`
	PhoneMasked string            `json:"phone_masked" db:"phone_masked"`
	PhoneHash   string            `json:"phone_hash,omitempty" db:"phone_hash"`
	IPAddress   string            `json:"ip_address" db:"ip_address"`
	UserAgent   string            `json:"user_agent,omitempty" db:"user_agent"`
	Success     bool              `json:"success" db:"success"`
	ErrorCode   string            `json:"error_code,omitempty" db:"error_code"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	Archived    bool              `json:"archived" db:"archived"`
}

// SecurityCritical reports whether the event must be persisted before the
// triggering operation may return to the caller.
func (e *AuditEvent) SecurityCritical() bool {
	switch e.EventType {
	case EventVerifyFailure, EventRateLimited, EventTokenReuse, EventAccountLocked:
		return true
	}
	return false
}

// -------------------- STORE INTERFACES --------------------

// CodeStore persists verification codes. Two implementations exist (Redis
// and Scylla); the failover composite picks whichever is healthy.
type CodeStore interface {
	CreateCode(ctx context.Context, code *VerificationCode) error
	GetActiveCode(ctx context.Context, phoneHash string) (*VerificationCode, error)
	IncrementAttempts(ctx context.Context, code *VerificationCode) (int, error)
	LockCode(ctx context.Context, code *VerificationCode) error
	MarkCodeUsed(ctx context.Context, code *VerificationCode) error
	InvalidateCodes(ctx context.Context, phoneHash string) error
	HealthCheck(ctx context.Context) error
}

// TokenStore persists refresh tokens and rotation chains.
type TokenStore interface {
	CreateToken(ctx context.Context, token *RefreshToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// MarkRotated transitions tokenID from active to rotated and links the
	// successor, atomically. Returns false when the token was no longer
	// active, which the caller must treat as concurrent reuse.
	MarkRotated(ctx context.Context, tokenID, rotatedToID string, lastUsed time.Time) (bool, error)
	GetFamily(ctx context.Context, family string) ([]*RefreshToken, error)
	RevokeFamily(ctx context.Context, family, reason string, at time.Time) (int, error)
	RevokeToken(ctx context.Context, tokenID, reason string, at time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}

// BlacklistStore records revoked access-token ids until they would have
// expired anyway.
type BlacklistStore interface {
	Add(ctx context.Context, entry *BlacklistEntry) error
	Contains(ctx context.Context, jti string) (bool, error)
}

// AuditStore is the durable sink for audit events.
type AuditStore interface {
	Insert(ctx context.Context, event *AuditEvent) error
	InsertBatch(ctx context.Context, events []*AuditEvent) error
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) error
	HealthCheck(ctx context.Context) error
}

// -------------------- CACHE INTERFACES --------------------

// LockCache provides best-effort distributed mutual exclusion keyed by an
// identifier (phone hash for OTP verification).
type LockCache interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// CounterCache backs the rate limiter with atomic windowed counters.
type CounterCache interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	HealthCheck(ctx context.Context) error
}

// -------------------- SMS --------------------

// DeliveryResult describes one SMS send, including which provider finally
// accepted it.
type DeliveryResult struct {
	Provider   string
	MessageID  string
	Attempts   int
	FailedOver bool
	Duration   time.Duration
}
