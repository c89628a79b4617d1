package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the authentication core. Callers map these to their
// own wire format; none of them carry internal detail.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrCodeLocked         = errors.New("verification code locked")
	ErrDeliveryFailed     = errors.New("sms delivery failed")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenReuseDetected = errors.New("token reuse detected")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Store-level lookups. Shared across the Redis and Scylla
	// implementations so the failover composite can compare them.
	ErrNoActiveCode  = errors.New("no active verification code")
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrReauthenticate is what reuse detection surfaces to callers. The
	// underlying ErrTokenReuseDetected is logged and audited but never
	// returned directly, so an attacker cannot tell reuse detection apart
	// from an ordinary invalid token.
	ErrReauthenticate = errors.New("re-authentication required")
)

// RateLimitedError carries the remaining cooldown so callers can present it.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Scope, e.RetryAfter)
}

// CodeMismatchError reports a wrong code together with the attempts left
// before lockout.
type CodeMismatchError struct {
	RemainingAttempts int
}

func (e *CodeMismatchError) Error() string {
	return fmt.Sprintf("code mismatch: %d attempts remaining", e.RemainingAttempts)
}

// IsRateLimited reports whether err is a rate limit denial and returns the
// cooldown when it is.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsCodeMismatch reports whether err is a wrong-code failure.
func IsCodeMismatch(err error) (*CodeMismatchError, bool) {
	var cm *CodeMismatchError
	if errors.As(err, &cm) {
		return cm, true
	}
	return nil, false
}
