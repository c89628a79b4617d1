package sms

import (
	"context"
	"errors"
	"fmt"
)

// Provider sends one SMS through a single gateway. Implementations classify
// their own failures as retryable or permanent via SendError.
type Provider interface {
	Name() string
	Send(ctx context.Context, phone, message string) (messageID string, err error)
}

// SendError wraps a provider failure with its retry classification.
// Permanent errors (bad number, rejected sender) skip retries and move
// straight to the next provider.
type SendError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s: %s send failure: %v", e.Provider, kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is worth retrying against the same
// provider. Unclassified errors (timeouts, transport failures) count as
// retryable.
func Retryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
