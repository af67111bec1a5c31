package provider

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrTransient covers network failures, timeouts, 5xx and 429 responses.
	// Callers retry these with backoff.
	ErrTransient = errors.New("transient provider error")

	ErrNotFound              = errors.New("provider resource not found")
	ErrMalformedPayload      = errors.New("malformed provider payload")
	ErrEstimateNotSupported  = errors.New("provider does not support estimates")
	ErrUnsupportedProvider   = errors.New("provider is not configured")
	ErrWebhookSecretRequired = errors.New("webhook secret is required")
)

// RejectedError is a terminal provider refusal, typically a 4xx response
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected request (status %d): %s", e.StatusCode, e.Reason)
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransient) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRejected reports whether err is a terminal provider refusal, and returns it
func IsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}
