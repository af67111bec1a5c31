package provider

import (
	"context"
	"time"

	"github.com/code-payments/payments-engine/pkg/retry"
	"github.com/code-payments/payments-engine/pkg/retry/backoff"
)

const (
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultRetryMaxDelay    = 60 * time.Second
	DefaultRetryMaxAttempts = 6

	DefaultCreateTimeout = 10 * time.Second
	DefaultStatusTimeout = 5 * time.Second
)

// RetryPolicy controls how callers retry transient adapter errors
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint
}

// DefaultRetryPolicy is exponential backoff from 2s capped at 60s, 6 attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultRetryBaseDelay,
		MaxDelay:    DefaultRetryMaxDelay,
		MaxAttempts: DefaultRetryMaxAttempts,
	}
}

// Do runs action with the policy, retrying only transient errors. Each attempt
// gets its own timeout. The loop stops early when ctx is done.
func (p RetryPolicy) Do(ctx context.Context, perAttemptTimeout time.Duration, action func(ctx context.Context) error) (uint, error) {
	return retry.RetryWithContext(
		ctx,
		func(ctx context.Context) error {
			if perAttemptTimeout <= 0 {
				return action(ctx)
			}

			attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
			defer cancel()
			return action(attemptCtx)
		},
		retry.Limit(p.MaxAttempts),
		retry.RetriableWhen(IsTransient),
		retry.BackoffWithJitterContext(ctx, backoff.BinaryExponential(p.BaseDelay), p.MaxDelay, 0.1),
	)
}
