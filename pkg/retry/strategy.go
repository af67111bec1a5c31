package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/code-payments/payments-engine/pkg/retry/backoff"
)

// Strategy decides whether another attempt is made after a failure. A
// strategy may block, for example to back off.
type Strategy func(attempts uint, err error) bool

// Limit allows at most maxAttempts attempts in total
func Limit(maxAttempts uint) Strategy {
	return func(attempts uint, _ error) bool {
		return attempts < maxAttempts
	}
}

// RetriableErrors only retries errors matching one of retriable
func RetriableErrors(retriable ...error) Strategy {
	return func(_ uint, err error) bool {
		return matchesAny(err, retriable)
	}
}

// NonRetriableErrors retries everything except errors matching nonRetriable
func NonRetriableErrors(nonRetriable ...error) Strategy {
	return func(_ uint, err error) bool {
		return !matchesAny(err, nonRetriable)
	}
}

// RetriableWhen retries errors the classifier accepts
func RetriableWhen(classifier func(err error) bool) Strategy {
	return func(_ uint, err error) bool {
		return classifier(err)
	}
}

// Context stops retrying once ctx is done
func Context(ctx context.Context) Strategy {
	return func(uint, error) bool {
		return ctx.Err() == nil
	}
}

// Backoff sleeps for the schedule's delay, capped at maxBackoff, before
// allowing the next attempt
func Backoff(schedule backoff.Strategy, maxBackoff time.Duration) Strategy {
	return func(attempts uint, _ error) bool {
		return sleeperImpl.Sleep(context.Background(), capDelay(schedule(attempts), maxBackoff))
	}
}

// BackoffWithJitterContext is Backoff with the capped delay randomly spread by
// +/- jitter (a fraction, 0.1 being 10%). No further attempt is made when ctx
// is done before the delay elapses.
func BackoffWithJitterContext(ctx context.Context, schedule backoff.Strategy, maxBackoff time.Duration, jitter float64) Strategy {
	return func(attempts uint, _ error) bool {
		delay := float64(capDelay(schedule(attempts), maxBackoff))
		spread := (2*rand.Float64() - 1) * jitter
		return sleeperImpl.Sleep(ctx, time.Duration(delay*(1+spread)))
	}
}

func capDelay(delay, limit time.Duration) time.Duration {
	if delay > limit {
		return limit
	}
	return delay
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type sleeper interface {
	// Sleep reports false when ctx ended the sleep early
	Sleep(ctx context.Context, d time.Duration) bool
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var sleeperImpl sleeper = realSleeper{}
