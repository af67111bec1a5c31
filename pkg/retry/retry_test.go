package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/code-payments/payments-engine/pkg/retry/backoff"
)

func TestRetry_RealSleeper(t *testing.T) {
	sleeperImpl = realSleeper{}

	start := time.Now()
	attempts, err := Retry(
		func() error { return errors.New("unavailable") },
		Limit(2),
		Backoff(backoff.Constant(200*time.Millisecond), time.Second),
	)

	assert.EqualError(t, err, "unavailable")
	assert.EqualValues(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_StrategyOrder(t *testing.T) {
	retriable := errors.New("retriable")
	strategies := []Strategy{Limit(5), RetriableErrors(retriable)}

	attempts, err := Retry(func() error { return nil }, strategies...)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, attempts)

	attempts, err = Retry(func() error { return errors.New("permanent") }, strategies...)
	assert.EqualError(t, err, "permanent")
	assert.EqualValues(t, 1, attempts)

	attempts, err = Retry(func() error { return retriable }, strategies...)
	assert.Equal(t, retriable, err)
	assert.EqualValues(t, 5, attempts)

	var calls int
	attempts, err = Retry(func() error {
		calls++
		if calls < 3 {
			return retriable
		}
		return nil
	}, strategies...)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, attempts)
}

func TestLoop_ResetsAfterSuccess(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts

	stop := errors.New("stop")

	var i int
	err := Loop(
		func() error {
			defer func() { i++ }()

			switch {
			case i > 10:
				return stop
			case i%4 == 0:
				return nil
			}
			return errors.New("transient")
		},
		NonRetriableErrors(stop),
		Backoff(backoff.BinaryExponential(1), time.Second),
	)

	assert.Equal(t, stop, err)
	assert.Equal(t, []time.Duration{1, 2, 4, 1, 2, 4, 1, 2}, ts.sleepTimes)
}

func TestRetryWithContext(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts

	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	attempts, err := RetryWithContext(ctx, func(ctx context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("unavailable")
	}, Limit(10), Backoff(backoff.Constant(time.Millisecond), time.Millisecond))

	assert.EqualError(t, err, "unavailable")
	assert.EqualValues(t, 3, attempts)
	assert.Len(t, ts.sleepTimes, 2)
}
