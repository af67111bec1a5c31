package retry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/code-payments/payments-engine/pkg/retry/backoff"
)

func TestLimit(t *testing.T) {
	strategy := Limit(2)

	assert.True(t, strategy(1, errors.New("test")))
	assert.False(t, strategy(2, errors.New("test")))

	counter, err := Retry(func() error {
		return errors.New("test")
	}, Limit(2))

	assert.EqualError(t, err, "test")
	assert.Equal(t, uint(2), counter)
}

func TestRetriableErrors(t *testing.T) {
	retriableErrors := []error{
		errors.New("retriableA"),
		errors.New("retriableB"),
		errors.New("retriableC"),
	}

	strategy := RetriableErrors(retriableErrors...)
	for _, err := range retriableErrors {
		assert.True(t, strategy(1, err))
		assert.True(t, strategy(1, errors.Wrap(err, "wrapper")))
	}
	assert.False(t, strategy(2, errors.New("unexpected")))
}

func TestNonRetriableErrors(t *testing.T) {
	nonRetriableErrors := []error{
		errors.New("nonRetriableA"),
		errors.New("nonRetriableB"),
		errors.New("nonRetriableC"),
	}

	strategy := NonRetriableErrors(nonRetriableErrors...)
	for _, err := range nonRetriableErrors {
		assert.False(t, strategy(1, err))
		assert.False(t, strategy(1, errors.Wrap(err, "wrapper")))
	}
	assert.True(t, strategy(1, errors.New("unexpected")))
}

func TestBackoff_Capped(t *testing.T) {
	ts := &testSleeper{}
	sleeperImpl = ts
	strategy := Backoff(backoff.BinaryExponential(100*time.Millisecond), 500*time.Millisecond)

	for attempt := uint(1); attempt <= 5; attempt++ {
		assert.True(t, strategy(attempt, errors.New("unavailable")))
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, ts.sleepTimes)
}

func TestBackoffWithJitterContext(t *testing.T) {
	iterations := 10000
	delay := time.Millisecond

	ts := &testSleeper{}
	sleeperImpl = ts
	strategy := BackoffWithJitterContext(context.Background(), backoff.Constant(delay), delay, 0.1)

	for i := 0; i < iterations; i++ {
		assert.True(t, strategy(1, errors.New("err")))
	}

	assert.InDelta(t, float64(time.Duration(iterations)*delay), float64(ts.Total()), float64(time.Second))
	assert.InDelta(t, float64(delay), float64(ts.Mean()), 0.1*float64(delay))

	// Uniform over +/- 10% gives a mean absolute deviation of 5%
	assert.InDelta(t, 0.05*float64(delay), float64(ts.AbsDeviation()), 0.0025*float64(delay))

	for _, d := range ts.sleepTimes {
		assert.GreaterOrEqual(t, d, 900*time.Microsecond)
		assert.LessOrEqual(t, d, 1100*time.Microsecond)
	}
}

func TestRetriableWhen(t *testing.T) {
	transient := errors.New("transient")
	strategy := RetriableWhen(func(err error) bool {
		return errors.Is(err, transient)
	})

	assert.True(t, strategy(1, errors.Wrap(transient, "wrapped")))
	assert.False(t, strategy(1, errors.New("permanent")))
}

func TestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	strategy := Context(ctx)

	assert.True(t, strategy(1, errors.New("err")))
	cancel()
	assert.False(t, strategy(2, errors.New("err")))
}

func TestBackoffWithJitterContext_Cancelled(t *testing.T) {
	sleeperImpl = realSleeper{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	strategy := BackoffWithJitterContext(ctx, backoff.Constant(time.Minute), time.Minute, 0.1)
	assert.False(t, strategy(1, errors.New("err")))
	assert.True(t, time.Since(start) < time.Second)
}

type testSleeper struct {
	sleepTimes []time.Duration
}

func (t *testSleeper) Sleep(_ context.Context, d time.Duration) bool {
	t.sleepTimes = append(t.sleepTimes, d)
	return true
}

func (t *testSleeper) Total() (total time.Duration) {
	for _, d := range t.sleepTimes {
		total += d
	}
	return total
}

func (t *testSleeper) Mean() (mean time.Duration) {
	for _, d := range t.sleepTimes {
		mean += d
	}
	return time.Duration(int(mean) / len(t.sleepTimes))
}

func (t *testSleeper) AbsDeviation() (dev time.Duration) {
	mean := t.Mean()
	for _, d := range t.sleepTimes {
		dev += time.Duration(math.Abs((float64(d) - float64(mean))))
	}
	return time.Duration(int(dev) / len(t.sleepTimes))
}
