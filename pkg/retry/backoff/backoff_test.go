package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	s := Constant(250 * time.Millisecond)
	for attempt := uint(1); attempt <= 8; attempt++ {
		assert.Equal(t, 250*time.Millisecond, s(attempt))
	}
}

func TestExponential(t *testing.T) {
	s := Exponential(2*time.Second, 3)

	for attempt, expected := range []time.Duration{2 * time.Second, 6 * time.Second, 18 * time.Second, 54 * time.Second} {
		assert.Equal(t, expected, s(uint(attempt+1)))
	}
}

func TestExponential_Saturates(t *testing.T) {
	s := BinaryExponential(time.Second)
	assert.EqualValues(t, math.MaxInt64, s(200))
}

func TestBinaryExponential(t *testing.T) {
	s := BinaryExponential(500 * time.Millisecond)

	assert.Equal(t, 500*time.Millisecond, s(1))
	assert.Equal(t, time.Second, s(2))
	assert.Equal(t, 2*time.Second, s(3))
	assert.Equal(t, 4*time.Second, s(4))
}
