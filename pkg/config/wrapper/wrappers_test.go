package wrapper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/memory"
)

// testTypedConfig walks a wrapper through default, override, error and
// unsupported-conversion transitions.
func testTypedConfig[T any](t *testing.T, newWrapper func(config.Config, T) config.Typed[T], defaultValue, overridenValue T, rawOverride interface{}, unsupported interface{}) {
	ctx := context.Background()
	mock := memory.NewConfig(nil)
	wrapper := newWrapper(mock, defaultValue)

	// Return the default value when no override is set
	val, err := wrapper.GetSafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultValue, val)
	assert.Equal(t, defaultValue, wrapper.Get(ctx))

	// The overriden value is returned when set
	mock.SetValue(rawOverride)
	val, err = wrapper.GetSafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, overridenValue, val)
	assert.Equal(t, overridenValue, wrapper.Get(ctx))

	// The last observed config value is returned on error
	mock.InduceErrors()
	val, err = wrapper.GetSafe(ctx)
	require.Error(t, err)
	assert.Equal(t, overridenValue, val)

	// The default value is returned when the override no longer has a value
	mock.StopInducingErrors()
	mock.ClearValue()
	val, err = wrapper.GetSafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultValue, val)

	// Return an unsupported source value type
	mock.SetValue(unsupported)
	val, err = wrapper.GetSafe(ctx)
	assert.Error(t, err)
	assert.Equal(t, defaultValue, val)
}

func TestBytesConfig(t *testing.T) {
	testTypedConfig(t, NewBytesConfig, []byte("default"), []byte("override"), []byte("override"), "not supported")
}

func TestBoolConfig(t *testing.T) {
	testTypedConfig(t, NewBoolConfig, true, false, false, 123)
	testTypedConfig(t, NewBoolConfig, false, true, []byte("true"), 123)
}

func TestDurationConfig(t *testing.T) {
	testTypedConfig(t, NewDurationConfig, time.Minute, 5*time.Second, 5*time.Second, "5s")
	testTypedConfig(t, NewDurationConfig, time.Minute, 10*time.Minute, []byte("10m"), 123)
}

func TestFloat64Config(t *testing.T) {
	testTypedConfig(t, NewFloat64Config, 1.5, 0.25, 0.25, "0.25")
	testTypedConfig(t, NewFloat64Config, 1.5, 0.25, []byte("0.25"), "0.25")
}

func TestUint64Config(t *testing.T) {
	testTypedConfig(t, NewUint64Config, uint64(12), uint64(6), uint64(6), "6")
	testTypedConfig(t, NewUint64Config, uint64(12), uint64(6), 6, -1)
	testTypedConfig(t, NewUint64Config, uint64(12), uint64(100), []byte("100"), "100")
}

func TestStringConfig(t *testing.T) {
	testTypedConfig(t, NewStringConfig, "default", "override", "override", 1)
	testTypedConfig(t, NewStringConfig, "default", "override", []byte("override"), 1)
}

func TestDecimalConfig(t *testing.T) {
	testTypedConfig(t, NewDecimalConfig, decimal.NewFromInt(10), decimal.RequireFromString("0.05"), "0.05", 1)
	testTypedConfig(t, NewDecimalConfig, decimal.NewFromInt(10), decimal.RequireFromString("0.05"), []byte("0.05"), 1)
}

func TestByteParseFailureRetainsLastValue(t *testing.T) {
	ctx := context.Background()
	mock := memory.NewConfig([]byte("30s"))
	wrapper := NewDurationConfig(mock, time.Minute)

	assert.Equal(t, 30*time.Second, wrapper.Get(ctx))

	mock.SetValue([]byte("not a duration"))
	val, err := wrapper.GetSafe(ctx)
	assert.Error(t, err)
	assert.Equal(t, 30*time.Second, val)
}
