package env

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/code-payments/payments-engine/pkg/config"
)

func TestConfig_Snapshot(t *testing.T) {
	const key = "ENV_CONFIG_TEST_PROVIDER"
	t.Setenv(key, "STRIPE")

	c := NewConfig("env_config_test_provider")
	t.Setenv(key, "CRYPTOMUS")

	v, err := c.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []byte("STRIPE"), v)
}

func TestConfig_Unset(t *testing.T) {
	const key = "ENV_CONFIG_TEST_EMPTY"
	t.Setenv(key, "")

	v, err := NewConfig(key).Get(context.Background())
	assert.Nil(t, v)
	assert.Equal(t, config.ErrNoValue, err)
}

func TestTypedConfigs(t *testing.T) {
	ctx := context.Background()

	t.Setenv("ENV_CONFIG_TEST_INTERVAL", "90s")
	t.Setenv("ENV_CONFIG_TEST_FEE", "0.015")
	t.Setenv("ENV_CONFIG_TEST_LIMIT", "250")
	t.Setenv("ENV_CONFIG_TEST_ENABLED", "true")

	assert.Equal(t, 90*time.Second, NewDurationConfig("ENV_CONFIG_TEST_INTERVAL", time.Minute).Get(ctx))
	assert.Equal(t, time.Minute, NewDurationConfig("ENV_CONFIG_TEST_MISSING", time.Minute).Get(ctx))
	assert.True(t, decimal.RequireFromString("0.015").Equal(NewDecimalConfig("ENV_CONFIG_TEST_FEE", decimal.Zero).Get(ctx)))
	assert.EqualValues(t, 250, NewUint64Config("ENV_CONFIG_TEST_LIMIT", 10).Get(ctx))
	assert.True(t, NewBoolConfig("ENV_CONFIG_TEST_ENABLED", false).Get(ctx))
	assert.Equal(t, "fallback", NewStringConfig("ENV_CONFIG_TEST_MISSING", "fallback").Get(ctx))
}
