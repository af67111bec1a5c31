package engine

import (
	"time"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/env"
	"github.com/code-payments/payments-engine/pkg/config/memory"
	"github.com/code-payments/payments-engine/pkg/config/wrapper"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	envConfigPrefix = "ENGINE_"

	CreationTimeoutConfigEnvName = envConfigPrefix + "CREATION_TIMEOUT"
	defaultCreationTimeout       = 30 * time.Second

	CreateCallTimeoutConfigEnvName = envConfigPrefix + "CREATE_CALL_TIMEOUT"
	defaultCreateCallTimeout       = provider.DefaultCreateTimeout

	DefaultInvoiceTtlConfigEnvName = envConfigPrefix + "DEFAULT_INVOICE_TTL"
	defaultDefaultInvoiceTtl       = 60 * time.Minute

	RetryBaseDelayConfigEnvName = envConfigPrefix + "RETRY_BASE_DELAY"
	defaultRetryBaseDelay       = provider.DefaultRetryBaseDelay

	RetryMaxDelayConfigEnvName = envConfigPrefix + "RETRY_MAX_DELAY"
	defaultRetryMaxDelay       = provider.DefaultRetryMaxDelay

	RetryMaxAttemptsConfigEnvName = envConfigPrefix + "RETRY_MAX_ATTEMPTS"
	defaultRetryMaxAttempts       = provider.DefaultRetryMaxAttempts

	WarmQuoteCacheConfigEnvName = envConfigPrefix + "WARM_QUOTE_CACHE"
	defaultWarmQuoteCache       = true
)

type conf struct {
	creationTimeout   config.Duration
	createCallTimeout config.Duration
	defaultInvoiceTtl config.Duration
	retryBaseDelay    config.Duration
	retryMaxDelay     config.Duration
	retryMaxAttempts  config.Uint64
	warmQuoteCache    config.Bool
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			creationTimeout:   env.NewDurationConfig(CreationTimeoutConfigEnvName, defaultCreationTimeout),
			createCallTimeout: env.NewDurationConfig(CreateCallTimeoutConfigEnvName, defaultCreateCallTimeout),
			defaultInvoiceTtl: env.NewDurationConfig(DefaultInvoiceTtlConfigEnvName, defaultDefaultInvoiceTtl),
			retryBaseDelay:    env.NewDurationConfig(RetryBaseDelayConfigEnvName, defaultRetryBaseDelay),
			retryMaxDelay:     env.NewDurationConfig(RetryMaxDelayConfigEnvName, defaultRetryMaxDelay),
			retryMaxAttempts:  env.NewUint64Config(RetryMaxAttemptsConfigEnvName, defaultRetryMaxAttempts),
			warmQuoteCache:    env.NewBoolConfig(WarmQuoteCacheConfigEnvName, defaultWarmQuoteCache),
		}
	}
}

// WithFastRetryConfigs returns the default configuration with a short retry
// backoff and creation timeout, for use in tests across packages
func WithFastRetryConfigs() ConfigProvider {
	return withManualTestOverrides(&testOverrides{
		creationTimeout: time.Second,
		retryBaseDelay:  10 * time.Millisecond,
	})
}

type testOverrides struct {
	creationTimeout  time.Duration
	retryBaseDelay   time.Duration
	retryMaxAttempts uint64
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	creationTimeout := defaultCreationTimeout
	if overrides.creationTimeout > 0 {
		creationTimeout = overrides.creationTimeout
	}

	retryBaseDelay := defaultRetryBaseDelay
	retryMaxDelay := defaultRetryMaxDelay
	if overrides.retryBaseDelay > 0 {
		retryBaseDelay = overrides.retryBaseDelay
		retryMaxDelay = overrides.retryBaseDelay
	}

	retryMaxAttempts := uint64(defaultRetryMaxAttempts)
	if overrides.retryMaxAttempts > 0 {
		retryMaxAttempts = overrides.retryMaxAttempts
	}

	return func() *conf {
		return &conf{
			creationTimeout:   wrapper.NewDurationConfig(memory.NewConfig(creationTimeout), defaultCreationTimeout),
			createCallTimeout: wrapper.NewDurationConfig(memory.NewConfig(defaultCreateCallTimeout), defaultCreateCallTimeout),
			defaultInvoiceTtl: wrapper.NewDurationConfig(memory.NewConfig(defaultDefaultInvoiceTtl), defaultDefaultInvoiceTtl),
			retryBaseDelay:    wrapper.NewDurationConfig(memory.NewConfig(retryBaseDelay), defaultRetryBaseDelay),
			retryMaxDelay:     wrapper.NewDurationConfig(memory.NewConfig(retryMaxDelay), defaultRetryMaxDelay),
			retryMaxAttempts:  wrapper.NewUint64Config(memory.NewConfig(retryMaxAttempts), defaultRetryMaxAttempts),
			warmQuoteCache:    wrapper.NewBoolConfig(memory.NewConfig(defaultWarmQuoteCache), defaultWarmQuoteCache),
		}
	}
}
