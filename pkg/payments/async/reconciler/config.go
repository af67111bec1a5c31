package async_reconciler

import (
	"time"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/env"
	"github.com/code-payments/payments-engine/pkg/config/memory"
	"github.com/code-payments/payments-engine/pkg/config/wrapper"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	envConfigPrefix = "RECONCILER_SERVICE_"

	GracePeriodConfigEnvName = envConfigPrefix + "GRACE_PERIOD"
	defaultGracePeriod       = 10 * time.Minute

	BatchSizeConfigEnvName = envConfigPrefix + "BATCH_SIZE"
	defaultBatchSize       = 100

	MaxAttemptsConfigEnvName = envConfigPrefix + "MAX_ATTEMPTS"
	defaultMaxAttempts       = 12

	StatusTimeoutConfigEnvName = envConfigPrefix + "STATUS_TIMEOUT"
	defaultStatusTimeout       = provider.DefaultStatusTimeout

	RetryBaseDelayConfigEnvName = envConfigPrefix + "RETRY_BASE_DELAY"
	defaultRetryBaseDelay       = provider.DefaultRetryBaseDelay

	RetryMaxDelayConfigEnvName = envConfigPrefix + "RETRY_MAX_DELAY"
	defaultRetryMaxDelay       = provider.DefaultRetryMaxDelay

	RetryMaxAttemptsConfigEnvName = envConfigPrefix + "RETRY_MAX_ATTEMPTS"
	defaultRetryMaxAttempts       = provider.DefaultRetryMaxAttempts
)

type conf struct {
	gracePeriod      config.Duration
	batchSize        config.Uint64
	maxAttempts      config.Uint64
	statusTimeout    config.Duration
	retryBaseDelay   config.Duration
	retryMaxDelay    config.Duration
	retryMaxAttempts config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			gracePeriod:      env.NewDurationConfig(GracePeriodConfigEnvName, defaultGracePeriod),
			batchSize:        env.NewUint64Config(BatchSizeConfigEnvName, defaultBatchSize),
			maxAttempts:      env.NewUint64Config(MaxAttemptsConfigEnvName, defaultMaxAttempts),
			statusTimeout:    env.NewDurationConfig(StatusTimeoutConfigEnvName, defaultStatusTimeout),
			retryBaseDelay:   env.NewDurationConfig(RetryBaseDelayConfigEnvName, defaultRetryBaseDelay),
			retryMaxDelay:    env.NewDurationConfig(RetryMaxDelayConfigEnvName, defaultRetryMaxDelay),
			retryMaxAttempts: env.NewUint64Config(RetryMaxAttemptsConfigEnvName, defaultRetryMaxAttempts),
		}
	}
}

type testOverrides struct {
	gracePeriod    time.Duration
	maxAttempts    uint64
	retryBaseDelay time.Duration
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	maxAttempts := uint64(defaultMaxAttempts)
	if overrides.maxAttempts > 0 {
		maxAttempts = overrides.maxAttempts
	}

	retryBaseDelay := defaultRetryBaseDelay
	if overrides.retryBaseDelay > 0 {
		retryBaseDelay = overrides.retryBaseDelay
	}

	return func() *conf {
		return &conf{
			gracePeriod:      wrapper.NewDurationConfig(memory.NewConfig(overrides.gracePeriod), defaultGracePeriod),
			batchSize:        wrapper.NewUint64Config(memory.NewConfig(uint64(defaultBatchSize)), defaultBatchSize),
			maxAttempts:      wrapper.NewUint64Config(memory.NewConfig(maxAttempts), defaultMaxAttempts),
			statusTimeout:    wrapper.NewDurationConfig(memory.NewConfig(defaultStatusTimeout), defaultStatusTimeout),
			retryBaseDelay:   wrapper.NewDurationConfig(memory.NewConfig(retryBaseDelay), defaultRetryBaseDelay),
			retryMaxDelay:    wrapper.NewDurationConfig(memory.NewConfig(retryBaseDelay), defaultRetryMaxDelay),
			retryMaxAttempts: wrapper.NewUint64Config(memory.NewConfig(uint64(defaultRetryMaxAttempts)), defaultRetryMaxAttempts),
		}
	}
}
