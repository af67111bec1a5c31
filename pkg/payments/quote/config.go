package quote

import (
	"time"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/env"
	"github.com/code-payments/payments-engine/pkg/config/memory"
	"github.com/code-payments/payments-engine/pkg/config/wrapper"
)

const (
	envConfigPrefix = "QUOTE_CACHE_"

	TtlConfigEnvName = envConfigPrefix + "TTL"
	defaultTtl       = 30 * time.Second

	EstimateTimeoutConfigEnvName = envConfigPrefix + "ESTIMATE_TIMEOUT"
	defaultEstimateTimeout       = 5 * time.Second

	MaxEntriesConfigEnvName = envConfigPrefix + "MAX_ENTRIES"
	defaultMaxEntries       = 10_000

	DefaultProviderConfigEnvName = envConfigPrefix + "DEFAULT_PROVIDER"
	defaultDefaultProvider       = "NOWPAYMENTS"
)

type conf struct {
	ttl             config.Duration
	estimateTimeout config.Duration
	maxEntries      config.Uint64
	defaultProvider config.String
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			ttl:             env.NewDurationConfig(TtlConfigEnvName, defaultTtl),
			estimateTimeout: env.NewDurationConfig(EstimateTimeoutConfigEnvName, defaultEstimateTimeout),
			maxEntries:      env.NewUint64Config(MaxEntriesConfigEnvName, defaultMaxEntries),
			defaultProvider: env.NewStringConfig(DefaultProviderConfigEnvName, defaultDefaultProvider),
		}
	}
}

type testOverrides struct {
	ttl time.Duration
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	ttl := defaultTtl
	if overrides.ttl > 0 {
		ttl = overrides.ttl
	}

	return func() *conf {
		return &conf{
			ttl:             wrapper.NewDurationConfig(memory.NewConfig(ttl), ttl),
			estimateTimeout: wrapper.NewDurationConfig(memory.NewConfig(defaultEstimateTimeout), defaultEstimateTimeout),
			maxEntries:      wrapper.NewUint64Config(memory.NewConfig(uint64(defaultMaxEntries)), defaultMaxEntries),
			defaultProvider: wrapper.NewStringConfig(memory.NewConfig(defaultDefaultProvider), defaultDefaultProvider),
		}
	}
}

// WithDefaultConfigs returns the default configuration without environment lookups
func WithDefaultConfigs() ConfigProvider {
	return withManualTestOverrides(&testOverrides{})
}
