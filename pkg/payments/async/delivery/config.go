package async_delivery

import (
	"time"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/env"
	"github.com/code-payments/payments-engine/pkg/config/memory"
	"github.com/code-payments/payments-engine/pkg/config/wrapper"
)

const (
	envConfigPrefix = "DELIVERY_SERVICE_"

	WorkerBatchSizeConfigEnvName = envConfigPrefix + "WORKER_BATCH_SIZE"
	defaultWorkerBatchSize       = 250

	CallbackTimeoutConfigEnvName = envConfigPrefix + "CALLBACK_TIMEOUT"
	defaultCallbackTimeout       = 3 * time.Second
)

type conf struct {
	workerBatchSize config.Uint64
	callbackTimeout config.Duration
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			workerBatchSize: env.NewUint64Config(WorkerBatchSizeConfigEnvName, defaultWorkerBatchSize),
			callbackTimeout: env.NewDurationConfig(CallbackTimeoutConfigEnvName, defaultCallbackTimeout),
		}
	}
}

type testOverrides struct {
	callbackTimeout time.Duration
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	callbackTimeout := defaultCallbackTimeout
	if overrides.callbackTimeout > 0 {
		callbackTimeout = overrides.callbackTimeout
	}

	return func() *conf {
		return &conf{
			workerBatchSize: wrapper.NewUint64Config(memory.NewConfig(defaultWorkerBatchSize), defaultWorkerBatchSize),
			callbackTimeout: wrapper.NewDurationConfig(memory.NewConfig(callbackTimeout), defaultCallbackTimeout),
		}
	}
}
