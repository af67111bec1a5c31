package env

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/config"
	"github.com/code-payments/payments-engine/pkg/config/wrapper"
)

// variable is a config.Config backed by an environment variable. The value
// is snapshotted at construction and surfaced as raw bytes.
type variable []byte

// NewConfig returns a config for the upper cased env var key. An empty
// variable reads as unset.
func NewConfig(key string) config.Config {
	return variable(os.Getenv(strings.ToUpper(key)))
}

// Get implements config.Config.Get
func (v variable) Get(_ context.Context) (interface{}, error) {
	if len(v) == 0 {
		return nil, config.ErrNoValue
	}
	return []byte(v), nil
}

// Shutdown implements config.Config.Shutdown
func (variable) Shutdown() {}

func NewBytesConfig(key string, defaultValue []byte) config.Bytes {
	return wrapper.NewBytesConfig(NewConfig(key), defaultValue)
}

func NewUint64Config(key string, defaultValue uint64) config.Uint64 {
	return wrapper.NewUint64Config(NewConfig(key), defaultValue)
}

func NewFloat64Config(key string, defaultValue float64) config.Float64 {
	return wrapper.NewFloat64Config(NewConfig(key), defaultValue)
}

func NewStringConfig(key string, defaultValue string) config.String {
	return wrapper.NewStringConfig(NewConfig(key), defaultValue)
}

func NewBoolConfig(key string, defaultValue bool) config.Bool {
	return wrapper.NewBoolConfig(NewConfig(key), defaultValue)
}

func NewDurationConfig(key string, defaultValue time.Duration) config.Duration {
	return wrapper.NewDurationConfig(NewConfig(key), defaultValue)
}

// NewDecimalConfig parses amounts such as "0.015" without float rounding
func NewDecimalConfig(key string, defaultValue decimal.Decimal) config.Decimal {
	return wrapper.NewDecimalConfig(NewConfig(key), defaultValue)
}
