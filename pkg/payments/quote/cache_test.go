package quote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	memory_provider "github.com/code-payments/payments-engine/pkg/payments/provider/memory"
	"github.com/code-payments/payments-engine/pkg/pointer"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

type testEnv struct {
	ctx      context.Context
	cache    *Cache
	provider *memory_provider.Adapter
}

func setup(t *testing.T, overrides *testOverrides) *testEnv {
	t.Cleanup(testutil.DisableLogging())

	adapter := memory_provider.New(invoice.ProviderNowPayments, "secret")
	adapter.SetEstimate(decimal.RequireFromString("2"), pointer.Decimal(decimal.RequireFromString("0.5")))

	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	return &testEnv{
		ctx:      context.Background(),
		cache:    New(registry, withManualTestOverrides(overrides)),
		provider: adapter,
	}
}

func TestGetEstimate_CachesWithinBucket(t *testing.T) {
	env := setup(t, &testOverrides{})

	quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "USD", "BTC", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, quote.Cached)
	assert.Equal(t, "usd", quote.From)
	assert.Equal(t, "btc", quote.To)
	assert.Equal(t, "200", quote.EstimatedAmount.String())
	require.NotNil(t, quote.MinAmount)
	assert.Equal(t, "0.5", quote.MinAmount.String())

	quote, err = env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.RequireFromString("100.4"))
	require.NoError(t, err)
	assert.True(t, quote.Cached)
	assert.Equal(t, "100.4", quote.Amount.String())
	assert.Equal(t, "200.8", quote.EstimatedAmount.String())

	assert.Equal(t, 1, env.provider.EstimateCallCount())

	_, err = env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(150))
	require.NoError(t, err)
	_, err = env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "eth", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, 3, env.provider.EstimateCallCount())
}

func TestGetEstimate_SingleFlight(t *testing.T) {
	env := setup(t, &testOverrides{})
	env.provider.SetEstimateDelay(200 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]*Quote, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
			if assert.NoError(t, err) {
				results[i] = quote
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, env.provider.EstimateCallCount())
	for _, quote := range results {
		require.NotNil(t, quote)
		assert.Equal(t, "200", quote.EstimatedAmount.String())
	}
}

func TestGetEstimate_SingleFlightAcrossBucket(t *testing.T) {
	env := setup(t, &testOverrides{})
	env.provider.SetEstimateDelay(200 * time.Millisecond)

	amounts := []string{"250", "251", "250", "251"}
	results := make([]*Quote, len(amounts))

	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount decimal.Decimal) {
			defer wg.Done()

			quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", amount)
			if assert.NoError(t, err) {
				results[i] = quote
			}
		}(i, decimal.RequireFromString(amount))
	}
	wg.Wait()

	assert.Equal(t, 1, env.provider.EstimateCallCount())
	for i, quote := range results {
		require.NotNil(t, quote)
		assert.Equal(t, amounts[i], quote.Amount.String())
	}
	assert.Equal(t, "500", results[0].EstimatedAmount.String())
	assert.Equal(t, "502", results[1].EstimatedAmount.String())
}

func TestGetEstimate_Expiry(t *testing.T) {
	env := setup(t, &testOverrides{ttl: 50 * time.Millisecond})

	_, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, quote.Cached)
	assert.Equal(t, 2, env.provider.EstimateCallCount())
}

func TestGetEstimate_ErrorsAreNotCached(t *testing.T) {
	env := setup(t, &testOverrides{})
	env.provider.QueueEstimateErrors(provider.ErrTransient)

	_, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
	assert.True(t, errors.Is(err, provider.ErrTransient))

	quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, quote.Cached)
	assert.Equal(t, 2, env.provider.EstimateCallCount())
}

func TestGetEstimate_DefaultProvider(t *testing.T) {
	env := setup(t, &testOverrides{})

	quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderUnknown, "usd", "btc", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, invoice.ProviderNowPayments, quote.Provider)
	assert.Equal(t, 1, env.provider.EstimateCallCount())
}

func TestGetEstimate_Validation(t *testing.T) {
	env := setup(t, &testOverrides{})

	_, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.Zero)
	assert.Equal(t, ErrInvalidAmount, err)

	_, err = env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(-5))
	assert.Equal(t, ErrInvalidAmount, err)

	_, err = env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "", "btc", decimal.NewFromInt(5))
	assert.Equal(t, ErrInvalidCurrency, err)

	_, err = env.cache.GetEstimate(env.ctx, invoice.ProviderStripe, "usd", "btc", decimal.NewFromInt(5))
	assert.True(t, errors.Is(err, provider.ErrUnsupportedProvider))

	assert.Equal(t, 0, env.provider.EstimateCallCount())
}

func TestWarm(t *testing.T) {
	env := setup(t, &testOverrides{})

	env.cache.Warm(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.NewFromInt(100))
	assert.Equal(t, 1, env.provider.EstimateCallCount())

	quote, err := env.cache.GetEstimate(env.ctx, invoice.ProviderNowPayments, "usd", "btc", decimal.RequireFromString("99.7"))
	require.NoError(t, err)
	assert.True(t, quote.Cached)
	assert.Equal(t, 1, env.provider.EstimateCallCount())

	// Failures are swallowed
	env.provider.QueueEstimateErrors(provider.ErrTransient)
	env.cache.Warm(env.ctx, invoice.ProviderNowPayments, "usd", "eth", decimal.NewFromInt(100))
	assert.Equal(t, 2, env.provider.EstimateCallCount())
}
