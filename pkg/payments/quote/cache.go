package quote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/payments-engine/pkg/cache"
	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

const (
	metricsStructName = "quote.cache"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidCurrency = errors.New("currency is required")
)

// Quote is an estimate scaled to the requested amount
type Quote struct {
	Provider invoice.Provider
	From     string
	To       string
	Amount   decimal.Decimal

	EstimatedAmount decimal.Decimal
	MinAmount       *decimal.Decimal

	FetchedAt time.Time
	Cached    bool
}

type entry struct {
	bucket          decimal.Decimal
	estimatedAmount decimal.Decimal
	minAmount       *decimal.Decimal
	fetchedAt       time.Time
}

// Cache is a process local, short lived cache of provider estimates keyed by
// provider, currency pair and amount bucket. Concurrent misses for the same
// key share a single provider call.
type Cache struct {
	log      *logrus.Entry
	conf     *conf
	registry *provider.Registry
	entries  cache.Cache
	group    singleflight.Group
}

func New(registry *provider.Registry, configProvider ConfigProvider) *Cache {
	conf := configProvider()
	return &Cache{
		log:      logrus.StandardLogger().WithField("type", "quote/cache"),
		conf:     conf,
		registry: registry,
		entries:  cache.NewCache(int(conf.maxEntries.Get(context.Background()))),
	}
}

// GetEstimate returns the estimate for converting amount of from into to. An
// unknown provider falls back to the configured default estimate provider.
func (c *Cache) GetEstimate(ctx context.Context, p invoice.Provider, from, to string, amount decimal.Decimal) (*Quote, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetEstimate")
	defer tracer.End()

	quote, err := c.getEstimate(ctx, p, from, to, amount)
	tracer.OnError(err)
	return quote, err
}

func (c *Cache) getEstimate(ctx context.Context, p invoice.Provider, from, to string, amount decimal.Decimal) (*Quote, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if len(from) == 0 || len(to) == 0 {
		return nil, ErrInvalidCurrency
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if p == invoice.ProviderUnknown {
		var err error
		p, err = invoice.ParseProvider(c.conf.defaultProvider.Get(ctx))
		if err != nil {
			return nil, errors.Wrap(err, "invalid default estimate provider")
		}
	}

	adapter, err := c.registry.Get(p)
	if err != nil {
		return nil, err
	}

	bucket := Bucket(amount)
	key := cacheKey(p, from, to, bucket)

	if cached, ok := c.entries.Retrieve(key); ok {
		return toQuote(p, from, to, amount, cached.(*entry), true), nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have completed between the miss and joining the group
		if cached, ok := c.entries.Retrieve(key); ok {
			return cached, nil
		}

		// The shared call outlives any single caller's cancellation
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.conf.estimateTimeout.Get(ctx))
		defer cancel()

		estimate, err := adapter.GetEstimate(callCtx, from, to, bucket)
		if err != nil {
			return nil, err
		}

		fetched := &entry{
			bucket:          bucket,
			estimatedAmount: estimate.EstimatedAmount,
			minAmount:       pointer.DecimalCopy(estimate.MinAmount),
			fetchedAt:       time.Now(),
		}
		c.entries.InsertWithTTL(key, fetched, 1, c.conf.ttl.Get(ctx))
		return fetched, nil
	})
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"method":   "GetEstimate",
			"provider": p.String(),
			"from":     from,
			"to":       to,
		}).Debug("estimate fetch failed")
		return nil, err
	}

	return toQuote(p, from, to, amount, result.(*entry), false), nil
}

// Warm populates the cache for the amount's bucket, ignoring failures
func (c *Cache) Warm(ctx context.Context, p invoice.Provider, from, to string, amount decimal.Decimal) {
	_, err := c.GetEstimate(ctx, p, from, to, amount)
	if err != nil && !errors.Is(err, provider.ErrEstimateNotSupported) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"method":   "Warm",
			"provider": p.String(),
		}).Debug("failed to warm quote cache")
	}
}

func cacheKey(p invoice.Provider, from, to string, bucket decimal.Decimal) string {
	return fmt.Sprintf("%s:%s:%s:%s", p.Slug(), from, to, bucket.String())
}

func toQuote(p invoice.Provider, from, to string, amount decimal.Decimal, cached *entry, hit bool) *Quote {
	// Estimates are linear in the amount within a bucket
	estimated := cached.estimatedAmount
	if !amount.Equal(cached.bucket) {
		estimated = estimated.Mul(amount).Div(cached.bucket)
	}

	return &Quote{
		Provider:        p,
		From:            from,
		To:              to,
		Amount:          amount,
		EstimatedAmount: estimated,
		MinAmount:       pointer.DecimalCopy(cached.minAmount),
		FetchedAt:       cached.fetchedAt,
		Cached:          hit,
	}
}
