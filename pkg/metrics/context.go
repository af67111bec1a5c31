package metrics

import (
	"context"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// NewRelicContextKey is the context key holding the *newrelic.Application
type NewRelicContextKey struct{}

// WithNewRelic returns a child context carrying the New Relic application
func WithNewRelic(ctx context.Context, app *newrelic.Application) context.Context {
	if app == nil {
		return ctx
	}
	return context.WithValue(ctx, NewRelicContextKey{}, app)
}

// StartBackgroundTransaction starts a non-web transaction for background work,
// such as a single item processed by an async worker. The returned context
// carries the transaction so TraceMethodCall segments attach to it. When no
// application is configured, the returned transaction is nil, which is safe
// to use.
func StartBackgroundTransaction(ctx context.Context, name string) (*newrelic.Transaction, context.Context) {
	nr := applicationFromContext(ctx)
	if nr == nil {
		return nil, ctx
	}

	txn := nr.StartTransaction(name)
	return txn, newrelic.NewContext(ctx, txn)
}
