package metrics

import (
	"context"

	"github.com/newrelic/go-agent/v3/newrelic"
)

func applicationFromContext(ctx context.Context) *newrelic.Application {
	nr, _ := ctx.Value(NewRelicContextKey{}).(*newrelic.Application)
	return nr
}

// RecordCount records a custom count metric
func RecordCount(ctx context.Context, metricName string, count uint64) {
	if nr := applicationFromContext(ctx); nr != nil {
		nr.RecordCustomMetric(metricName, float64(count))
	}
}

// RecordEvent records a custom event, typically a gauge snapshot from a
// polling worker
func RecordEvent(ctx context.Context, eventName string, kvPairs map[string]interface{}) {
	if nr := applicationFromContext(ctx); nr != nil {
		nr.RecordCustomEvent(eventName, kvPairs)
	}
}
