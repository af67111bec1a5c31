package async_delivery

import (
	"context"
	"time"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
)

const (
	deliveryCountEventName = "CallbackDeliveryCountPollingCheck"
	deliveryCallsEventName = "CallbackDeliveryCallsPollingCheck"
)

func (p *service) metricsGaugeWorker(ctx context.Context) error {
	delay := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			start := time.Now()

			for _, state := range []delivery.State{
				delivery.StatePending,
				delivery.StateFailed,
			} {
				p.recordDeliveryCountEvent(ctx, state)
			}
			p.recordDeliveryCallsEvents(ctx)

			delay = time.Second - time.Since(start)
		}
	}
}

func (p *service) recordDeliveryCountEvent(ctx context.Context, state delivery.State) {
	count, err := p.data.CountDeliveriesByState(ctx, state)
	if err != nil {
		return
	}

	metrics.RecordEvent(ctx, deliveryCountEventName, map[string]interface{}{
		"count": count,
		"state": state.String(),
	})
}

func (p *service) recordDeliveryCallsEvents(ctx context.Context) {
	p.metricsMu.Lock()
	successfulCalls := p.successfulDeliveries
	failedCalls := p.failedDeliveries
	p.successfulDeliveries = 0
	p.failedDeliveries = 0
	p.metricsMu.Unlock()

	metrics.RecordEvent(ctx, deliveryCallsEventName, map[string]interface{}{
		"successes": successfulCalls,
		"failures":  failedCalls,
	})
}
