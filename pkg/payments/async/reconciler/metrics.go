package async_reconciler

import (
	"context"
	"time"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

const (
	invoiceCountEventName = "InvoiceCountPollingCheck"
)

func (p *service) metricsGaugeWorker(ctx context.Context) error {
	delay := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			start := time.Now()

			for _, state := range invoice.AllStates {
				p.recordInvoiceCountEvent(ctx, state)
			}

			delay = 10*time.Second - time.Since(start)
		}
	}
}

func (p *service) recordInvoiceCountEvent(ctx context.Context, state invoice.State) {
	count, err := p.data.CountInvoicesByState(ctx, state)
	if err != nil {
		return
	}

	metrics.RecordEvent(ctx, invoiceCountEventName, map[string]interface{}{
		"count": count,
		"state": state.String(),
	})
}
