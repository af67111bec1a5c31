package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/dispatch"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	memory_emitter "github.com/code-payments/payments-engine/pkg/payments/notify/memory"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	memory_provider "github.com/code-payments/payments-engine/pkg/payments/provider/memory"
	"github.com/code-payments/payments-engine/pkg/payments/quote"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

// observingAdapter records the ledger state of the invoice at the moment the
// provider is asked to create it
type observingAdapter struct {
	*memory_provider.Adapter

	ledger        *ledger.Ledger
	observedState invoice.State
}

func (a *observingAdapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	record, err := a.ledger.GetInvoice(ctx, req.InvoiceId)
	if err != nil {
		return nil, err
	}
	a.observedState = record.State

	return a.Adapter.CreateInvoice(ctx, req)
}

func TestScenario_CreateConfirmRedeliver(t *testing.T) {
	t.Cleanup(testutil.DisableLogging())

	ctx := context.Background()
	db := data.NewTestDataProvider()
	emitter := memory_emitter.New()
	l := ledger.New(db, emitter)

	adapter := &observingAdapter{
		Adapter: memory_provider.New(invoice.ProviderNowPayments, "ipn-secret"),
		ledger:  l,
	}
	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	engine := New(l, registry, quote.New(registry, quote.WithDefaultConfigs()), withManualTestOverrides(&testOverrides{}))
	dispatcher := dispatch.New(registry, l)

	//
	// Create the invoice
	//

	result, err := engine.CreateInvoice(ctx, &PaymentRequest{
		OrderId:        "ORD-1",
		Amount:         decimal.NewFromInt(100),
		SourceCurrency: "USD",
		TargetCurrency: "btc",
		Provider:       invoice.ProviderNowPayments,
	})
	require.NoError(t, err)

	assert.Equal(t, invoice.StateCreated, adapter.observedState)
	assert.Equal(t, invoice.StateAwaitingPayment, result.Invoice.State)
	require.NotNil(t, result.Invoice.ProviderReferenceId)
	invoiceId := result.Invoice.Id
	referenceId := *result.Invoice.ProviderReferenceId

	emitter.Reset()

	//
	// Provider confirms the payment
	//

	body, headers := adapter.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "np-evt-1",
		ReferenceId: referenceId,
		Status:      "finished",
		Amount:      "0.0021",
		Currency:    "btc",
	})

	dispatched, err := dispatcher.Dispatch(ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.False(t, dispatched.Orphan)
	require.NotNil(t, dispatched.Apply)
	assert.Equal(t, invoice.EventOutcomeApplied, dispatched.Apply.Outcome)

	finished, err := engine.GetInvoice(ctx, invoiceId)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFinished, finished.State)
	require.NotNil(t, finished.SettledAmount)
	assert.True(t, decimal.RequireFromString("0.0021").Equal(*finished.SettledAmount))
	assert.Equal(t, "btc", *finished.SettledCurrency)

	events := emitter.GetEventsForInvoice(invoiceId)
	require.Len(t, events, 1)
	assert.Equal(t, invoice.StateAwaitingPayment, events[0].PreviousState)
	assert.Equal(t, invoice.StateFinished, events[0].NewState)
	assert.Equal(t, "ORD-1", events[0].OrderId)

	//
	// The same webhook is redelivered
	//

	redelivered, err := dispatcher.Dispatch(ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	require.NotNil(t, redelivered.Apply)
	assert.True(t, redelivered.Apply.Duplicate)

	afterRedelivery, err := engine.GetInvoice(ctx, invoiceId)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFinished, afterRedelivery.State)
	assert.Len(t, afterRedelivery.WebhookEventsSeen, len(finished.WebhookEventsSeen))
	assert.Len(t, emitter.GetEventsForInvoice(invoiceId), 1)
}

func TestScenario_CreateRejectedThenRetryWithNewOrder(t *testing.T) {
	env := setup(t, &testOverrides{})
	env.adapter.QueueCreateErrors(&provider.RejectedError{StatusCode: 400, Reason: "amount too small"})

	_, err := env.engine.CreateInvoice(env.ctx, newPaymentRequest("ORD-1"))
	_, ok := provider.IsRejected(err)
	require.True(t, ok)

	result, err := env.engine.CreateInvoice(env.ctx, newPaymentRequest("ORD-1-retry"))
	require.NoError(t, err)
	assert.Equal(t, invoice.StateAwaitingPayment, result.Invoice.State)

	failed, err := env.ledger.GetByOrderId(env.ctx, invoice.ProviderNowPayments, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFailed, failed.State)
	assert.WithinDuration(t, time.Now(), failed.LastTransitionAt, 5*time.Second)
}
