package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	memory_emitter "github.com/code-payments/payments-engine/pkg/payments/notify/memory"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	memory_provider "github.com/code-payments/payments-engine/pkg/payments/provider/memory"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

type testEnv struct {
	ctx        context.Context
	data       *outageData
	emitter    *memory_emitter.Emitter
	ledger     *ledger.Ledger
	provider   *memory_provider.Adapter
	dispatcher *Dispatcher
}

// outageData simulates the storage layer being unavailable for reads
type outageData struct {
	data.DatabaseData

	mu     sync.Mutex
	outage bool
}

func (d *outageData) GetInvoiceByProviderReference(ctx context.Context, p invoice.Provider, referenceId string) (*invoice.Record, error) {
	d.mu.Lock()
	outage := d.outage
	d.mu.Unlock()

	if outage {
		return nil, errors.New("connection refused")
	}
	return d.DatabaseData.GetInvoiceByProviderReference(ctx, p, referenceId)
}

func setup(t *testing.T) *testEnv {
	t.Cleanup(testutil.DisableLogging())

	db := &outageData{DatabaseData: data.NewTestDataProvider()}
	emitter := memory_emitter.New()
	l := ledger.New(db, emitter)

	adapter := memory_provider.New(invoice.ProviderNowPayments, "ipn-secret")
	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	return &testEnv{
		ctx:        context.Background(),
		data:       db,
		emitter:    emitter,
		ledger:     l,
		provider:   adapter,
		dispatcher: New(registry, l),
	}
}

func (e *testEnv) createAwaitingInvoice(t *testing.T, orderId string) *invoice.Record {
	record, _, err := e.ledger.FindOrCreate(e.ctx, invoice.ProviderNowPayments, orderId, &ledger.NewInvoice{
		Amount:            decimal.NewFromInt(100),
		RequestedCurrency: "usd",
		TargetCurrency:    "btc",
		ExpiresAt:         time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	remote, err := e.provider.CreateInvoice(e.ctx, &provider.Request{InvoiceId: record.Id, OrderId: orderId})
	require.NoError(t, err)

	record, err = e.ledger.AttachProviderReference(e.ctx, record.Id, remote.ReferenceId, &remote.CheckoutUrl, remote.InitialState, nil)
	require.NoError(t, err)

	e.emitter.Reset()
	return record
}

func TestDispatch_HappyPath(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: *record.ProviderReferenceId,
		Status:      "finished",
		Amount:      "0.0021",
		Currency:    "btc",
	})

	result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.False(t, result.Orphan)
	assert.Equal(t, invoice.ProviderNowPayments, result.Provider)
	assert.Equal(t, "evt-1", result.EventId)
	require.NotNil(t, result.Apply)
	assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
	assert.Equal(t, invoice.StateAwaitingPayment, result.Apply.PreviousState)

	updated, err := env.ledger.GetInvoice(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFinished, updated.State)
	require.NotNil(t, updated.SettledAmount)
	assert.Equal(t, "0.0021", updated.SettledAmount.String())
	assert.Equal(t, "btc", *updated.SettledCurrency)

	events := env.emitter.GetEventsForInvoice(record.Id)
	require.Len(t, events, 1)
	assert.Equal(t, invoice.StateAwaitingPayment, events[0].PreviousState)
	assert.Equal(t, invoice.StateFinished, events[0].NewState)
}

func TestDispatch_Redelivery(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: *record.ProviderReferenceId,
		Status:      "confirming",
	})

	for i := 0; i < 3; i++ {
		result, err := env.dispatcher.Dispatch(env.ctx, "NOWPAYMENTS", body, headers)
		require.NoError(t, err)
		assert.Equal(t, i > 0, result.Apply.Duplicate)
		assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
	}

	updated, err := env.ledger.GetInvoice(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateConfirming, updated.State)
	assert.Len(t, updated.WebhookEventsSeen, 1)
	assert.Len(t, env.emitter.GetEventsForInvoice(record.Id), 1)
}

func TestDispatch_InvalidSignature(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: *record.ProviderReferenceId,
		Status:      "finished",
	})

	forged := http.Header{}
	forged.Set(memory_provider.SignatureHeader, provider.HmacSha512Hex("wrong-secret", body))

	for _, h := range []http.Header{forged, {}} {
		_, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, h)
		assert.Equal(t, ErrSignatureInvalid, err)
	}

	_, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", append(body, ' '), headers)
	assert.Equal(t, ErrSignatureInvalid, err)

	updated, err := env.ledger.GetInvoice(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateAwaitingPayment, updated.State)
	assert.Empty(t, updated.WebhookEventsSeen)
	assert.Empty(t, env.emitter.GetEvents())
}

func TestDispatch_MalformedPayload(t *testing.T) {
	env := setup(t)
	env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId: "evt-1",
		Status:  "finished",
	})

	_, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
	assert.Empty(t, env.emitter.GetEvents())
}

func TestDispatch_UnknownProvider(t *testing.T) {
	env := setup(t)

	for _, name := range []string{"paypal", "", "stripe"} {
		_, err := env.dispatcher.Dispatch(env.ctx, name, []byte("{}"), http.Header{})
		assert.Equal(t, ErrUnknownProvider, err, name)
	}
}

func TestDispatch_Orphan(t *testing.T) {
	env := setup(t)

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: "unknown-ref",
		Status:      "finished",
	})

	result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.True(t, result.Orphan)
	assert.Nil(t, result.Apply)
	assert.Equal(t, "unknown-ref", result.ReferenceId)
}

func TestDispatch_Anomaly(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	for i, status := range []string{"finished", "waiting"} {
		body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
			EventId:     "evt-" + status,
			ReferenceId: *record.ProviderReferenceId,
			Status:      status,
		})

		result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
		} else {
			assert.Equal(t, invoice.EventOutcomeAnomaly, result.Apply.Outcome)
		}
	}

	updated, err := env.ledger.GetInvoice(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFinished, updated.State)
	assert.Len(t, updated.WebhookEventsSeen, 2)
}

func TestDispatch_StorageOutage(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: *record.ProviderReferenceId,
		Status:      "finished",
	})

	env.data.outage = true
	_, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSignatureInvalid))
	assert.False(t, errors.Is(err, ErrMalformedPayload))

	env.data.outage = false
	result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
}

func TestDispatch_CancelledRequestStillApplies(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-1",
		ReferenceId: *record.ProviderReferenceId,
		Status:      "confirming",
	})

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()

	result, err := env.dispatcher.Dispatch(ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
}

// aliasingAdapter reports refunds against a secondary reference the way
// Stripe reports them against the payment intent
type aliasingAdapter struct {
	*memory_provider.Adapter

	aliases map[string]string
}

func (a *aliasingAdapter) ResolveReference(ctx context.Context, event *provider.WebhookEvent) (string, error) {
	if referenceId, ok := a.aliases[event.ReferenceId]; ok {
		return referenceId, nil
	}
	return event.ReferenceId, nil
}

func TestDispatch_RefundResolvedReference(t *testing.T) {
	env := setup(t)
	record := env.createAwaitingInvoice(t, "order-1")

	adapter := &aliasingAdapter{
		Adapter: env.provider,
		aliases: map[string]string{"pi_1": *record.ProviderReferenceId},
	}
	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)
	env.dispatcher = New(registry, env.ledger)

	for _, payload := range []*memory_provider.WebhookPayload{
		{EventId: "evt-1", ReferenceId: *record.ProviderReferenceId, Status: "finished", Amount: "0.0021", Currency: "btc"},
		{EventId: "evt-2", ReferenceId: "pi_1", Status: "refunded"},
	} {
		body, headers := env.provider.SignedWebhook(payload)
		result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
		require.NoError(t, err)
		assert.False(t, result.Orphan)
		assert.Equal(t, *record.ProviderReferenceId, result.ReferenceId)
		assert.Equal(t, invoice.EventOutcomeApplied, result.Apply.Outcome)
	}

	updated, err := env.ledger.GetInvoice(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StateRefunded, updated.State)

	events := env.emitter.GetEventsForInvoice(record.Id)
	require.Len(t, events, 2)
	assert.Equal(t, invoice.StateFinished, events[1].PreviousState)
	assert.Equal(t, invoice.StateRefunded, events[1].NewState)

	body, headers := env.provider.SignedWebhook(&memory_provider.WebhookPayload{
		EventId:     "evt-3",
		ReferenceId: "pi_unknown",
		Status:      "refunded",
	})
	result, err := env.dispatcher.Dispatch(env.ctx, "nowpayments", body, headers)
	require.NoError(t, err)
	assert.True(t, result.Orphan)
}
