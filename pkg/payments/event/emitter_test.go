package event

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

type recordingEmitter struct {
	received []*InvoiceStateChanged
	err      error
}

func (r *recordingEmitter) Emit(_ context.Context, e *InvoiceStateChanged) error {
	r.received = append(r.received, e)
	return r.err
}

func TestMultiEmitter_AttemptsAllEmitters(t *testing.T) {
	failing := &recordingEmitter{err: errors.New("broker unavailable")}
	healthy := &recordingEmitter{}

	emitter := NewMultiEmitter(failing, healthy)

	e := &InvoiceStateChanged{InvoiceId: "invoice", NewState: invoice.StateFinished}
	err := emitter.Emit(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	require.Len(t, failing.received, 1)
	require.Len(t, healthy.received, 1)
	assert.Equal(t, e, healthy.received[0])

	failing.err = nil
	assert.NoError(t, emitter.Emit(context.Background(), e))
	assert.NoError(t, NewNoopEmitter().Emit(context.Background(), e))
}

func TestInvoiceStateChanged_JSON(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	record := &invoice.Record{
		Id:                "0b9a3a8e-6cc0-4c2a-9a7c-3f0f0f1f9a11",
		OrderId:           "order-1",
		Provider:          invoice.ProviderNowPayments,
		State:             invoice.StateFinished,
		SettledAmount:     pointer.Decimal(decimal.RequireFromString("0.0005")),
		SettledCurrency:   pointer.String("BTC"),
		CallbackMetadata:  map[string]string{"customer": "c-1"},
		LastTransitionAt:  now,
		RequestedAmount:   decimal.NewFromInt(10),
		RequestedCurrency: "USD",
	}

	e := NewInvoiceStateChanged(record, invoice.StateConfirming)
	assert.Equal(t, record.Id+":FINISHED", e.Key())

	encoded, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"newState":"FINISHED"`)
	assert.Contains(t, string(encoded), `"previousState":"CONFIRMING"`)
	assert.Contains(t, string(encoded), `"provider":"NOWPAYMENTS"`)
	assert.Contains(t, string(encoded), `"settledAmount":"0.0005"`)
	assert.NotContains(t, string(encoded), "failureReason")

	var decoded InvoiceStateChanged
	require.NoError(t, decoded.UnmarshalJSON(encoded))
	assert.Equal(t, e.InvoiceId, decoded.InvoiceId)
	assert.Equal(t, e.Provider, decoded.Provider)
	assert.Equal(t, e.PreviousState, decoded.PreviousState)
	assert.Equal(t, e.NewState, decoded.NewState)
	assert.True(t, e.SettledAmount.Equal(*decoded.SettledAmount))
	assert.Equal(t, "c-1", decoded.CallbackMetadata["customer"])
	assert.True(t, now.Equal(decoded.OccurredAt))
}
