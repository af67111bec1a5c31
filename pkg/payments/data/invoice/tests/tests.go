package tests

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

func RunTests(t *testing.T, s invoice.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s invoice.Store){
		testHappyPath,
		testOrderIdUniqueness,
		testProviderReferenceUniqueness,
		testStaleVersion,
		testEventHistory,
		testWorkerQueries,
		testCounting,
	} {
		tf(t, s)
		teardown()
	}
}

func testHappyPath(t *testing.T, s invoice.Store) {
	t.Run("testHappyPath", func(t *testing.T) {
		ctx := context.Background()

		record := newRecord(invoice.ProviderNowPayments, "order-1")
		record.Description = "two coffees"
		record.CallbackMetadata = map[string]string{"customer": "c-123"}

		_, err := s.Get(ctx, record.Id)
		assert.Equal(t, invoice.ErrNotFound, err)
		_, err = s.GetByOrderId(ctx, record.Provider, record.OrderId)
		assert.Equal(t, invoice.ErrNotFound, err)
		_, err = s.GetByProviderReference(ctx, record.Provider, "np-ref-1")
		assert.Equal(t, invoice.ErrNotFound, err)

		cloned := record.Clone()
		assert.Equal(t, invoice.ErrNotFound, s.Update(ctx, &cloned))

		require.NoError(t, s.Put(ctx, record))
		assert.EqualValues(t, 1, record.Version)
		assert.Equal(t, invoice.ErrAlreadyExists, s.Put(ctx, record))

		actual, err := s.Get(ctx, record.Id)
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)

		actual, err = s.GetByOrderId(ctx, record.Provider, record.OrderId)
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)

		_, err = s.GetByOrderId(ctx, invoice.ProviderStripe, record.OrderId)
		assert.Equal(t, invoice.ErrNotFound, err)

		record.ProviderReferenceId = pointer.String("np-ref-1")
		record.CheckoutUrl = pointer.String("https://nowpayments.io/payment/?iid=np-ref-1")
		record.State = invoice.StateAwaitingPayment
		record.LastTransitionAt = time.Now()
		require.NoError(t, s.Update(ctx, record))
		assert.EqualValues(t, 2, record.Version)

		actual, err = s.GetByProviderReference(ctx, record.Provider, "np-ref-1")
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)

		record.State = invoice.StateFinished
		record.SettledAmount = pointer.Decimal(decimal.RequireFromString("0.00123"))
		record.SettledCurrency = pointer.String("BTC")
		record.ReconciliationAttempts = 3
		record.LastTransitionAt = time.Now()
		require.NoError(t, s.Update(ctx, record))
		assert.EqualValues(t, 3, record.Version)

		actual, err = s.Get(ctx, record.Id)
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)

		record.State = invoice.StateFailed
		record.FailureReason = pointer.String("provider_rejected")
		record.SettledAmount = nil
		record.SettledCurrency = nil
		require.NoError(t, s.Update(ctx, record))

		actual, err = s.Get(ctx, record.Id)
		require.NoError(t, err)
		assertEquivalentRecords(t, record, actual)
	})
}

func testOrderIdUniqueness(t *testing.T, s invoice.Store) {
	t.Run("testOrderIdUniqueness", func(t *testing.T) {
		ctx := context.Background()

		record := newRecord(invoice.ProviderCryptomus, "order-1")
		require.NoError(t, s.Put(ctx, record))

		duplicate := newRecord(invoice.ProviderCryptomus, "order-1")
		assert.Equal(t, invoice.ErrAlreadyExists, s.Put(ctx, duplicate))

		otherProvider := newRecord(invoice.ProviderAlchemyPay, "order-1")
		require.NoError(t, s.Put(ctx, otherProvider))
	})
}

func testProviderReferenceUniqueness(t *testing.T, s invoice.Store) {
	t.Run("testProviderReferenceUniqueness", func(t *testing.T) {
		ctx := context.Background()

		first := newRecord(invoice.ProviderStripe, "order-1")
		first.ProviderReferenceId = pointer.String("cs_test_1")
		first.State = invoice.StateAwaitingPayment
		require.NoError(t, s.Put(ctx, first))

		second := newRecord(invoice.ProviderStripe, "order-2")
		second.ProviderReferenceId = pointer.String("cs_test_1")
		second.State = invoice.StateAwaitingPayment
		assert.Equal(t, invoice.ErrAlreadyExists, s.Put(ctx, second))

		second.ProviderReferenceId = nil
		second.State = invoice.StateCreated
		require.NoError(t, s.Put(ctx, second))

		second.ProviderReferenceId = pointer.String("cs_test_1")
		second.State = invoice.StateAwaitingPayment
		assert.Equal(t, invoice.ErrAlreadyExists, s.Update(ctx, second))

		other := newRecord(invoice.ProviderNowPayments, "order-3")
		other.ProviderReferenceId = pointer.String("cs_test_1")
		other.State = invoice.StateAwaitingPayment
		require.NoError(t, s.Put(ctx, other))
	})
}

func testStaleVersion(t *testing.T, s invoice.Store) {
	t.Run("testStaleVersion", func(t *testing.T) {
		ctx := context.Background()

		record := newRecord(invoice.ProviderNowPayments, "order-1")
		require.NoError(t, s.Put(ctx, record))

		first, err := s.Get(ctx, record.Id)
		require.NoError(t, err)
		second, err := s.Get(ctx, record.Id)
		require.NoError(t, err)

		first.State = invoice.StateExpired
		require.NoError(t, s.Update(ctx, first))

		second.State = invoice.StateFailed
		second.FailureReason = pointer.String("creation_timeout")
		assert.Equal(t, invoice.ErrStaleVersion, s.Update(ctx, second))

		actual, err := s.Get(ctx, record.Id)
		require.NoError(t, err)
		assert.Equal(t, invoice.StateExpired, actual.State)
		assert.Nil(t, actual.FailureReason)
		assert.EqualValues(t, 2, actual.Version)
	})
}

func testEventHistory(t *testing.T, s invoice.Store) {
	t.Run("testEventHistory", func(t *testing.T) {
		ctx := context.Background()

		record := newRecord(invoice.ProviderNowPayments, "order-1")
		record.ProviderReferenceId = pointer.String("np-ref-1")
		record.State = invoice.StateAwaitingPayment
		require.NoError(t, s.Put(ctx, record))

		record.WebhookEventsSeen = append(record.WebhookEventsSeen, newEvent("evt-1", "confirming", invoice.EventSourceWebhook, invoice.EventOutcomeApplied))
		record.State = invoice.StateConfirming
		require.NoError(t, s.Update(ctx, record))
		require.Len(t, record.WebhookEventsSeen, 1)

		record.WebhookEventsSeen = append(record.WebhookEventsSeen, newEvent("reconcile:"+record.Id+":1", "waiting", invoice.EventSourceReconciler, invoice.EventOutcomeNoChange))
		require.NoError(t, s.Update(ctx, record))

		record.WebhookEventsSeen = append(record.WebhookEventsSeen, newEvent("evt-2", "waiting", invoice.EventSourceWebhook, invoice.EventOutcomeAnomaly))
		require.NoError(t, s.Update(ctx, record))

		actual, err := s.Get(ctx, record.Id)
		require.NoError(t, err)
		require.Len(t, actual.WebhookEventsSeen, 3)
		assert.Equal(t, "evt-1", actual.WebhookEventsSeen[0].EventId)
		assert.Equal(t, "reconcile:"+record.Id+":1", actual.WebhookEventsSeen[1].EventId)
		assert.Equal(t, "evt-2", actual.WebhookEventsSeen[2].EventId)
		assert.Equal(t, invoice.EventOutcomeAnomaly, actual.WebhookEventsSeen[2].Outcome)
		assert.Equal(t, invoice.EventSourceReconciler, actual.WebhookEventsSeen[1].Source)
		assert.Equal(t, "waiting", actual.WebhookEventsSeen[1].RawState)
		assert.True(t, actual.HasSeenEvent("evt-1"))
		assert.False(t, actual.HasSeenEvent("evt-3"))
		assertEquivalentRecords(t, record, actual)
	})
}

func testWorkerQueries(t *testing.T, s invoice.Store) {
	t.Run("testWorkerQueries", func(t *testing.T) {
		ctx := context.Background()

		nonTerminal := []invoice.State{invoice.StateCreated, invoice.StateAwaitingPayment, invoice.StateConfirming}

		_, err := s.GetAllByStateLastTransitionedBefore(ctx, nonTerminal, time.Now(), 10)
		assert.Equal(t, invoice.ErrNotFound, err)

		now := time.Now()
		states := []invoice.State{
			invoice.StateAwaitingPayment,
			invoice.StateConfirming,
			invoice.StateCreated,
			invoice.StateFinished,
			invoice.StateAwaitingPayment,
			invoice.StateExpired,
		}
		var records []*invoice.Record
		for i, state := range states {
			record := newRecord(invoice.ProviderCryptomus, uuid.NewString())
			record.State = state
			if state != invoice.StateCreated && state != invoice.StateExpired {
				record.ProviderReferenceId = pointer.String(uuid.NewString())
			}
			record.CreatedAt = now.Add(-time.Hour)
			record.LastTransitionAt = now.Add(time.Duration(i-4) * time.Minute)
			require.NoError(t, s.Put(ctx, record))
			records = append(records, record)
		}

		actual, err := s.GetAllByStateLastTransitionedBefore(ctx, nonTerminal, now.Add(-90*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, actual, 3)
		assertEquivalentRecords(t, records[0], actual[0])
		assertEquivalentRecords(t, records[1], actual[1])
		assertEquivalentRecords(t, records[2], actual[2])

		actual, err = s.GetAllByStateLastTransitionedBefore(ctx, nonTerminal, now.Add(time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, actual, 2)
		assertEquivalentRecords(t, records[0], actual[0])
		assertEquivalentRecords(t, records[1], actual[1])

		actual, err = s.GetAllByStateLastTransitionedBefore(ctx, []invoice.State{invoice.StateAwaitingPayment}, now.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, actual, 2)
		assertEquivalentRecords(t, records[0], actual[0])
		assertEquivalentRecords(t, records[4], actual[1])

		_, err = s.GetAllByStateLastTransitionedBefore(ctx, []invoice.State{invoice.StateRefunded}, now.Add(time.Hour), 10)
		assert.Equal(t, invoice.ErrNotFound, err)
	})
}

func testCounting(t *testing.T, s invoice.Store) {
	t.Run("testCounting", func(t *testing.T) {
		ctx := context.Background()

		for _, state := range []invoice.State{
			invoice.StateCreated,
			invoice.StateAwaitingPayment,
			invoice.StateAwaitingPayment,
			invoice.StateFinished,
			invoice.StateFinished,
			invoice.StateFinished,
		} {
			record := newRecord(invoice.ProviderAlchemyPay, uuid.NewString())
			record.State = state
			if state != invoice.StateCreated {
				record.ProviderReferenceId = pointer.String(uuid.NewString())
			}
			require.NoError(t, s.Put(ctx, record))
		}

		count, err := s.CountByState(ctx, invoice.StateCreated)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		count, err = s.CountByState(ctx, invoice.StateAwaitingPayment)
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)

		count, err = s.CountByState(ctx, invoice.StateFinished)
		require.NoError(t, err)
		assert.EqualValues(t, 3, count)

		count, err = s.CountByState(ctx, invoice.StateRefunded)
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})
}

func newRecord(provider invoice.Provider, orderId string) *invoice.Record {
	now := time.Now()
	return &invoice.Record{
		Id:                uuid.NewString(),
		OrderId:           orderId,
		Provider:          provider,
		State:             invoice.StateCreated,
		RequestedAmount:   decimal.RequireFromString("12.34"),
		RequestedCurrency: "USD",
		TargetCurrency:    "BTC",
		CreatedAt:         now,
		LastTransitionAt:  now,
		ExpiresAt:         now.Add(time.Hour),
	}
}

func newEvent(eventId, rawState string, source invoice.EventSource, outcome invoice.EventOutcome) *invoice.Event {
	return &invoice.Event{
		EventId:    eventId,
		ReceivedAt: time.Now(),
		RawState:   rawState,
		Source:     source,
		Outcome:    outcome,
	}
}

func assertEquivalentRecords(t *testing.T, obj1, obj2 *invoice.Record) {
	assert.Equal(t, obj1.Id, obj2.Id)
	assert.Equal(t, obj1.OrderId, obj2.OrderId)
	assert.Equal(t, obj1.Provider, obj2.Provider)
	assert.EqualValues(t, obj1.ProviderReferenceId, obj2.ProviderReferenceId)
	assert.EqualValues(t, obj1.CheckoutUrl, obj2.CheckoutUrl)
	assert.Equal(t, obj1.State, obj2.State)
	assert.EqualValues(t, obj1.FailureReason, obj2.FailureReason)
	assert.True(t, obj1.RequestedAmount.Equal(obj2.RequestedAmount))
	assert.Equal(t, obj1.RequestedCurrency, obj2.RequestedCurrency)
	assert.Equal(t, obj1.TargetCurrency, obj2.TargetCurrency)
	assert.Equal(t, obj1.Description, obj2.Description)
	assert.Equal(t, len(obj1.CallbackMetadata), len(obj2.CallbackMetadata))
	for k, v := range obj1.CallbackMetadata {
		assert.Equal(t, v, obj2.CallbackMetadata[k])
	}
	if obj1.SettledAmount == nil {
		assert.Nil(t, obj2.SettledAmount)
	} else {
		require.NotNil(t, obj2.SettledAmount)
		assert.True(t, obj1.SettledAmount.Equal(*obj2.SettledAmount))
	}
	assert.EqualValues(t, obj1.SettledCurrency, obj2.SettledCurrency)
	assert.Equal(t, obj1.ReconciliationAttempts, obj2.ReconciliationAttempts)
	assert.Equal(t, obj1.Version, obj2.Version)
	assert.Equal(t, obj1.CreatedAt.Unix(), obj2.CreatedAt.Unix())
	assert.Equal(t, obj1.LastTransitionAt.Unix(), obj2.LastTransitionAt.Unix())
	assert.Equal(t, obj1.ExpiresAt.Unix(), obj2.ExpiresAt.Unix())

	require.Len(t, obj2.WebhookEventsSeen, len(obj1.WebhookEventsSeen))
	for i, event := range obj1.WebhookEventsSeen {
		assert.Equal(t, event.EventId, obj2.WebhookEventsSeen[i].EventId)
		assert.Equal(t, event.RawState, obj2.WebhookEventsSeen[i].RawState)
		assert.Equal(t, event.Source, obj2.WebhookEventsSeen[i].Source)
		assert.Equal(t, event.Outcome, obj2.WebhookEventsSeen[i].Outcome)
		assert.Equal(t, event.ReceivedAt.Unix(), obj2.WebhookEventsSeen[i].ReceivedAt.Unix())
	}
}
