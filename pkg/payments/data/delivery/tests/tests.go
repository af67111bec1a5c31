package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

func RunTests(t *testing.T, s delivery.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s delivery.Store){
		testHappyPath,
		testGetAllByInvoice,
		testCounting,
		testWorkerQueries,
	} {
		tf(t, s)
		teardown()
	}
}

func testHappyPath(t *testing.T, s delivery.Store) {
	t.Run("testHappyPath", func(t *testing.T) {
		ctx := context.Background()
		start := time.Now()
		time.Sleep(time.Millisecond)

		record := &delivery.Record{
			DeliveryId: "invoice_id:FINISHED",
			InvoiceId:  "invoice_id",
			Url:        "https://merchant.example.com/callbacks/payments",
			Payload:    []byte(`{"invoiceId":"invoice_id"}`),

			Attempts: 0,
			State:    delivery.StateUnknown,

			NextAttemptAt: nil,
		}
		cloned := record.Clone()

		_, err := s.Get(ctx, record.DeliveryId)
		assert.Equal(t, delivery.ErrNotFound, err)
		assert.Equal(t, delivery.ErrNotFound, s.Update(ctx, record))

		require.NoError(t, s.Put(ctx, record))
		assert.Equal(t, delivery.ErrAlreadyExists, s.Put(ctx, record))

		actual, err := s.Get(ctx, record.DeliveryId)
		require.NoError(t, err)
		assert.True(t, actual.Id > 0)
		assert.True(t, actual.CreatedAt.After(start))
		assertEquivalentRecords(t, &cloned, actual)

		record.Attempts = 3
		record.State = delivery.StatePending
		record.NextAttemptAt = pointer.Time(time.Now().Add(5 * time.Second))
		cloned = record.Clone()
		require.NoError(t, s.Update(ctx, record))

		actual, err = s.Get(ctx, record.DeliveryId)
		require.NoError(t, err)
		assertEquivalentRecords(t, &cloned, actual)

		record.State = delivery.StateConfirmed
		record.NextAttemptAt = nil
		cloned = record.Clone()
		require.NoError(t, s.Update(ctx, record))

		actual, err = s.Get(ctx, record.DeliveryId)
		require.NoError(t, err)
		assertEquivalentRecords(t, &cloned, actual)
	})
}

func testGetAllByInvoice(t *testing.T, s delivery.Store) {
	t.Run("testGetAllByInvoice", func(t *testing.T) {
		ctx := context.Background()

		_, err := s.GetAllByInvoice(ctx, "invoice1")
		assert.Equal(t, delivery.ErrNotFound, err)

		records := []*delivery.Record{
			{DeliveryId: "invoice1:AWAITING_PAYMENT", InvoiceId: "invoice1", Url: "url", Payload: []byte("{}"), State: delivery.StateConfirmed},
			{DeliveryId: "invoice2:AWAITING_PAYMENT", InvoiceId: "invoice2", Url: "url", Payload: []byte("{}"), State: delivery.StateConfirmed},
			{DeliveryId: "invoice1:FINISHED", InvoiceId: "invoice1", Url: "url", Payload: []byte("{}"), State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now())},
		}
		for _, record := range records {
			require.NoError(t, s.Put(ctx, record))
		}

		actual, err := s.GetAllByInvoice(ctx, "invoice1")
		require.NoError(t, err)
		require.Len(t, actual, 2)
		assertEquivalentRecords(t, records[0], actual[0])
		assertEquivalentRecords(t, records[2], actual[1])
	})
}

func testCounting(t *testing.T, s delivery.Store) {
	t.Run("testCounting", func(t *testing.T) {
		ctx := context.Background()

		records := []*delivery.Record{
			{DeliveryId: "id1", InvoiceId: "invoice1", Url: "url1", Payload: []byte("{}"), Attempts: 0, State: delivery.StateUnknown, NextAttemptAt: nil},
			{DeliveryId: "id2", InvoiceId: "invoice2", Url: "url2", Payload: []byte("{}"), Attempts: 1, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now())},
			{DeliveryId: "id3", InvoiceId: "invoice3", Url: "url3", Payload: []byte("{}"), Attempts: 2, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now())},
			{DeliveryId: "id4", InvoiceId: "invoice4", Url: "url4", Payload: []byte("{}"), Attempts: 3, State: delivery.StateConfirmed, NextAttemptAt: nil},
			{DeliveryId: "id5", InvoiceId: "invoice5", Url: "url5", Payload: []byte("{}"), Attempts: 4, State: delivery.StateConfirmed, NextAttemptAt: nil},
			{DeliveryId: "id6", InvoiceId: "invoice6", Url: "url6", Payload: []byte("{}"), Attempts: 5, State: delivery.StateConfirmed, NextAttemptAt: nil},
		}
		for _, record := range records {
			require.NoError(t, s.Put(ctx, record))
		}

		count, err := s.CountByState(ctx, delivery.StateUnknown)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		count, err = s.CountByState(ctx, delivery.StatePending)
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)

		count, err = s.CountByState(ctx, delivery.StateConfirmed)
		require.NoError(t, err)
		assert.EqualValues(t, 3, count)

		count, err = s.CountByState(ctx, delivery.StateFailed)
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})
}

func testWorkerQueries(t *testing.T, s delivery.Store) {
	t.Run("testWorkerQueries", func(t *testing.T) {
		ctx := context.Background()

		_, err := s.GetAllPendingReadyToSend(ctx, 10)
		assert.Equal(t, delivery.ErrNotFound, err)

		records := []*delivery.Record{
			{DeliveryId: "id1", InvoiceId: "invoice1", Url: "url1", Payload: []byte("{}"), Attempts: 0, State: delivery.StateUnknown, NextAttemptAt: nil},
			{DeliveryId: "id2", InvoiceId: "invoice2", Url: "url2", Payload: []byte("{}"), Attempts: 1, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now().Add(-2 * time.Second))},
			{DeliveryId: "id3", InvoiceId: "invoice3", Url: "url3", Payload: []byte("{}"), Attempts: 2, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now().Add(-1 * time.Second))},
			{DeliveryId: "id4", InvoiceId: "invoice4", Url: "url4", Payload: []byte("{}"), Attempts: 3, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now())},
			{DeliveryId: "id5", InvoiceId: "invoice5", Url: "url5", Payload: []byte("{}"), Attempts: 4, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now().Add(time.Minute))},
			{DeliveryId: "id6", InvoiceId: "invoice6", Url: "url6", Payload: []byte("{}"), Attempts: 5, State: delivery.StatePending, NextAttemptAt: pointer.Time(time.Now().Add(2 * time.Minute))},
			{DeliveryId: "id7", InvoiceId: "invoice7", Url: "url7", Payload: []byte("{}"), Attempts: 6, State: delivery.StateConfirmed, NextAttemptAt: nil},
			{DeliveryId: "id8", InvoiceId: "invoice8", Url: "url8", Payload: []byte("{}"), Attempts: 7, State: delivery.StateFailed, NextAttemptAt: nil},
		}
		for _, record := range records {
			require.NoError(t, s.Put(ctx, record))
		}

		actual, err := s.GetAllPendingReadyToSend(ctx, 10)
		require.NoError(t, err)
		require.Len(t, actual, 3)
		assertEquivalentRecords(t, records[1], actual[0])
		assertEquivalentRecords(t, records[2], actual[1])
		assertEquivalentRecords(t, records[3], actual[2])

		actual, err = s.GetAllPendingReadyToSend(ctx, 2)
		require.NoError(t, err)
		require.Len(t, actual, 2)
		assertEquivalentRecords(t, records[1], actual[0])
		assertEquivalentRecords(t, records[2], actual[1])
	})
}

func assertEquivalentRecords(t *testing.T, obj1, obj2 *delivery.Record) {
	assert.Equal(t, obj1.DeliveryId, obj2.DeliveryId)
	assert.Equal(t, obj1.InvoiceId, obj2.InvoiceId)
	assert.Equal(t, obj1.Url, obj2.Url)
	assert.Equal(t, obj1.Payload, obj2.Payload)
	assert.Equal(t, obj1.Attempts, obj2.Attempts)
	assert.Equal(t, obj1.State, obj2.State)

	if obj1.NextAttemptAt == nil {
		assert.Nil(t, obj2.NextAttemptAt)
	} else {
		require.NotNil(t, obj2.NextAttemptAt)
		assert.Equal(t, obj1.NextAttemptAt.Unix(), obj2.NextAttemptAt.Unix())
	}
}
