package async_delivery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/payments/notify/callback"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

func TestWorker_HappyPath(t *testing.T) {
	env := setup(t)

	record := env.endpoint.GetRandomDeliveryRecord(t)
	require.NoError(t, env.data.CreateDelivery(env.ctx, record))
	env.handlePending(t, record, false)

	assert.Len(t, env.endpoint.GetReceivedRequests(), 1)
	env.assertDeliveryState(t, record.DeliveryId, delivery.StateConfirmed, 1)
}

func TestWorker_FailurePath(t *testing.T) {
	env := setup(t)

	for prevAttempt := uint8(0); int(prevAttempt) < len(attemptToDelay); prevAttempt++ {
		env.endpoint.SimulateErrors()

		record := env.endpoint.GetRandomDeliveryRecord(t)
		record.Attempts = prevAttempt
		require.NoError(t, env.data.CreateDelivery(env.ctx, record))

		if int(prevAttempt)+1 == len(attemptToDelay) {
			env.handlePending(t, record, false)
			assert.Empty(t, env.endpoint.GetReceivedRequests())
		} else {
			env.handlePending(t, record, true)
			assert.Len(t, env.endpoint.GetReceivedRequests(), 1)
		}

		expectedState := delivery.StatePending
		expectedAttemptCount := prevAttempt + 1
		if int(prevAttempt)+1 == len(attemptToDelay) {
			expectedState = delivery.StateFailed
			expectedAttemptCount = prevAttempt
		}
		env.assertDeliveryState(t, record.DeliveryId, expectedState, expectedAttemptCount)

		env.endpoint.Reset()
	}
}

func TestWorker_Timeout(t *testing.T) {
	env := setupWithOverrides(t, &testOverrides{callbackTimeout: 100 * time.Millisecond})
	env.endpoint.SimulateDelay(300 * time.Millisecond)

	record := env.endpoint.GetRandomDeliveryRecord(t)
	require.NoError(t, env.data.CreateDelivery(env.ctx, record))
	env.handlePending(t, record, true)

	env.assertDeliveryState(t, record.DeliveryId, delivery.StatePending, 1)
}

func TestWorker_ConsistentStateManagement(t *testing.T) {
	env := setup(t)

	// Confirmation with next attempt setup in a later execution

	for attempt := uint8(1); int(attempt) < len(attemptToDelay); attempt++ {
		record := env.endpoint.GetRandomDeliveryRecord(t)
		require.NoError(t, env.data.CreateDelivery(env.ctx, record))

		cloned := record.Clone()
		cloned.Attempts = attempt
		cloned.State = delivery.StatePending
		require.NoError(t, env.data.UpdateDelivery(env.ctx, &cloned))

		env.handlePending(t, record, false)

		assert.Len(t, env.endpoint.GetReceivedRequests(), 1)
		env.assertDeliveryState(t, record.DeliveryId, delivery.StateConfirmed, 1)

		env.endpoint.Reset()
	}

	// Already confirmed

	env.endpoint.Reset()
	env.endpoint.SimulateErrors()

	record := env.endpoint.GetRandomDeliveryRecord(t)
	record.Attempts = uint8(len(attemptToDelay))
	require.NoError(t, env.data.CreateDelivery(env.ctx, record))

	cloned := record.Clone()
	cloned.Attempts = 1
	cloned.NextAttemptAt = nil
	cloned.State = delivery.StateConfirmed
	require.NoError(t, env.data.UpdateDelivery(env.ctx, &cloned))

	env.handlePending(t, record, false)

	assert.Empty(t, env.endpoint.GetReceivedRequests())
	env.assertDeliveryState(t, record.DeliveryId, delivery.StateConfirmed, 1)

	// Failed, but later confirmed

	env.endpoint.Reset()

	record = env.endpoint.GetRandomDeliveryRecord(t)
	require.NoError(t, env.data.CreateDelivery(env.ctx, record))

	cloned = record.Clone()
	cloned.Attempts = uint8(len(attemptToDelay)) - 1
	cloned.NextAttemptAt = nil
	cloned.State = delivery.StateFailed
	require.NoError(t, env.data.UpdateDelivery(env.ctx, &cloned))

	env.handlePending(t, record, false)

	assert.Len(t, env.endpoint.GetReceivedRequests(), 1)
	env.assertDeliveryState(t, record.DeliveryId, delivery.StateConfirmed, 1)
}

func TestService_DeliversPendingRecords(t *testing.T) {
	env := setup(t)

	var records []*delivery.Record
	for i := 0; i < 5; i++ {
		record := env.endpoint.GetRandomDeliveryRecord(t)
		require.NoError(t, env.data.CreateDelivery(env.ctx, record))
		records = append(records, record)
	}

	ctx, cancel := context.WithCancel(env.ctx)
	defer cancel()
	go env.worker.Start(ctx, 10*time.Millisecond)

	require.NoError(t, testutil.WaitFor(5*time.Second, 10*time.Millisecond, func() bool {
		for _, record := range records {
			current, err := env.data.GetDelivery(env.ctx, record.DeliveryId)
			if err != nil || current.State != delivery.StateConfirmed {
				return false
			}
		}
		return true
	}))

	assert.Len(t, env.endpoint.GetReceivedRequests(), len(records))
}

type testEnv struct {
	ctx      context.Context
	data     data.Provider
	worker   *service
	endpoint *callback.TestCallbackEndpoint
}

func setup(t *testing.T) *testEnv {
	return setupWithOverrides(t, &testOverrides{})
}

func setupWithOverrides(t *testing.T, overrides *testOverrides) *testEnv {
	_, signer, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	db := data.NewTestDataProvider()
	return &testEnv{
		ctx:      context.Background(),
		data:     db,
		worker:   New(db, http.DefaultClient, signer, withManualTestOverrides(overrides)).(*service),
		endpoint: callback.NewTestCallbackEndpoint(t),
	}
}

func (e *testEnv) handlePending(t *testing.T, record *delivery.Record, shouldError bool) {
	var wg sync.WaitGroup
	wg.Add(1)
	err := e.worker.handlePending(e.ctx, record, &wg)
	if shouldError {
		assert.Error(t, err)
	} else {
		require.NoError(t, err)
	}
}

func (e *testEnv) assertDeliveryState(t *testing.T, id string, expectedState delivery.State, expectedAttempts uint8) {
	record, err := e.data.GetDelivery(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, expectedState, record.State)
	assert.Equal(t, expectedAttempts, record.Attempts)

	if record.State == delivery.StatePending {
		require.NotNil(t, record.NextAttemptAt)
		timeUntilNextAttempt := time.Until(*record.NextAttemptAt)
		assert.True(t, timeUntilNextAttempt <= attemptToDelay[expectedAttempts+1])
		assert.True(t, timeUntilNextAttempt > attemptToDelay[expectedAttempts+1]-500*time.Millisecond)
	} else {
		assert.Nil(t, record.NextAttemptAt)
	}
}
