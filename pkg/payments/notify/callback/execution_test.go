package callback

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

func TestExecute_HappyPath(t *testing.T) {
	env := setupExecution(t)

	record := env.server.GetRandomDeliveryRecord(t)
	require.NoError(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))

	requests := env.server.GetReceivedRequests()
	require.Len(t, requests, 1)

	parsed, err := jwt.ParseWithClaims(requests[0], jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		return env.verifier, nil
	})
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	require.Len(t, claims, 4)
	assert.Equal(t, record.InvoiceId, claims["invoiceId"])
	assert.Equal(t, "FINISHED", claims["newState"])
	assert.Equal(t, "0.0021", claims["settledAmount"])
	assert.Equal(t, record.DeliveryId, claims[DeliveryIdClaim])
}

func TestExecute_WrongKeyDoesNotVerify(t *testing.T) {
	env := setupExecution(t)

	record := env.server.GetRandomDeliveryRecord(t)
	require.NoError(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))

	requests := env.server.GetReceivedRequests()
	require.Len(t, requests, 1)

	otherPublicKey, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(requests[0], jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		return otherPublicKey, nil
	})
	assert.Error(t, err)
}

func TestExecute_EndpointError(t *testing.T) {
	env := setupExecution(t)
	env.server.SimulateErrors()

	record := env.server.GetRandomDeliveryRecord(t)
	assert.Error(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))
	assert.Len(t, env.server.GetReceivedRequests(), 1)
}

func TestExecute_Timeout(t *testing.T) {
	env := setupExecution(t)
	env.server.SimulateDelay(200 * time.Millisecond)

	record := env.server.GetRandomDeliveryRecord(t)
	assert.Error(t, Execute(env.ctx, http.DefaultClient, env.signer, record, 100*time.Millisecond))
}

func TestExecute_Validation(t *testing.T) {
	env := setupExecution(t)

	record := env.server.GetRandomDeliveryRecord(t)
	for _, invalidState := range []delivery.State{
		delivery.StateUnknown,
		delivery.StateFailed,
		delivery.StateConfirmed,
	} {
		record.State = invalidState
		assert.Error(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))
		assert.Empty(t, env.server.GetReceivedRequests())
	}

	record = env.server.GetRandomDeliveryRecord(t)
	record.NextAttemptAt = pointer.Time(time.Now().Add(time.Second))
	assert.Error(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))
	assert.Empty(t, env.server.GetReceivedRequests())

	record = env.server.GetRandomDeliveryRecord(t)
	record.Payload = []byte("not json")
	assert.Error(t, Execute(env.ctx, http.DefaultClient, env.signer, record, time.Second))
	assert.Empty(t, env.server.GetReceivedRequests())
}

type executionTestEnv struct {
	ctx      context.Context
	server   *TestCallbackEndpoint
	signer   ed25519.PrivateKey
	verifier ed25519.PublicKey
}

func setupExecution(t *testing.T) executionTestEnv {
	verifier, signer, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return executionTestEnv{
		ctx:      context.Background(),
		server:   NewTestCallbackEndpoint(t),
		signer:   signer,
		verifier: verifier,
	}
}
