package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

func TestHttpClient_ErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		body      string
		transient bool
		notFound  bool
		rejected  string
	}{
		{status: http.StatusInternalServerError, body: "boom", transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusNotFound, notFound: true},
		{status: http.StatusBadRequest, body: `{"message":"currency not supported"}`, rejected: "currency not supported"},
		{status: http.StatusUnprocessableEntity, body: `{"error":{"message":"amount too small"}}`, rejected: "amount too small"},
		{status: http.StatusForbidden, body: `invalid api key`, rejected: "invalid api key"},
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))

		client := NewHttpClient("test", nil, 0)
		req, _, err := NewJsonRequest(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)

		err = client.Do(req, "Get", nil)
		require.Error(t, err)

		assert.Equal(t, tc.transient, IsTransient(err), "status %d", tc.status)
		assert.Equal(t, tc.notFound, errors.Is(err, ErrNotFound), "status %d", tc.status)

		rejected, ok := IsRejected(err)
		if len(tc.rejected) > 0 {
			require.True(t, ok, "status %d", tc.status)
			assert.Equal(t, tc.status, rejected.StatusCode)
			assert.Equal(t, tc.rejected, rejected.Reason)
		} else {
			assert.False(t, ok, "status %d", tc.status)
		}

		server.Close()
	}
}

func TestHttpClient_DecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"abc"}`))
	}))
	defer server.Close()

	client := NewHttpClient("test", nil, 0)
	req, encoded, err := NewJsonRequest(context.Background(), http.MethodPost, server.URL, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"b"}`, string(encoded))

	var out struct {
		Id string `json:"id"`
	}
	require.NoError(t, client.Do(req, "Post", &out))
	assert.Equal(t, "abc", out.Id)

	req, _, err = NewJsonRequest(context.Background(), http.MethodPost, server.URL, map[string]string{"a": "b"})
	require.NoError(t, err)
	var wrongShape []string
	err = client.Do(req, "Post", &wrongShape)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestHttpClient_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewHttpClient("test", nil, 0)
	req, _, err := NewJsonRequest(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)

	err = client.Do(req, "Get", nil)
	assert.True(t, IsTransient(err))
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 4}

	var calls int32
	attempts, err := policy.Do(context.Background(), time.Second, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts)

	calls = 0
	attempts, err = policy.Do(context.Background(), time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &RejectedError{StatusCode: 400, Reason: "bad currency"}
	})
	_, ok := IsRejected(err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, attempts)

	attempts, err = policy.Do(context.Background(), time.Second, func(ctx context.Context) error {
		return ErrTransient
	})
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 4, attempts)

	attempts, err = policy.Do(context.Background(), time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.EqualValues(t, 4, attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err = policy.Do(ctx, time.Second, func(ctx context.Context) error {
		return ErrTransient
	})
	assert.Error(t, err)
	assert.EqualValues(t, 1, attempts)
}

func TestCanonicalJson(t *testing.T) {
	actual, err := CanonicalJson([]byte(`{"b": 1.50, "a": {"z": "x&y", "c": [3, 1]}, "sign": "abc"}`), "sign")
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":[3,1],"z":"x&y"},"b":1.50}`, string(actual))

	_, err = CanonicalJson([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestSignatures(t *testing.T) {
	signature := HmacSha512Hex("secret", []byte("payload"))
	assert.Len(t, signature, 128)
	assert.True(t, EqualSignatures(signature, signature, true))
	assert.True(t, EqualSignatures(signature, strings.ToUpper(signature), true))
	assert.False(t, EqualSignatures(signature, HmacSha512Hex("other", []byte("payload")), true))
	assert.False(t, EqualSignatures(signature, "", true))

	b64 := HmacSha256Base64("secret", []byte("payload"))
	assert.True(t, EqualSignatures(b64, b64, false))
	assert.False(t, EqualSignatures(b64, strings.ToUpper(b64), false))
}

type fakeAdapter struct {
	provider invoice.Provider
}

func (f *fakeAdapter) Provider() invoice.Provider { return f.provider }
func (f *fakeAdapter) CreateInvoice(context.Context, *Request) (*Invoice, error) {
	return nil, nil
}
func (f *fakeAdapter) GetStatus(context.Context, string) (*Status, error) { return nil, nil }
func (f *fakeAdapter) VerifyWebhookSignature([]byte, http.Header) bool    { return false }
func (f *fakeAdapter) ParseWebhookPayload([]byte) (*WebhookEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) MapState(string) invoice.State { return invoice.StateUnknown }
func (f *fakeAdapter) GetEstimate(context.Context, string, string, decimal.Decimal) (*Estimate, error) {
	return nil, ErrEstimateNotSupported
}

func TestRegistry(t *testing.T) {
	registry, err := NewRegistry(&fakeAdapter{invoice.ProviderCryptomus}, &fakeAdapter{invoice.ProviderStripe})
	require.NoError(t, err)

	adapter, err := registry.Get(invoice.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, invoice.ProviderStripe, adapter.Provider())

	_, err = registry.Get(invoice.ProviderAlchemyPay)
	assert.True(t, errors.Is(err, ErrUnsupportedProvider))

	assert.Equal(t, []invoice.Provider{invoice.ProviderStripe, invoice.ProviderCryptomus}, registry.Providers())

	_, err = NewRegistry(&fakeAdapter{invoice.ProviderStripe}, &fakeAdapter{invoice.ProviderStripe})
	assert.Error(t, err)

	_, err = NewRegistry(&fakeAdapter{invoice.ProviderUnknown})
	assert.Error(t, err)

	status := NotFoundStatus("ref")
	assert.Equal(t, invoice.StateExpired, status.State)
	assert.Equal(t, RawStateNotFound, status.RawState)
}
