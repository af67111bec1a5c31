package nowpayments

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	testApiKey    = "api-key"
	testIpnSecret = "ipn-secret"
)

func setup(t *testing.T, handler http.Handler) provider.Adapter {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := New(Config{
		BaseUrl:        server.URL,
		ApiKey:         testApiKey,
		IpnSecret:      testIpnSecret,
		IpnCallbackUrl: "https://engine.example.com/v1/webhooks/nowpayments",
	})
	require.NoError(t, err)
	return adapter
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{IpnSecret: testIpnSecret})
	assert.Error(t, err)

	_, err = New(Config{ApiKey: testApiKey})
	assert.True(t, errors.Is(err, provider.ErrWebhookSecretRequired))
}

func TestCreateInvoice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/invoice", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, testApiKey, r.Header.Get("x-api-key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.EqualValues(t, 100, req["price_amount"])
		assert.Equal(t, "usd", req["price_currency"])
		assert.Equal(t, "btc", req["pay_currency"])
		assert.Equal(t, "order-1", req["order_id"])
		assert.Equal(t, "https://engine.example.com/v1/webhooks/nowpayments", req["ipn_callback_url"])

		w.Write([]byte(`{"id":"4522625843","order_id":"order-1","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`))
	})
	adapter := setup(t, mux)

	created, err := adapter.CreateInvoice(context.Background(), &provider.Request{
		InvoiceId:      "inv-1",
		OrderId:        "order-1",
		Amount:         decimal.NewFromInt(100),
		SourceCurrency: "USD",
		TargetCurrency: "BTC",
	})
	require.NoError(t, err)
	assert.Equal(t, "4522625843", created.ReferenceId)
	assert.Equal(t, "https://nowpayments.io/payment/?iid=4522625843", created.CheckoutUrl)
	assert.Equal(t, invoice.StateAwaitingPayment, created.InitialState)
	assert.Equal(t, "waiting", created.RawState)
}

func TestCreateInvoice_Rejected(t *testing.T) {
	adapter := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"statusCode":400,"code":"INVALID_REQUEST_PARAMS","message":"price_currency is not supported"}`))
	}))

	_, err := adapter.CreateInvoice(context.Background(), &provider.Request{
		OrderId:        "order-1",
		Amount:         decimal.NewFromInt(100),
		SourceCurrency: "XYZ",
		TargetCurrency: "BTC",
	})
	rejected, ok := provider.IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "price_currency is not supported", rejected.Reason)
}

func TestGetStatus(t *testing.T) {
	var response string
	var statusCode int
	mux := http.NewServeMux()
	mux.HandleFunc("/payment/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4522625843", r.URL.Query().Get("invoiceId"))
		if statusCode != 0 {
			w.WriteHeader(statusCode)
		}
		w.Write([]byte(response))
	})
	adapter := setup(t, mux)

	response = `{"data":[]}`
	status, err := adapter.GetStatus(context.Background(), "4522625843")
	require.NoError(t, err)
	assert.Equal(t, invoice.StateAwaitingPayment, status.State)
	assert.Equal(t, "waiting", status.RawState)

	response = `{"data":[
		{"payment_id":1,"invoice_id":4522625843,"payment_status":"expired","pay_currency":"btc"},
		{"payment_id":2,"invoice_id":4522625843,"payment_status":"finished","pay_amount":0.0021,"actually_paid":"0.0021","pay_currency":"BTC"}
	]}`
	status, err = adapter.GetStatus(context.Background(), "4522625843")
	require.NoError(t, err)
	assert.Equal(t, invoice.StateFinished, status.State)
	assert.Equal(t, "finished", status.RawState)
	require.NotNil(t, status.SettledAmount)
	assert.Equal(t, "0.0021", status.SettledAmount.String())
	assert.Equal(t, "btc", *status.SettledCurrency)

	statusCode = http.StatusNotFound
	response = `{"message":"invoice not found"}`
	status, err = adapter.GetStatus(context.Background(), "4522625843")
	require.NoError(t, err)
	assert.Equal(t, invoice.StateExpired, status.State)
	assert.Equal(t, provider.RawStateNotFound, status.RawState)

	statusCode = http.StatusServiceUnavailable
	_, err = adapter.GetStatus(context.Background(), "4522625843")
	assert.True(t, provider.IsTransient(err))
}

func TestWebhook(t *testing.T) {
	adapter := setup(t, http.NotFoundHandler())

	body := []byte(`{"payment_id":5077125051,"invoice_id":4522625843,"payment_status":"finished","pay_address":"bc1q","price_amount":100,"price_currency":"usd","pay_amount":0.0021,"actually_paid":0.0021,"pay_currency":"btc","order_id":"order-1","updated_at":1700000000000}`)
	canonical, err := provider.CanonicalJson(body)
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set(SignatureHeader, provider.HmacSha512Hex(testIpnSecret, canonical))
	assert.True(t, adapter.VerifyWebhookSignature(body, headers))

	headers.Set(SignatureHeader, provider.HmacSha512Hex("wrong-secret", canonical))
	assert.False(t, adapter.VerifyWebhookSignature(body, headers))

	assert.False(t, adapter.VerifyWebhookSignature(body, http.Header{}))
	assert.False(t, adapter.VerifyWebhookSignature([]byte("not json"), headers))

	event, err := adapter.ParseWebhookPayload(body)
	require.NoError(t, err)
	assert.Equal(t, "4522625843", event.ReferenceId)
	assert.Equal(t, "finished", event.RawState)
	assert.Equal(t, "4522625843:5077125051:finished", event.EventId)
	require.NotNil(t, event.SettledAmount)
	assert.Equal(t, "0.0021", event.SettledAmount.String())
	assert.Equal(t, "btc", *event.SettledCurrency)

	_, err = adapter.ParseWebhookPayload([]byte(`{"payment_status":"finished"}`))
	assert.True(t, errors.Is(err, provider.ErrMalformedPayload))

	_, err = adapter.ParseWebhookPayload([]byte(`[]`))
	assert.True(t, errors.Is(err, provider.ErrMalformedPayload))
}

func TestMapState(t *testing.T) {
	adapter := setup(t, http.NotFoundHandler())

	for raw, expected := range map[string]invoice.State{
		"waiting":        invoice.StateAwaitingPayment,
		"partially_paid": invoice.StateAwaitingPayment,
		"confirming":     invoice.StateConfirming,
		"confirmed":      invoice.StateConfirming,
		"sending":        invoice.StateConfirming,
		"finished":       invoice.StateFinished,
		"FINISHED":       invoice.StateFinished,
		"failed":         invoice.StateFailed,
		"expired":        invoice.StateExpired,
		"refunded":       invoice.StateRefunded,
		"something_new":  invoice.StateUnknown,
	} {
		assert.Equal(t, expected, adapter.MapState(raw), raw)
	}
}

func TestGetEstimate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/estimate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("amount"))
		assert.Equal(t, "usd", r.URL.Query().Get("currency_from"))
		assert.Equal(t, "btc", r.URL.Query().Get("currency_to"))
		w.Write([]byte(`{"currency_from":"usd","amount_from":100,"currency_to":"btc","estimated_amount":"0.00153"}`))
	})
	mux.HandleFunc("/min-amount", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"currency_from":"btc","currency_to":"usd","min_amount":0.0001}`))
	})
	adapter := setup(t, mux)

	estimate, err := adapter.GetEstimate(context.Background(), "USD", "BTC", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "usd", estimate.From)
	assert.Equal(t, "btc", estimate.To)
	assert.Equal(t, "0.00153", estimate.EstimatedAmount.String())
	require.NotNil(t, estimate.MinAmount)
	assert.Equal(t, "0.0001", estimate.MinAmount.String())
}
