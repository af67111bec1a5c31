package cryptomus

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

// Reference: https://doc.cryptomus.com/

const (
	DefaultApiBaseUrl = "https://api.cryptomus.com/v1/"

	MerchantHeader  = "merchant"
	SignatureHeader = "sign"

	minLifetime = 5 * time.Minute
	maxLifetime = 12 * time.Hour

	metricsStructName = "provider.cryptomus"
)

type Config struct {
	BaseUrl    string
	MerchantId string

	// ApiKey signs outbound requests
	ApiKey string

	// WebhookSecret signs inbound payment notifications
	WebhookSecret string

	CallbackUrl string
	ReturnUrl   string

	RateLimit  float64
	HttpClient *http.Client
}

type adapter struct {
	conf   Config
	client *provider.HttpClient
}

// New returns a new Cryptomus adapter
func New(conf Config) (provider.Adapter, error) {
	if len(conf.MerchantId) == 0 || len(conf.ApiKey) == 0 {
		return nil, errors.New("merchant id and api key are required")
	}
	if len(conf.WebhookSecret) == 0 {
		return nil, provider.ErrWebhookSecretRequired
	}
	if len(conf.BaseUrl) == 0 {
		conf.BaseUrl = DefaultApiBaseUrl
	}
	if !strings.HasSuffix(conf.BaseUrl, "/") {
		conf.BaseUrl += "/"
	}

	return &adapter{
		conf:   conf,
		client: provider.NewHttpClient(metricsStructName, conf.HttpClient, conf.RateLimit),
	}, nil
}

func (a *adapter) Provider() invoice.Provider {
	return invoice.ProviderCryptomus
}

type jsonCreatePaymentRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ToCurrency     string `json:"to_currency,omitempty"`
	OrderId        string `json:"order_id"`
	UrlCallback    string `json:"url_callback,omitempty"`
	UrlReturn      string `json:"url_return,omitempty"`
	Lifetime       int64  `json:"lifetime,omitempty"`
	AdditionalData string `json:"additional_data,omitempty"`
}

type jsonPayment struct {
	Uuid          string           `json:"uuid"`
	OrderId       string           `json:"order_id"`
	Amount        *decimal.Decimal `json:"amount"`
	PaymentAmount *decimal.Decimal `json:"payment_amount"`
	PayerCurrency string           `json:"payer_currency"`
	Url           string           `json:"url"`
	ExpiredAt     int64            `json:"expired_at"`
	Status        string           `json:"status"`
	PaymentStatus string           `json:"payment_status"`
}

type jsonPaymentResponse struct {
	State   int          `json:"state"`
	Message string       `json:"message"`
	Result  *jsonPayment `json:"result"`
}

func (a *adapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	body := &jsonCreatePaymentRequest{
		Amount:      req.Amount.String(),
		Currency:    strings.ToUpper(req.SourceCurrency),
		ToCurrency:  strings.ToUpper(req.TargetCurrency),
		OrderId:     req.OrderId,
		UrlCallback: a.conf.CallbackUrl,
		UrlReturn:   a.conf.ReturnUrl,
	}
	if !req.ExpiresAt.IsZero() {
		body.Lifetime = int64(clampLifetime(time.Until(req.ExpiresAt)).Seconds())
	}
	if len(req.CallbackMetadata) > 0 {
		encoded, err := json.Marshal(req.CallbackMetadata)
		if err != nil {
			return nil, errors.Wrap(err, "error marshalling callback metadata")
		}
		body.AdditionalData = string(encoded)
	}

	payment, err := a.call(ctx, "payment", "CreateInvoice", body)
	if err != nil {
		return nil, err
	}

	if len(payment.Uuid) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "uuid missing from response")
	}

	res := &provider.Invoice{
		ReferenceId:  payment.Uuid,
		CheckoutUrl:  payment.Url,
		RawState:     payment.rawState(),
		InitialState: invoice.StateAwaitingPayment,
	}
	if payment.ExpiredAt > 0 {
		res.ExpiresAt = pointer.Time(time.Unix(payment.ExpiredAt, 0))
	}
	return res, nil
}

type jsonPaymentInfoRequest struct {
	Uuid string `json:"uuid"`
}

func (a *adapter) GetStatus(ctx context.Context, referenceId string) (*provider.Status, error) {
	payment, err := a.call(ctx, "payment/info", "GetStatus", &jsonPaymentInfoRequest{Uuid: referenceId})
	if errors.Is(err, provider.ErrNotFound) {
		return provider.NotFoundStatus(referenceId), nil
	} else if err != nil {
		return nil, err
	}

	rawState := payment.rawState()
	status := &provider.Status{
		ReferenceId: referenceId,
		RawState:    rawState,
		State:       a.MapState(rawState),
	}
	status.SettledAmount, status.SettledCurrency = payment.settlement()
	return status, nil
}

// VerifyWebhookSignature checks the sign field embedded in the notification
// body, which is the HMAC-SHA512 of the sorted payload without the sign field
func (a *adapter) VerifyWebhookSignature(rawBody []byte, headers http.Header) bool {
	var envelope struct {
		Sign string `json:"sign"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return false
	}

	signature := envelope.Sign
	if len(signature) == 0 {
		signature = headers.Get(SignatureHeader)
	}
	if len(signature) == 0 {
		return false
	}

	canonical, err := provider.CanonicalJson(rawBody, "sign")
	if err != nil {
		return false
	}

	expected := provider.HmacSha512Hex(a.conf.WebhookSecret, canonical)
	return provider.EqualSignatures(expected, signature, true)
}

type jsonWebhook struct {
	Type          string           `json:"type"`
	Uuid          string           `json:"uuid"`
	OrderId       string           `json:"order_id"`
	Status        string           `json:"status"`
	PaymentAmount *decimal.Decimal `json:"payment_amount"`
	PayerCurrency string           `json:"payer_currency"`
	Txid          string           `json:"txid"`
}

func (a *adapter) ParseWebhookPayload(rawBody []byte) (*provider.WebhookEvent, error) {
	var payload jsonWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}

	if len(payload.Uuid) == 0 || len(payload.Status) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "uuid and status are required")
	}

	eventId := fmt.Sprintf("%s:%s", payload.Uuid, payload.Status)
	if len(payload.Txid) > 0 {
		eventId += ":" + payload.Txid
	}

	res := &provider.WebhookEvent{
		EventId:     eventId,
		ReferenceId: payload.Uuid,
		RawState:    payload.Status,
	}
	if payload.PaymentAmount != nil && payload.PaymentAmount.IsPositive() && len(payload.PayerCurrency) > 0 {
		res.SettledAmount = pointer.DecimalCopy(payload.PaymentAmount)
		res.SettledCurrency = pointer.String(strings.ToLower(payload.PayerCurrency))
	}
	return res, nil
}

func (a *adapter) MapState(rawState string) invoice.State {
	switch strings.ToLower(strings.TrimSpace(rawState)) {
	case "check", "wrong_amount_waiting":
		return invoice.StateAwaitingPayment
	case "process", "confirm_check":
		return invoice.StateConfirming
	case "paid", "paid_over":
		return invoice.StateFinished
	case "fail", "wrong_amount", "system_fail":
		return invoice.StateFailed
	case "cancel":
		return invoice.StateExpired
	case "refund_paid":
		return invoice.StateRefunded
	}
	return invoice.StateUnknown
}

type jsonExchangeRate struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Course decimal.Decimal `json:"course"`
}

type jsonExchangeRateResponse struct {
	State  int                 `json:"state"`
	Result []*jsonExchangeRate `json:"result"`
}

func (a *adapter) GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*provider.Estimate, error) {
	httpReq, _, err := provider.NewJsonRequest(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%sexchange-rate/%s/list", a.conf.BaseUrl, url.PathEscape(strings.ToUpper(from))),
		nil,
	)
	if err != nil {
		return nil, err
	}

	var resp jsonExchangeRateResponse
	if err := a.client.Do(httpReq, "GetEstimate", &resp); err != nil {
		return nil, err
	}

	for _, rate := range resp.Result {
		if strings.EqualFold(rate.To, to) {
			return &provider.Estimate{
				From:            strings.ToLower(from),
				To:              strings.ToLower(to),
				Amount:          amount,
				EstimatedAmount: amount.Mul(rate.Course),
			}, nil
		}
	}
	return nil, &provider.RejectedError{
		StatusCode: http.StatusUnprocessableEntity,
		Reason:     fmt.Sprintf("no exchange rate from %s to %s", from, to),
	}
}

func (a *adapter) call(ctx context.Context, path, operation string, body interface{}) (*jsonPayment, error) {
	httpReq, encoded, err := provider.NewJsonRequest(ctx, http.MethodPost, a.conf.BaseUrl+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(MerchantHeader, a.conf.MerchantId)
	httpReq.Header.Set(SignatureHeader, Sign(a.conf.ApiKey, encoded))

	var resp jsonPaymentResponse
	if err := a.client.Do(httpReq, operation, &resp); err != nil {
		return nil, err
	}

	if resp.State != 0 {
		return nil, &provider.RejectedError{StatusCode: http.StatusOK, Reason: resp.Message}
	}
	if resp.Result == nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "result missing from response")
	}
	return resp.Result, nil
}

// Sign returns the request signature: md5 of the base64 body followed by the
// api key
func Sign(apiKey string, body []byte) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

func (p *jsonPayment) rawState() string {
	if len(p.PaymentStatus) > 0 {
		return p.PaymentStatus
	}
	return p.Status
}

func (p *jsonPayment) settlement() (*decimal.Decimal, *string) {
	if p.PaymentAmount == nil || !p.PaymentAmount.IsPositive() || len(p.PayerCurrency) == 0 {
		return nil, nil
	}
	return pointer.DecimalCopy(p.PaymentAmount), pointer.String(strings.ToLower(p.PayerCurrency))
}

func clampLifetime(lifetime time.Duration) time.Duration {
	if lifetime < minLifetime {
		return minLifetime
	}
	if lifetime > maxLifetime {
		return maxLifetime
	}
	return lifetime
}
