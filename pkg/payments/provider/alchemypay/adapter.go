package alchemypay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

// Reference: https://alchemypay.readme.io/docs

const (
	DefaultApiBaseUrl  = "https://openapi.alchemypay.org/"
	DefaultWebhookPath = "/v1/webhooks/alchemypay"

	AppIdHeader     = "appId"
	TimestampHeader = "timestamp"
	SignatureHeader = "sign"

	successCode = "0000"

	createPath        = "open/api/v4/merchant/trade/create"
	queryPath         = "open/api/v4/merchant/query/trade"
	quotePath         = "open/api/v4/merchant/order/quote"
	webhookSkew       = 5 * time.Minute
	metricsStructName = "provider.alchemypay"
)

type Config struct {
	BaseUrl string
	AppId   string

	// AppSecret signs outbound requests and inbound notifications
	AppSecret string

	CallbackUrl string
	RedirectUrl string

	// WebhookPath is the request path notifications are delivered to, which
	// is part of the signed message
	WebhookPath string

	RateLimit  float64
	HttpClient *http.Client
}

type adapter struct {
	conf   Config
	client *provider.HttpClient
	now    func() time.Time
}

// New returns a new AlchemyPay adapter
func New(conf Config) (provider.Adapter, error) {
	if len(conf.AppId) == 0 {
		return nil, errors.New("app id is required")
	}
	if len(conf.AppSecret) == 0 {
		return nil, provider.ErrWebhookSecretRequired
	}
	if len(conf.BaseUrl) == 0 {
		conf.BaseUrl = DefaultApiBaseUrl
	}
	if !strings.HasSuffix(conf.BaseUrl, "/") {
		conf.BaseUrl += "/"
	}
	if len(conf.WebhookPath) == 0 {
		conf.WebhookPath = DefaultWebhookPath
	}

	return &adapter{
		conf:   conf,
		client: provider.NewHttpClient(metricsStructName, conf.HttpClient, conf.RateLimit),
		now:    time.Now,
	}, nil
}

func (a *adapter) Provider() invoice.Provider {
	return invoice.ProviderAlchemyPay
}

type jsonEnvelope struct {
	Success    bool            `json:"success"`
	ReturnCode string          `json:"returnCode"`
	ReturnMsg  string          `json:"returnMsg"`
	Data       json.RawMessage `json:"data"`
}

type jsonCreateTradeRequest struct {
	MerchantOrderNo string `json:"merchantOrderNo"`
	Amount          string `json:"amount"`
	FiatCurrency    string `json:"fiatCurrency"`
	Crypto          string `json:"crypto,omitempty"`
	CallbackUrl     string `json:"callbackUrl,omitempty"`
	RedirectUrl     string `json:"redirectUrl,omitempty"`
	ExpireTime      int64  `json:"expireTime,omitempty"`
	Remark          string `json:"remark,omitempty"`
}

type jsonTrade struct {
	OrderNo         string           `json:"orderNo"`
	MerchantOrderNo string           `json:"merchantOrderNo"`
	PayUrl          string           `json:"payUrl"`
	Status          string           `json:"status"`
	CryptoAmount    *decimal.Decimal `json:"cryptoAmount"`
	Crypto          string           `json:"crypto"`
	ExpireTime      int64            `json:"expireTime"`
}

func (a *adapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	body := &jsonCreateTradeRequest{
		MerchantOrderNo: req.OrderId,
		Amount:          req.Amount.String(),
		FiatCurrency:    strings.ToUpper(req.SourceCurrency),
		Crypto:          strings.ToUpper(req.TargetCurrency),
		CallbackUrl:     a.conf.CallbackUrl,
		RedirectUrl:     a.conf.RedirectUrl,
		Remark:          req.Description,
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpireTime = req.ExpiresAt.UnixMilli()
	}

	var trade jsonTrade
	if err := a.call(ctx, http.MethodPost, createPath, nil, body, "CreateInvoice", &trade); err != nil {
		return nil, err
	}

	if len(trade.OrderNo) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "orderNo missing from response")
	}

	rawState := trade.Status
	if len(rawState) == 0 {
		rawState = "PENDING"
	}

	res := &provider.Invoice{
		ReferenceId:  trade.OrderNo,
		CheckoutUrl:  trade.PayUrl,
		RawState:     rawState,
		InitialState: invoice.StateAwaitingPayment,
	}
	if trade.ExpireTime > 0 {
		res.ExpiresAt = pointer.Time(time.UnixMilli(trade.ExpireTime))
	}
	return res, nil
}

func (a *adapter) GetStatus(ctx context.Context, referenceId string) (*provider.Status, error) {
	query := url.Values{}
	query.Set("orderNo", referenceId)

	var trade jsonTrade
	err := a.call(ctx, http.MethodGet, queryPath, query, nil, "GetStatus", &trade)
	if errors.Is(err, provider.ErrNotFound) {
		return provider.NotFoundStatus(referenceId), nil
	} else if err != nil {
		return nil, err
	}

	status := &provider.Status{
		ReferenceId: referenceId,
		RawState:    trade.Status,
		State:       a.MapState(trade.Status),
	}
	status.SettledAmount, status.SettledCurrency = trade.settlement()
	return status, nil
}

func (a *adapter) VerifyWebhookSignature(rawBody []byte, headers http.Header) bool {
	if headers.Get(AppIdHeader) != a.conf.AppId {
		return false
	}

	timestamp := headers.Get(TimestampHeader)
	signature := headers.Get(SignatureHeader)
	if len(timestamp) == 0 || len(signature) == 0 {
		return false
	}

	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := a.now().Sub(time.UnixMilli(millis))
	if skew > webhookSkew || skew < -webhookSkew {
		return false
	}

	expected := Sign(a.conf.AppSecret, timestamp, http.MethodPost, a.conf.WebhookPath, rawBody)
	return provider.EqualSignatures(expected, signature, false)
}

func (a *adapter) ParseWebhookPayload(rawBody []byte) (*provider.WebhookEvent, error) {
	var payload jsonTrade
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}

	if len(payload.OrderNo) == 0 || len(payload.Status) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "orderNo and status are required")
	}

	res := &provider.WebhookEvent{
		EventId:     fmt.Sprintf("%s:%s", payload.OrderNo, payload.Status),
		ReferenceId: payload.OrderNo,
		RawState:    payload.Status,
	}
	res.SettledAmount, res.SettledCurrency = payload.settlement()
	return res, nil
}

func (a *adapter) MapState(rawState string) invoice.State {
	switch strings.ToUpper(strings.TrimSpace(rawState)) {
	case "NEW", "PENDING":
		return invoice.StateAwaitingPayment
	case "PROCESSING", "PAY_SUCCESS":
		return invoice.StateConfirming
	case "FINISHED", "SUCCESS":
		return invoice.StateFinished
	case "PAY_FAIL", "FAILED":
		return invoice.StateFailed
	case "EXPIRED", "CANCEL", "CLOSED":
		return invoice.StateExpired
	case "REFUND", "REFUNDED":
		return invoice.StateRefunded
	}
	return invoice.StateUnknown
}

type jsonQuoteRequest struct {
	Fiat   string `json:"fiat"`
	Crypto string `json:"crypto"`
	Amount string `json:"amount"`
	Side   string `json:"side"`
}

type jsonQuote struct {
	Fiat           string           `json:"fiat"`
	Crypto         string           `json:"crypto"`
	CryptoQuantity decimal.Decimal  `json:"cryptoQuantity"`
	MinAmount      *decimal.Decimal `json:"minAmount"`
}

func (a *adapter) GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*provider.Estimate, error) {
	body := &jsonQuoteRequest{
		Fiat:   strings.ToUpper(from),
		Crypto: strings.ToUpper(to),
		Amount: amount.String(),
		Side:   "BUY",
	}

	var quote jsonQuote
	if err := a.call(ctx, http.MethodPost, quotePath, nil, body, "GetEstimate", &quote); err != nil {
		return nil, err
	}

	return &provider.Estimate{
		From:            strings.ToLower(from),
		To:              strings.ToLower(to),
		Amount:          amount,
		EstimatedAmount: quote.CryptoQuantity,
		MinAmount:       pointer.DecimalCopy(quote.MinAmount),
	}, nil
}

func (a *adapter) call(ctx context.Context, method, path string, query url.Values, body interface{}, operation string, out interface{}) error {
	requestPath := "/" + path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	httpReq, encoded, err := provider.NewJsonRequest(ctx, method, strings.TrimSuffix(a.conf.BaseUrl, "/")+requestPath, body)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(a.now().UnixMilli(), 10)
	httpReq.Header.Set(AppIdHeader, a.conf.AppId)
	httpReq.Header.Set(TimestampHeader, timestamp)
	httpReq.Header.Set(SignatureHeader, Sign(a.conf.AppSecret, timestamp, method, requestPath, encoded))

	var envelope jsonEnvelope
	if err := a.client.Do(httpReq, operation, &envelope); err != nil {
		return err
	}

	if envelope.ReturnCode != successCode {
		return &provider.RejectedError{StatusCode: http.StatusOK, Reason: envelope.ReturnMsg}
	}

	if len(envelope.Data) == 0 {
		return errors.Wrap(provider.ErrMalformedPayload, "data missing from response")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}
	return nil
}

// Sign returns the base64 HMAC-SHA256 over timestamp, method, request path
// and body concatenated
func Sign(secret, timestamp, method, requestPath string, body []byte) string {
	message := make([]byte, 0, len(timestamp)+len(method)+len(requestPath)+len(body))
	message = append(message, timestamp...)
	message = append(message, strings.ToUpper(method)...)
	message = append(message, requestPath...)
	message = append(message, body...)
	return provider.HmacSha256Base64(secret, message)
}

func (t *jsonTrade) settlement() (*decimal.Decimal, *string) {
	if t.CryptoAmount == nil || !t.CryptoAmount.IsPositive() || len(t.Crypto) == 0 {
		return nil, nil
	}
	return pointer.DecimalCopy(t.CryptoAmount), pointer.String(strings.ToLower(t.Crypto))
}
