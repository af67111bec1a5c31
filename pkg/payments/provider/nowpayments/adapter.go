package nowpayments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

// Reference: https://documenter.getpostman.com/view/7907941/2s93JusNJt

const (
	DefaultApiBaseUrl = "https://api.nowpayments.io/v1/"

	SignatureHeader = "x-nowpayments-sig"

	metricsStructName = "provider.nowpayments"
)

type Config struct {
	BaseUrl string
	ApiKey  string

	// IpnSecret signs IPN callbacks
	IpnSecret      string
	IpnCallbackUrl string
	SuccessUrl     string
	CancelUrl      string

	RateLimit  float64
	HttpClient *http.Client
}

type adapter struct {
	conf   Config
	client *provider.HttpClient
}

// New returns a new NOWPayments adapter
func New(conf Config) (provider.Adapter, error) {
	if len(conf.ApiKey) == 0 {
		return nil, errors.New("api key is required")
	}
	if len(conf.IpnSecret) == 0 {
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
	return invoice.ProviderNowPayments
}

type jsonCreateInvoiceRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency,omitempty"`
	OrderId          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IpnCallbackUrl   string      `json:"ipn_callback_url,omitempty"`
	SuccessUrl       string      `json:"success_url,omitempty"`
	CancelUrl        string      `json:"cancel_url,omitempty"`
}

type jsonCreateInvoiceResponse struct {
	Id         json.Number `json:"id"`
	InvoiceUrl string      `json:"invoice_url"`
}

func (a *adapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	body := &jsonCreateInvoiceRequest{
		PriceAmount:      json.Number(req.Amount.String()),
		PriceCurrency:    strings.ToLower(req.SourceCurrency),
		PayCurrency:      strings.ToLower(req.TargetCurrency),
		OrderId:          req.OrderId,
		OrderDescription: req.Description,
		IpnCallbackUrl:   a.conf.IpnCallbackUrl,
		SuccessUrl:       a.conf.SuccessUrl,
		CancelUrl:        a.conf.CancelUrl,
	}

	httpReq, _, err := provider.NewJsonRequest(ctx, http.MethodPost, a.conf.BaseUrl+"invoice", body)
	if err != nil {
		return nil, err
	}
	a.authenticate(httpReq)

	var resp jsonCreateInvoiceResponse
	if err := a.client.Do(httpReq, "CreateInvoice", &resp); err != nil {
		return nil, err
	}

	if len(resp.Id) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "invoice id missing from response")
	}

	return &provider.Invoice{
		ReferenceId:  resp.Id.String(),
		CheckoutUrl:  resp.InvoiceUrl,
		InitialState: invoice.StateAwaitingPayment,
		RawState:     "waiting",
	}, nil
}

type jsonPayment struct {
	PaymentId       json.Number      `json:"payment_id"`
	InvoiceId       json.Number      `json:"invoice_id"`
	PaymentStatus   string           `json:"payment_status"`
	PayAmount       *decimal.Decimal `json:"pay_amount"`
	ActuallyPaid    *decimal.Decimal `json:"actually_paid"`
	PayCurrency     string           `json:"pay_currency"`
	OrderId         string           `json:"order_id"`
	OutcomeAmount   *decimal.Decimal `json:"outcome_amount"`
	OutcomeCurrency string           `json:"outcome_currency"`
}

type jsonPaymentList struct {
	Data []*jsonPayment `json:"data"`
}

func (a *adapter) GetStatus(ctx context.Context, referenceId string) (*provider.Status, error) {
	httpReq, _, err := provider.NewJsonRequest(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%spayment/?invoiceId=%s&sortBy=updated_at&orderBy=desc&limit=10", a.conf.BaseUrl, url.QueryEscape(referenceId)),
		nil,
	)
	if err != nil {
		return nil, err
	}
	a.authenticate(httpReq)

	var resp jsonPaymentList
	err = a.client.Do(httpReq, "GetStatus", &resp)
	if errors.Is(err, provider.ErrNotFound) {
		return provider.NotFoundStatus(referenceId), nil
	} else if err != nil {
		return nil, err
	}

	// No payment attempt yet against the invoice
	if len(resp.Data) == 0 {
		return &provider.Status{
			ReferenceId: referenceId,
			RawState:    "waiting",
			State:       invoice.StateAwaitingPayment,
		}, nil
	}

	// Multiple payments can exist for one invoice, so report the most advanced
	best := resp.Data[0]
	for _, payment := range resp.Data[1:] {
		if stateRank(a.MapState(payment.PaymentStatus)) > stateRank(a.MapState(best.PaymentStatus)) {
			best = payment
		}
	}

	status := &provider.Status{
		ReferenceId: referenceId,
		RawState:    best.PaymentStatus,
		State:       a.MapState(best.PaymentStatus),
	}
	status.SettledAmount, status.SettledCurrency = settlement(best)
	return status, nil
}

func (a *adapter) VerifyWebhookSignature(rawBody []byte, headers http.Header) bool {
	signature := headers.Get(SignatureHeader)
	if len(signature) == 0 {
		return false
	}

	canonical, err := provider.CanonicalJson(rawBody)
	if err != nil {
		return false
	}

	expected := provider.HmacSha512Hex(a.conf.IpnSecret, canonical)
	return provider.EqualSignatures(expected, signature, true)
}

func (a *adapter) ParseWebhookPayload(rawBody []byte) (*provider.WebhookEvent, error) {
	var payload jsonPayment
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}

	if len(payload.InvoiceId) == 0 || len(payload.PaymentStatus) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "invoice_id and payment_status are required")
	}

	// IPNs carry no delivery id, so the payment status transition identifies it
	eventId := fmt.Sprintf("%s:%s:%s", payload.InvoiceId.String(), payload.PaymentId.String(), payload.PaymentStatus)

	res := &provider.WebhookEvent{
		EventId:     eventId,
		ReferenceId: payload.InvoiceId.String(),
		RawState:    payload.PaymentStatus,
	}
	res.SettledAmount, res.SettledCurrency = settlement(&payload)
	return res, nil
}

func (a *adapter) MapState(rawState string) invoice.State {
	switch strings.ToLower(strings.TrimSpace(rawState)) {
	case "waiting", "partially_paid":
		return invoice.StateAwaitingPayment
	case "confirming", "confirmed", "sending":
		return invoice.StateConfirming
	case "finished":
		return invoice.StateFinished
	case "failed":
		return invoice.StateFailed
	case "expired":
		return invoice.StateExpired
	case "refunded":
		return invoice.StateRefunded
	}
	return invoice.StateUnknown
}

type jsonEstimate struct {
	CurrencyFrom    string          `json:"currency_from"`
	CurrencyTo      string          `json:"currency_to"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
}

type jsonMinAmount struct {
	MinAmount decimal.Decimal `json:"min_amount"`
}

func (a *adapter) GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*provider.Estimate, error) {
	from = strings.ToLower(from)
	to = strings.ToLower(to)

	httpReq, _, err := provider.NewJsonRequest(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%sestimate?amount=%s&currency_from=%s&currency_to=%s", a.conf.BaseUrl, amount.String(), url.QueryEscape(from), url.QueryEscape(to)),
		nil,
	)
	if err != nil {
		return nil, err
	}
	a.authenticate(httpReq)

	var estimate jsonEstimate
	if err := a.client.Do(httpReq, "GetEstimate", &estimate); err != nil {
		return nil, err
	}

	httpReq, _, err = provider.NewJsonRequest(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%smin-amount?currency_from=%s&currency_to=%s", a.conf.BaseUrl, url.QueryEscape(to), url.QueryEscape(from)),
		nil,
	)
	if err != nil {
		return nil, err
	}
	a.authenticate(httpReq)

	var minAmount jsonMinAmount
	if err := a.client.Do(httpReq, "GetMinAmount", &minAmount); err != nil {
		return nil, err
	}

	return &provider.Estimate{
		From:            from,
		To:              to,
		Amount:          amount,
		EstimatedAmount: estimate.EstimatedAmount,
		MinAmount:       pointer.Decimal(minAmount.MinAmount),
	}, nil
}

func (a *adapter) authenticate(req *http.Request) {
	req.Header.Set("x-api-key", a.conf.ApiKey)
}

func settlement(payment *jsonPayment) (*decimal.Decimal, *string) {
	if len(payment.PayCurrency) == 0 {
		return nil, nil
	}

	switch {
	case payment.ActuallyPaid != nil && payment.ActuallyPaid.IsPositive():
		return pointer.DecimalCopy(payment.ActuallyPaid), pointer.String(strings.ToLower(payment.PayCurrency))
	case payment.PayAmount != nil && payment.PayAmount.IsPositive():
		return pointer.DecimalCopy(payment.PayAmount), pointer.String(strings.ToLower(payment.PayCurrency))
	}
	return nil, nil
}

func stateRank(state invoice.State) int {
	switch state {
	case invoice.StateAwaitingPayment:
		return 1
	case invoice.StateConfirming:
		return 2
	case invoice.StateFailed, invoice.StateExpired:
		return 3
	case invoice.StateFinished:
		return 4
	case invoice.StateRefunded:
		return 5
	}
	return 0
}
