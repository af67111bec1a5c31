package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body
const SignatureHeader = "X-Memory-Signature"

// WebhookPayload is the webhook body understood by the in memory adapter
type WebhookPayload struct {
	EventId     string `json:"event_id"`
	ReferenceId string `json:"reference_id"`
	Status      string `json:"status"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

type remoteInvoice struct {
	request         provider.Request
	rawState        string
	settledAmount   *decimal.Decimal
	settledCurrency *string
}

// Adapter is a scriptable in memory provider.Adapter for tests. It uses a
// NOWPayments-like raw state vocabulary.
type Adapter struct {
	mu sync.Mutex

	provider      invoice.Provider
	webhookSecret string

	invoices map[string]*remoteInvoice
	nextRef  int

	createErrs   []error
	statusErrs   []error
	estimateErrs []error

	estimateRate  decimal.Decimal
	minAmount     *decimal.Decimal
	estimateDelay time.Duration
	expiry        *time.Duration

	createCalls   int
	statusCalls   int
	estimateCalls int
}

// New returns a new in memory adapter acting as the provided provider
func New(p invoice.Provider, webhookSecret string) *Adapter {
	return &Adapter{
		provider:      p,
		webhookSecret: webhookSecret,
		invoices:      make(map[string]*remoteInvoice),
		estimateRate:  decimal.NewFromInt(1),
	}
}

func (a *Adapter) Provider() invoice.Provider {
	return a.provider
}

func (a *Adapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.createCalls++
	if err := popErr(&a.createErrs); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(provider.ErrTransient, err.Error())
	}

	a.nextRef++
	ref := fmt.Sprintf("%s-ref-%d", a.provider.Slug(), a.nextRef)
	a.invoices[ref] = &remoteInvoice{
		request:  *req,
		rawState: "waiting",
	}

	res := &provider.Invoice{
		ReferenceId:  ref,
		CheckoutUrl:  fmt.Sprintf("https://%s.example.com/pay/%s", a.provider.Slug(), ref),
		InitialState: invoice.StateAwaitingPayment,
		RawState:     "waiting",
	}
	if a.expiry != nil {
		res.ExpiresAt = pointer.Time(time.Now().Add(*a.expiry))
	}
	return res, nil
}

func (a *Adapter) GetStatus(ctx context.Context, referenceId string) (*provider.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.statusCalls++
	if err := popErr(&a.statusErrs); err != nil {
		return nil, err
	}

	remote, ok := a.invoices[referenceId]
	if !ok {
		return provider.NotFoundStatus(referenceId), nil
	}

	return &provider.Status{
		ReferenceId:     referenceId,
		RawState:        remote.rawState,
		State:           a.MapState(remote.rawState),
		SettledAmount:   pointer.DecimalCopy(remote.settledAmount),
		SettledCurrency: pointer.StringCopy(remote.settledCurrency),
	}, nil
}

func (a *Adapter) VerifyWebhookSignature(rawBody []byte, headers http.Header) bool {
	expected := provider.HmacSha512Hex(a.webhookSecret, rawBody)
	return provider.EqualSignatures(expected, headers.Get(SignatureHeader), true)
}

func (a *Adapter) ParseWebhookPayload(rawBody []byte) (*provider.WebhookEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}

	if len(payload.EventId) == 0 || len(payload.ReferenceId) == 0 || len(payload.Status) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "missing required fields")
	}

	res := &provider.WebhookEvent{
		EventId:     payload.EventId,
		ReferenceId: payload.ReferenceId,
		RawState:    payload.Status,
	}

	if len(payload.Amount) > 0 {
		amount, err := decimal.NewFromString(payload.Amount)
		if err != nil {
			return nil, errors.Wrap(provider.ErrMalformedPayload, "invalid amount")
		}
		res.SettledAmount = &amount
		res.SettledCurrency = pointer.String(payload.Currency)
	}

	return res, nil
}

func (a *Adapter) MapState(rawState string) invoice.State {
	switch strings.ToLower(rawState) {
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

func (a *Adapter) GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*provider.Estimate, error) {
	a.mu.Lock()
	a.estimateCalls++
	err := popErr(&a.estimateErrs)
	delay := a.estimateDelay
	rate := a.estimateRate
	minAmount := pointer.DecimalCopy(a.minAmount)
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(provider.ErrTransient, ctx.Err().Error())
		case <-time.After(delay):
		}
	}

	return &provider.Estimate{
		From:            from,
		To:              to,
		Amount:          amount,
		EstimatedAmount: amount.Mul(rate),
		MinAmount:       minAmount,
	}, nil
}

// SetRemoteState sets the provider side state reported by GetStatus
func (a *Adapter) SetRemoteState(referenceId, rawState string, settledAmount *decimal.Decimal, settledCurrency *string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	remote, ok := a.invoices[referenceId]
	if !ok {
		remote = &remoteInvoice{}
		a.invoices[referenceId] = remote
	}
	remote.rawState = rawState
	remote.settledAmount = pointer.DecimalCopy(settledAmount)
	remote.settledCurrency = pointer.StringCopy(settledCurrency)
}

// Forget drops a reference so GetStatus reports it as not found
func (a *Adapter) Forget(referenceId string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.invoices, referenceId)
}

// GetRemoteRequest returns the request a reference was created with
func (a *Adapter) GetRemoteRequest(referenceId string) (*provider.Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	remote, ok := a.invoices[referenceId]
	if !ok {
		return nil, false
	}
	req := remote.request
	return &req, true
}

// QueueCreateErrors makes the next CreateInvoice calls fail in order
func (a *Adapter) QueueCreateErrors(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createErrs = append(a.createErrs, errs...)
}

// QueueStatusErrors makes the next GetStatus calls fail in order
func (a *Adapter) QueueStatusErrors(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusErrs = append(a.statusErrs, errs...)
}

// QueueEstimateErrors makes the next GetEstimate calls fail in order
func (a *Adapter) QueueEstimateErrors(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.estimateErrs = append(a.estimateErrs, errs...)
}

// SetEstimate configures the conversion rate and minimum amount
func (a *Adapter) SetEstimate(rate decimal.Decimal, minAmount *decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.estimateRate = rate
	a.minAmount = pointer.DecimalCopy(minAmount)
}

// SetEstimateDelay delays every GetEstimate response
func (a *Adapter) SetEstimateDelay(delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.estimateDelay = delay
}

// SetExpiry makes created invoices report an expiry relative to creation
func (a *Adapter) SetExpiry(expiry time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expiry = &expiry
}

func (a *Adapter) CreateCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createCalls
}

func (a *Adapter) StatusCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls
}

func (a *Adapter) EstimateCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimateCalls
}

// SignedWebhook encodes the payload and returns it with valid signature headers
func (a *Adapter) SignedWebhook(payload *WebhookPayload) ([]byte, http.Header) {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	headers := make(http.Header)
	headers.Set(SignatureHeader, provider.HmacSha512Hex(a.webhookSecret, body))
	return body, headers
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}
