package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	stripeapi "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/code-payments/payments-engine/pkg/currency"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/pointer"
	"github.com/code-payments/payments-engine/pkg/rate"
)

const (
	SignatureHeader = "Stripe-Signature"

	DefaultWebhookTolerance = 5 * time.Minute

	// Checkout sessions must expire between 30 minutes and 24 hours after creation
	minSessionLifetime = 30*time.Minute + time.Minute
	maxSessionLifetime = 24*time.Hour - time.Minute

	// Raw states synthesized from checkout session status and event type
	RawStateOpen               = "open"
	RawStateCompletePaid       = "complete:paid"
	RawStateCompleteUnpaid     = "complete:unpaid"
	RawStateCompleteNoPayment  = "complete:no_payment_required"
	RawStateExpired            = "expired"
	RawStateAsyncPaymentFailed = "async_payment_failed"
	RawStateRefunded           = "refunded"
	RawStatePartiallyRefunded  = "partially_refunded"

	paymentIntentPrefix = "pi_"
)

type Config struct {
	SecretKey     string
	WebhookSecret string

	// WebhookTolerance bounds the age of a signed webhook timestamp
	WebhookTolerance time.Duration

	SuccessUrl string
	CancelUrl  string

	// ApiUrl overrides the Stripe API endpoint
	ApiUrl string

	RateLimit  float64
	HttpClient *http.Client
}

type adapter struct {
	log     *logrus.Entry
	conf    Config
	api     *client.API
	limiter rate.Waiter
}

// New returns a new Stripe Checkout adapter. The adapter owns its own API
// client and never touches the package level stripe key.
func New(conf Config) (provider.Adapter, error) {
	if len(conf.SecretKey) == 0 {
		return nil, errors.New("secret key is required")
	}
	if len(conf.WebhookSecret) == 0 {
		return nil, provider.ErrWebhookSecretRequired
	}
	if conf.WebhookTolerance <= 0 {
		conf.WebhookTolerance = DefaultWebhookTolerance
	}

	log := logrus.StandardLogger().WithField("provider", "stripe")

	backendConfig := &stripeapi.BackendConfig{
		HTTPClient:        conf.HttpClient,
		LeveledLogger:     log,
		MaxNetworkRetries: stripeapi.Int64(0),
	}
	if len(conf.ApiUrl) > 0 {
		backendConfig.URL = stripeapi.String(conf.ApiUrl)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendConfig)

	return &adapter{
		log:  log,
		conf: conf,
		api: client.New(conf.SecretKey, &stripeapi.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		limiter: rate.NewWaiter(conf.RateLimit, 1),
	}, nil
}

func (a *adapter) Provider() invoice.Provider {
	return invoice.ProviderStripe
}

func (a *adapter) CreateInvoice(ctx context.Context, req *provider.Request) (*provider.Invoice, error) {
	code, _, err := currency.Parse(req.SourceCurrency)
	if err != nil {
		return nil, &provider.RejectedError{StatusCode: http.StatusBadRequest, Reason: err.Error()}
	}

	unitAmount, err := currency.ToMinorUnits(code, req.Amount)
	if err != nil {
		return nil, &provider.RejectedError{StatusCode: http.StatusBadRequest, Reason: err.Error()}
	}

	name := req.Description
	if len(name) == 0 {
		name = "Order " + req.OrderId
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		ClientReferenceID: stripeapi.String(req.InvoiceId),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripeapi.String(code.String()),
					UnitAmount: stripeapi.Int64(unitAmount),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(name),
					},
				},
				Quantity: stripeapi.Int64(1),
			},
		},
	}
	if len(a.conf.SuccessUrl) > 0 {
		params.SuccessURL = stripeapi.String(a.conf.SuccessUrl)
	}
	if len(a.conf.CancelUrl) > 0 {
		params.CancelURL = stripeapi.String(a.conf.CancelUrl)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripeapi.Int64(time.Now().Add(clampLifetime(time.Until(req.ExpiresAt))).Unix())
	}
	params.AddMetadata("order_id", req.OrderId)
	params.AddMetadata("invoice_id", req.InvoiceId)
	for k, v := range req.CallbackMetadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout:" + req.InvoiceId)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	session, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classify(err)
	}

	res := &provider.Invoice{
		ReferenceId:  session.ID,
		CheckoutUrl:  session.URL,
		RawState:     sessionRawState(session),
		InitialState: invoice.StateAwaitingPayment,
	}
	if session.ExpiresAt > 0 {
		res.ExpiresAt = pointer.Time(time.Unix(session.ExpiresAt, 0))
	}
	return res, nil
}

func (a *adapter) GetStatus(ctx context.Context, referenceId string) (*provider.Status, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	session, err := a.api.CheckoutSessions.Get(referenceId, params)
	if err != nil {
		err = classify(err)
		if errors.Is(err, provider.ErrNotFound) {
			return provider.NotFoundStatus(referenceId), nil
		}
		return nil, err
	}

	rawState := sessionRawState(session)
	status := &provider.Status{
		ReferenceId: referenceId,
		RawState:    rawState,
		State:       a.MapState(rawState),
	}
	if rawState == RawStateCompletePaid {
		status.SettledAmount, status.SettledCurrency = settlement(session)
	}
	return status, nil
}

func (a *adapter) VerifyWebhookSignature(rawBody []byte, headers http.Header) bool {
	signature := headers.Get(SignatureHeader)
	if len(signature) == 0 {
		return false
	}

	err := webhook.ValidatePayloadWithTolerance(rawBody, signature, a.conf.WebhookSecret, a.conf.WebhookTolerance)
	return err == nil
}

func (a *adapter) ParseWebhookPayload(rawBody []byte) (*provider.WebhookEvent, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}

	if len(event.ID) == 0 || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "event id and data are required")
	}

	res := &provider.WebhookEvent{
		EventId: event.ID,
	}

	if event.Type == stripeapi.EventTypeChargeRefunded {
		return parseRefund(res, event.Data.Raw)
	}

	if !strings.HasPrefix(string(event.Type), "checkout.session.") {
		// Unrelated event types are acknowledged as unknown states against
		// whatever object they carry
		var object struct {
			Id string `json:"id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
		}
		res.ReferenceId = object.Id
		res.RawState = string(event.Type)
		return res, nil
	}

	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}
	if len(session.ID) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "checkout session id missing")
	}

	res.ReferenceId = session.ID
	res.RawState = sessionRawState(&session)
	if event.Type == stripeapi.EventTypeCheckoutSessionAsyncPaymentFailed {
		res.RawState = RawStateAsyncPaymentFailed
	}
	if res.RawState == RawStateCompletePaid {
		res.SettledAmount, res.SettledCurrency = settlement(&session)
	}
	return res, nil
}

func (a *adapter) MapState(rawState string) invoice.State {
	switch strings.ToLower(strings.TrimSpace(rawState)) {
	case RawStateOpen:
		return invoice.StateAwaitingPayment
	case RawStateCompleteUnpaid:
		return invoice.StateConfirming
	case RawStateCompletePaid, RawStateCompleteNoPayment:
		return invoice.StateFinished
	case RawStateExpired:
		return invoice.StateExpired
	case RawStateAsyncPaymentFailed:
		return invoice.StateFailed
	case RawStateRefunded:
		return invoice.StateRefunded
	}
	return invoice.StateUnknown
}

// ResolveReference maps a refund's payment intent back to the checkout session
// that created it
func (a *adapter) ResolveReference(ctx context.Context, event *provider.WebhookEvent) (string, error) {
	if !strings.HasPrefix(event.ReferenceId, paymentIntentPrefix) {
		return event.ReferenceId, nil
	}

	params := &stripeapi.CheckoutSessionListParams{
		PaymentIntent: stripeapi.String(event.ReferenceId),
	}
	params.Context = ctx
	params.Limit = stripeapi.Int64(1)

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	iter := a.api.CheckoutSessions.List(params)
	if iter.Next() {
		return iter.CheckoutSession().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", classify(err)
	}
	return event.ReferenceId, nil
}

func (a *adapter) GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*provider.Estimate, error) {
	return nil, provider.ErrEstimateNotSupported
}

// parseRefund references the charge's payment intent, which ResolveReference
// later maps onto the checkout session. Partial refunds leave the invoice
// FINISHED.
func parseRefund(res *provider.WebhookEvent, raw json.RawMessage) (*provider.WebhookEvent, error) {
	var charge stripeapi.Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}
	if charge.PaymentIntent == nil || len(charge.PaymentIntent.ID) == 0 {
		return nil, errors.Wrap(provider.ErrMalformedPayload, "charge payment intent missing")
	}

	res.ReferenceId = charge.PaymentIntent.ID
	res.RawState = RawStatePartiallyRefunded
	if charge.Refunded {
		res.RawState = RawStateRefunded
	}
	return res, nil
}

func sessionRawState(session *stripeapi.CheckoutSession) string {
	if session.Status == stripeapi.CheckoutSessionStatusComplete {
		return string(session.Status) + ":" + string(session.PaymentStatus)
	}
	return string(session.Status)
}

func settlement(session *stripeapi.CheckoutSession) (*decimal.Decimal, *string) {
	if session.AmountTotal <= 0 || len(session.Currency) == 0 {
		return nil, nil
	}

	code := currency.Code(strings.ToLower(string(session.Currency)))
	amount := currency.FromMinorUnits(code, session.AmountTotal)
	return &amount, pointer.String(code.String())
}

func classify(err error) error {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errors.Wrap(provider.ErrTransient, err.Error())
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests, stripeErr.HTTPStatusCode >= 500:
		return errors.Wrapf(provider.ErrTransient, "stripe returned status %d", stripeErr.HTTPStatusCode)
	case stripeErr.HTTPStatusCode == http.StatusNotFound, stripeErr.Code == stripeapi.ErrorCodeResourceMissing:
		return errors.Wrap(provider.ErrNotFound, stripeErr.Msg)
	}
	return &provider.RejectedError{StatusCode: stripeErr.HTTPStatusCode, Reason: stripeErr.Msg}
}

func clampLifetime(lifetime time.Duration) time.Duration {
	if lifetime < minSessionLifetime {
		return minSessionLifetime
	}
	if lifetime > maxSessionLifetime {
		return maxSessionLifetime
	}
	return lifetime
}
