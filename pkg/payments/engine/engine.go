package engine

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/currency"
	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/payments/quote"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

const (
	metricsStructName = "engine"

	FailureReasonCreationTimeout  = "creation_timeout"
	FailureReasonProviderRejected = "provider_rejected"

	maxOrderIdLength     = 128
	maxDescriptionLength = 1024

	pendingCreationPollInterval = 100 * time.Millisecond
)

// ValidationError is a malformed request. It never reaches the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a ValidationError, and returns it
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// PaymentRequest is a caller's request to collect a payment through a provider
type PaymentRequest struct {
	// OrderId is the caller's idempotency key, unique per provider
	OrderId string

	Amount         decimal.Decimal
	SourceCurrency string
	TargetCurrency string
	Provider       invoice.Provider

	Description      string
	CallbackMetadata map[string]string
}

// CreateResult is the outcome of CreateInvoice
type CreateResult struct {
	Invoice *invoice.Record

	// Created is false when an existing invoice for the order was returned
	Created bool
}

// Engine is the entry point for invoice creation, estimates and reads
type Engine struct {
	log      *logrus.Entry
	conf     *conf
	ledger   *ledger.Ledger
	registry *provider.Registry
	quotes   *quote.Cache
}

// New returns a new Engine. quotes may be nil, in which case estimates are
// unavailable and the quote cache isn't warmed on creation.
func New(ledger *ledger.Ledger, registry *provider.Registry, quotes *quote.Cache, configProvider ConfigProvider) *Engine {
	return &Engine{
		log:      logrus.StandardLogger().WithField("type", "engine"),
		conf:     configProvider(),
		ledger:   ledger,
		registry: registry,
		quotes:   quotes,
	}
}

// CreateInvoice creates an invoice with the requested provider. It's
// idempotent on (provider, orderId): resubmitting returns the existing
// invoice. A provider rejection fails the invoice and returns the
// *provider.RejectedError.
func (e *Engine) CreateInvoice(ctx context.Context, req *PaymentRequest) (*CreateResult, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "CreateInvoice")
	defer tracer.End()

	result, err := e.createInvoice(ctx, req)
	tracer.OnError(err)
	return result, err
}

func (e *Engine) createInvoice(ctx context.Context, req *PaymentRequest) (*CreateResult, error) {
	sourceCurrency, targetCurrency, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	adapter, err := e.registry.Get(req.Provider)
	if err != nil {
		return nil, newValidationError("provider", "provider is not available")
	}

	log := e.log.WithFields(logrus.Fields{
		"method":   "CreateInvoice",
		"provider": req.Provider.String(),
		"order":    req.OrderId,
	})

	record, created, err := e.ledger.FindOrCreate(ctx, req.Provider, req.OrderId, &ledger.NewInvoice{
		Amount:            req.Amount,
		RequestedCurrency: sourceCurrency.String(),
		TargetCurrency:    targetCurrency.String(),
		Description:       req.Description,
		CallbackMetadata:  req.CallbackMetadata,
		ExpiresAt:         time.Now().Add(e.conf.defaultInvoiceTtl.Get(ctx)),
	})
	if err != nil {
		log.WithError(err).Warn("failure finding or creating invoice")
		return nil, err
	}
	log = log.WithField("invoice", record.Id)

	if !created {
		record, err = e.awaitExistingInvoice(ctx, record)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Invoice: record}, nil
	}

	// The creation completes even when the caller goes away, otherwise the
	// invoice would linger in CREATED until the creation timeout.
	createCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), record.CreatedAt.Add(e.conf.creationTimeout.Get(ctx)))
	defer cancel()

	var providerInvoice *provider.Invoice
	attempts, err := e.retryPolicy(ctx).Do(createCtx, e.conf.createCallTimeout.Get(ctx), func(ctx context.Context) error {
		var err error
		providerInvoice, err = adapter.CreateInvoice(ctx, &provider.Request{
			InvoiceId:        record.Id,
			OrderId:          record.OrderId,
			Amount:           record.RequestedAmount,
			SourceCurrency:   record.RequestedCurrency,
			TargetCurrency:   record.TargetCurrency,
			Description:      record.Description,
			CallbackMetadata: record.CallbackMetadata,
			ExpiresAt:        record.ExpiresAt,
		})
		return err
	})
	if err != nil {
		log = log.WithError(err).WithField("attempts", attempts)

		reason := FailureReasonCreationTimeout
		if rejected, ok := provider.IsRejected(err); ok {
			reason = FailureReasonProviderRejected + ":" + rejected.Reason
			log.Info("provider rejected invoice")
		} else {
			log.Warn("failure creating invoice with provider")
		}

		if _, markErr := e.ledger.MarkFailed(context.WithoutCancel(ctx), record.Id, reason); markErr != nil {
			log.WithError(markErr).Warn("failure marking invoice as failed")
		}
		return nil, err
	}

	initialState := providerInvoice.InitialState
	if initialState == invoice.StateUnknown || initialState == invoice.StateCreated {
		initialState = invoice.StateAwaitingPayment
	}

	record, err = e.ledger.AttachProviderReference(
		context.WithoutCancel(ctx),
		record.Id,
		providerInvoice.ReferenceId,
		pointer.StringIfValid(len(providerInvoice.CheckoutUrl) > 0, providerInvoice.CheckoutUrl),
		initialState,
		providerInvoice.ExpiresAt,
	)
	if err != nil {
		log.WithError(err).Warn("failure attaching provider reference")
		return nil, err
	}

	if e.quotes != nil && e.conf.warmQuoteCache.Get(ctx) {
		e.quotes.Warm(ctx, req.Provider, record.RequestedCurrency, record.TargetCurrency, record.RequestedAmount)
	}

	log.WithField("reference", providerInvoice.ReferenceId).Debug("invoice created")
	return &CreateResult{Invoice: record, Created: true}, nil
}

// awaitExistingInvoice resolves a resubmitted order. An invoice still in
// CREATED is being created by another caller, so wait for it up to the
// creation timeout and fail it past that.
func (e *Engine) awaitExistingInvoice(ctx context.Context, record *invoice.Record) (*invoice.Record, error) {
	creationDeadline := record.CreatedAt.Add(e.conf.creationTimeout.Get(ctx))

	for {
		if record.State != invoice.StateCreated || record.ProviderReferenceId != nil {
			return record, nil
		}

		if !time.Now().Before(creationDeadline) {
			failed, err := e.ledger.MarkFailed(ctx, record.Id, FailureReasonCreationTimeout)
			if errors.Is(err, ledger.ErrInvalidTransition) {
				return e.ledger.GetInvoice(ctx, record.Id)
			} else if err != nil {
				return nil, err
			}

			e.log.WithFields(logrus.Fields{
				"method":  "awaitExistingInvoice",
				"invoice": record.Id,
			}).Info("invoice creation timed out")
			return failed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pendingCreationPollInterval):
		}

		var err error
		record, err = e.ledger.GetInvoice(ctx, record.Id)
		if err != nil {
			return nil, err
		}
	}
}

// GetEstimate returns a conversion estimate through the quote cache. An
// unknown provider uses the default estimate provider.
func (e *Engine) GetEstimate(ctx context.Context, p invoice.Provider, from, to string, amount decimal.Decimal) (*quote.Quote, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetEstimate")
	defer tracer.End()

	if e.quotes == nil {
		return nil, provider.ErrEstimateNotSupported
	}

	fromCode, _, err := currency.Parse(from)
	if err != nil {
		return nil, newValidationError("from", err.Error())
	}

	toCode, _, err := currency.Parse(to)
	if err != nil {
		return nil, newValidationError("to", err.Error())
	}

	if !amount.IsPositive() {
		return nil, newValidationError("amount", "amount must be positive")
	}

	estimate, err := e.quotes.GetEstimate(ctx, p, fromCode.String(), toCode.String(), amount)
	if errors.Is(err, provider.ErrUnsupportedProvider) {
		return nil, newValidationError("provider", "provider is not available")
	}
	tracer.OnError(err)
	return estimate, err
}

// GetInvoice returns the read only projection of an invoice
func (e *Engine) GetInvoice(ctx context.Context, invoiceId string) (*invoice.Record, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetInvoice")
	defer tracer.End()

	record, err := e.ledger.GetInvoice(ctx, invoiceId)
	if err != nil && err != invoice.ErrNotFound {
		tracer.OnError(err)
	}
	return record, err
}

func (e *Engine) validate(req *PaymentRequest) (currency.Code, currency.Code, error) {
	if req == nil {
		return "", "", newValidationError("request", "request is required")
	}

	if len(strings.TrimSpace(req.OrderId)) == 0 {
		return "", "", newValidationError("orderId", "order id is required")
	}
	if len(req.OrderId) > maxOrderIdLength {
		return "", "", newValidationError("orderId", "order id is too long")
	}

	if len(req.Description) > maxDescriptionLength {
		return "", "", newValidationError("description", "description is too long")
	}

	if !req.Amount.IsPositive() {
		return "", "", newValidationError("amount", "amount must be positive")
	}

	if !req.Provider.IsValid() {
		return "", "", newValidationError("provider", "unknown provider")
	}

	sourceCurrency, _, err := currency.Parse(req.SourceCurrency)
	if err != nil {
		return "", "", newValidationError("sourceCurrency", err.Error())
	}
	if sourceCurrency.IsPaymentMethod() {
		return "", "", newValidationError("sourceCurrency", "source currency cannot be a payment method")
	}

	targetCurrency, _, err := currency.Parse(req.TargetCurrency)
	if err != nil {
		return "", "", newValidationError("targetCurrency", err.Error())
	}

	return sourceCurrency, targetCurrency, nil
}

func (e *Engine) retryPolicy(ctx context.Context) provider.RetryPolicy {
	return provider.RetryPolicy{
		BaseDelay:   e.conf.retryBaseDelay.Get(ctx),
		MaxDelay:    e.conf.retryMaxDelay.Get(ctx),
		MaxAttempts: uint(e.conf.retryMaxAttempts.Get(ctx)),
	}
}
