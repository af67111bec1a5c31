package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	metricsStructName = "dispatch"

	maxLoggedPayloadSize = 4096
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrSignatureInvalid = errors.New("webhook signature is invalid")
	ErrMalformedPayload = errors.New("webhook payload is malformed")
)

// Result describes how an inbound webhook was handled. Every successful
// result must be acknowledged to the provider.
type Result struct {
	Provider    invoice.Provider
	EventId     string
	ReferenceId string

	// Orphan is set when no invoice matches the provider reference
	Orphan bool

	// Apply is the ledger outcome, nil for orphans
	Apply *ledger.ApplyResult
}

// Dispatcher verifies inbound provider webhooks and routes them to the ledger
type Dispatcher struct {
	log      *logrus.Entry
	registry *provider.Registry
	ledger   *ledger.Ledger
}

func New(registry *provider.Registry, ledger *ledger.Ledger) *Dispatcher {
	return &Dispatcher{
		log:      logrus.StandardLogger().WithField("type", "dispatch"),
		registry: registry,
		ledger:   ledger,
	}
}

// Dispatch handles a webhook delivered for providerName. The raw body must be
// the exact bytes received since signatures cover them.
//
// ErrUnknownProvider, ErrSignatureInvalid and ErrMalformedPayload are client
// errors that never touch the ledger. Any other error is a storage failure and
// the provider is expected to redeliver.
func (d *Dispatcher) Dispatch(ctx context.Context, providerName string, rawBody []byte, headers http.Header) (*Result, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Dispatch")
	defer tracer.End()

	log := d.log.WithFields(logrus.Fields{
		"method":   "Dispatch",
		"provider": providerName,
	})

	p, err := invoice.ParseProvider(providerName)
	if err != nil {
		return nil, ErrUnknownProvider
	}

	adapter, err := d.registry.Get(p)
	if errors.Is(err, provider.ErrUnsupportedProvider) {
		return nil, ErrUnknownProvider
	} else if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	if !adapter.VerifyWebhookSignature(rawBody, headers) {
		log.Warn("webhook signature verification failed")
		metrics.RecordCount(ctx, "WebhookSignatureFailure", 1)
		return nil, ErrSignatureInvalid
	}

	parsed, err := adapter.ParseWebhookPayload(rawBody)
	if err != nil {
		log.WithError(err).WithField("payload", truncate(rawBody)).Warn("unparseable webhook payload")
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	// Once verified, the event is applied to completion even if the provider
	// hangs up on us
	ctx = context.WithoutCancel(ctx)

	if resolver, ok := adapter.(provider.ReferenceResolver); ok {
		referenceId, err := resolver.ResolveReference(ctx, parsed)
		if err != nil {
			log.WithError(err).WithField("reference", parsed.ReferenceId).Warn("failure resolving webhook reference")
			tracer.OnError(err)
			return nil, err
		}
		parsed.ReferenceId = referenceId
	}

	log = log.WithFields(logrus.Fields{
		"event":     parsed.EventId,
		"reference": parsed.ReferenceId,
		"raw_state": parsed.RawState,
	})

	result := &Result{
		Provider:    p,
		EventId:     parsed.EventId,
		ReferenceId: parsed.ReferenceId,
	}

	record, err := d.ledger.GetByProviderReference(ctx, p, parsed.ReferenceId)
	if errors.Is(err, invoice.ErrNotFound) {
		log.Info("orphan webhook event, acknowledging")
		result.Orphan = true
		return result, nil
	} else if err != nil {
		log.WithError(err).Warn("failure resolving provider reference")
		tracer.OnError(err)
		return nil, err
	}

	log = log.WithField("invoice", record.Id)

	applied, err := d.ledger.ApplyWebhookEvent(ctx, record.Id, &ledger.Event{
		EventId:         parsed.EventId,
		RawState:        parsed.RawState,
		State:           adapter.MapState(parsed.RawState),
		SettledAmount:   parsed.SettledAmount,
		SettledCurrency: parsed.SettledCurrency,
		Source:          invoice.EventSourceWebhook,
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("failure applying webhook event")
		tracer.OnError(err)
		return nil, err
	}

	if applied.Duplicate {
		log.Debug("duplicate webhook event")
	}

	result.Apply = applied
	return result, nil
}

func truncate(rawBody []byte) string {
	if len(rawBody) > maxLoggedPayloadSize {
		return string(rawBody[:maxLoggedPayloadSize]) + "..."
	}
	return string(rawBody)
}
