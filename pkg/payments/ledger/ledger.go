package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/event"
	"github.com/code-payments/payments-engine/pkg/pointer"
	"github.com/code-payments/payments-engine/pkg/retry"
	"github.com/code-payments/payments-engine/pkg/sync"
)

const (
	metricsStructName = "ledger"

	lockStripes       = 1024
	maxCasAttempts    = 5
	engineEventPrefix = "engine:"
)

var (
	ErrAlreadyAttached   = errors.New("invoice already has a different provider reference")
	ErrInvalidTransition = errors.New("invalid invoice state transition")
)

// NewInvoice is the caller supplied part of a new invoice
type NewInvoice struct {
	Amount            decimal.Decimal
	RequestedCurrency string
	TargetCurrency    string
	Description       string
	CallbackMetadata  map[string]string
	ExpiresAt         time.Time
}

// Event is a provider observation to apply to an invoice, either from a
// webhook or from reconciliation polling
type Event struct {
	EventId  string
	RawState string

	// State is the mapped RawState. StateUnknown keeps the invoice where it is.
	State invoice.State

	SettledAmount   *decimal.Decimal
	SettledCurrency *string

	Source     invoice.EventSource
	ReceivedAt time.Time
}

// ApplyResult describes the effect of applying an Event
type ApplyResult struct {
	Invoice       *invoice.Record
	PreviousState invoice.State
	Outcome       invoice.EventOutcome

	// Duplicate is set when the event ID was already recorded. Nothing was
	// written and Outcome is the outcome of the original application.
	Duplicate bool
}

// Ledger is the authoritative owner of invoice records. Every mutation of an
// invoice goes through it. Mutations of one invoice are serialized within the
// process by a striped lock and across processes by the record version.
type Ledger struct {
	log     *logrus.Entry
	data    data.DatabaseData
	emitter event.Emitter
	locks   *sync.StripedLock
	now     func() time.Time
}

func New(data data.DatabaseData, emitter event.Emitter) *Ledger {
	if emitter == nil {
		emitter = event.NewNoopEmitter()
	}

	return &Ledger{
		log:     logrus.StandardLogger().WithField("type", "ledger"),
		data:    data,
		emitter: emitter,
		locks:   sync.NewStripedLock(lockStripes),
		now:     time.Now,
	}
}

// FindOrCreate returns the invoice for (provider, orderId), creating a new
// CREATED invoice when none exists. The boolean reports whether it was created.
func (l *Ledger) FindOrCreate(ctx context.Context, provider invoice.Provider, orderId string, newInvoice *NewInvoice) (*invoice.Record, bool, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "FindOrCreate")
	defer tracer.End()

	log := l.log.WithFields(logrus.Fields{
		"method":   "FindOrCreate",
		"provider": provider.String(),
		"order":    orderId,
	})

	unlock := l.locks.Lock(provider.String() + ":" + orderId)
	defer unlock()

	existing, err := l.data.GetInvoiceByOrderId(ctx, provider, orderId)
	if err == nil {
		return existing, false, nil
	} else if err != invoice.ErrNotFound {
		tracer.OnError(err)
		return nil, false, errors.Wrap(err, "error getting invoice by order id")
	}

	now := l.now()
	record := &invoice.Record{
		Id:       uuid.NewString(),
		OrderId:  orderId,
		Provider: provider,

		State: invoice.StateCreated,

		RequestedAmount:   newInvoice.Amount,
		RequestedCurrency: newInvoice.RequestedCurrency,
		TargetCurrency:    newInvoice.TargetCurrency,
		Description:       newInvoice.Description,
		CallbackMetadata:  newInvoice.CallbackMetadata,

		CreatedAt:        now,
		LastTransitionAt: now,
		ExpiresAt:        newInvoice.ExpiresAt,
	}

	err = l.data.CreateInvoice(ctx, record)
	if err == invoice.ErrAlreadyExists {
		// Another process won the race
		existing, err := l.data.GetInvoiceByOrderId(ctx, provider, orderId)
		if err != nil {
			tracer.OnError(err)
			return nil, false, errors.Wrap(err, "error getting invoice by order id")
		}
		return existing, false, nil
	} else if err != nil {
		tracer.OnError(err)
		return nil, false, errors.Wrap(err, "error creating invoice")
	}

	log.WithField("invoice", record.Id).Debug("invoice created")
	return record, true, nil
}

// AttachProviderReference sets the provider reference exactly once, moving
// the invoice to initialState. Attaching the same reference again is a no-op.
func (l *Ledger) AttachProviderReference(
	ctx context.Context,
	invoiceId string,
	referenceId string,
	checkoutUrl *string,
	initialState invoice.State,
	expiresAt *time.Time,
) (*invoice.Record, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "AttachProviderReference")
	defer tracer.End()

	if len(referenceId) == 0 {
		return nil, errors.New("provider reference id is required")
	}

	var previousState invoice.State
	var changed bool
	record, err := l.mutate(ctx, invoiceId, func(record *invoice.Record) (bool, error) {
		if record.ProviderReferenceId != nil {
			if *record.ProviderReferenceId == referenceId {
				return false, nil
			}
			return false, ErrAlreadyAttached
		}

		if record.State != invoice.StateCreated {
			return false, errors.Wrapf(ErrInvalidTransition, "cannot attach reference in %s state", record.State)
		}

		if initialState != invoice.StateCreated && !invoice.CanTransition(record.State, initialState, invoice.EventSourceEngine) {
			return false, errors.Wrapf(ErrInvalidTransition, "%s -> %s", record.State, initialState)
		}

		previousState = record.State
		changed = initialState != record.State

		record.ProviderReferenceId = pointer.String(referenceId)
		record.CheckoutUrl = pointer.StringCopy(checkoutUrl)
		if changed {
			record.State = initialState
			record.LastTransitionAt = l.now()
		}
		if expiresAt != nil && !expiresAt.IsZero() {
			record.ExpiresAt = *expiresAt
		}
		return true, nil
	})
	if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	if changed {
		l.emit(ctx, record, previousState)
	}
	return record, nil
}

// ApplyWebhookEvent applies a provider observation. It's idempotent on the
// event ID. Every new event is recorded in the invoice history, but only
// valid transitions change the state. Backwards or otherwise invalid
// transitions are recorded as anomalies.
func (l *Ledger) ApplyWebhookEvent(ctx context.Context, invoiceId string, e *Event) (*ApplyResult, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "ApplyWebhookEvent")
	defer tracer.End()

	if len(e.EventId) == 0 {
		return nil, errors.New("event id is required")
	}
	if e.Source == invoice.EventSourceUnknown {
		return nil, errors.New("event source is required")
	}

	log := l.log.WithFields(logrus.Fields{
		"method":    "ApplyWebhookEvent",
		"invoice":   invoiceId,
		"event":     e.EventId,
		"raw_state": e.RawState,
		"source":    e.Source.String(),
	})

	result := &ApplyResult{}
	record, err := l.mutate(ctx, invoiceId, func(record *invoice.Record) (bool, error) {
		*result = ApplyResult{PreviousState: record.State}

		for _, seen := range record.WebhookEventsSeen {
			if seen.EventId == e.EventId {
				result.Duplicate = true
				result.Outcome = seen.Outcome
				return false, nil
			}
		}

		switch {
		case e.State == invoice.StateUnknown:
			result.Outcome = invoice.EventOutcomeIgnored
		case e.State == record.State:
			result.Outcome = invoice.EventOutcomeNoChange
		case invoice.CanTransition(record.State, e.State, e.Source):
			result.Outcome = invoice.EventOutcomeApplied
		default:
			result.Outcome = invoice.EventOutcomeAnomaly
		}

		receivedAt := e.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = l.now()
		}
		record.WebhookEventsSeen = append(record.WebhookEventsSeen, &invoice.Event{
			EventId:    e.EventId,
			ReceivedAt: receivedAt,
			RawState:   e.RawState,
			Source:     e.Source,
			Outcome:    result.Outcome,
		})

		if result.Outcome == invoice.EventOutcomeApplied {
			record.State = e.State
			record.LastTransitionAt = l.now()

			// The reconciliation ceiling applies per state, so progress
			// restarts the count
			if !e.State.IsTerminal() {
				record.ReconciliationAttempts = 0
			}

			switch e.State {
			case invoice.StateFinished:
				if e.SettledAmount != nil && e.SettledCurrency != nil {
					record.SettledAmount = pointer.DecimalCopy(e.SettledAmount)
					record.SettledCurrency = pointer.StringCopy(e.SettledCurrency)
				}
			case invoice.StateFailed:
				record.FailureReason = pointer.String("provider_reported:" + e.RawState)
			}
		}

		return true, nil
	})
	if err != nil {
		tracer.OnError(err)
		return nil, err
	}
	result.Invoice = record

	switch result.Outcome {
	case invoice.EventOutcomeIgnored:
		if !result.Duplicate {
			log.Warn("unknown raw state, keeping current invoice state")
		}
	case invoice.EventOutcomeAnomaly:
		if !result.Duplicate {
			log.WithFields(logrus.Fields{
				"current_state": result.PreviousState.String(),
				"target_state":  e.State.String(),
			}).Warn("state transition anomaly recorded")
		}
	case invoice.EventOutcomeApplied:
		if !result.Duplicate {
			log.WithField("state", record.State.String()).Debug("state transition applied")
			l.emit(ctx, record, result.PreviousState)
		}
	}

	return result, nil
}

// MarkExpired moves a non-terminal invoice to EXPIRED
func (l *Ledger) MarkExpired(ctx context.Context, invoiceId string) (*invoice.Record, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "MarkExpired")
	defer tracer.End()

	record, err := l.markTerminal(ctx, invoiceId, invoice.StateExpired, nil)
	tracer.OnError(err)
	return record, err
}

// MarkFailed moves a non-terminal invoice to FAILED with a machine readable reason
func (l *Ledger) MarkFailed(ctx context.Context, invoiceId, reason string) (*invoice.Record, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "MarkFailed")
	defer tracer.End()

	if len(reason) == 0 {
		return nil, errors.New("failure reason is required")
	}

	record, err := l.markTerminal(ctx, invoiceId, invoice.StateFailed, &reason)
	tracer.OnError(err)
	return record, err
}

func (l *Ledger) markTerminal(ctx context.Context, invoiceId string, state invoice.State, reason *string) (*invoice.Record, error) {
	var previousState invoice.State
	var changed bool
	record, err := l.mutate(ctx, invoiceId, func(record *invoice.Record) (bool, error) {
		if record.State == state {
			return false, nil
		}

		if !invoice.CanTransition(record.State, state, invoice.EventSourceEngine) {
			return false, errors.Wrapf(ErrInvalidTransition, "%s -> %s", record.State, state)
		}

		previousState = record.State
		changed = true

		rawState := state.String()
		if reason != nil {
			rawState = *reason
		}

		record.State = state
		record.FailureReason = pointer.StringCopy(reason)
		record.LastTransitionAt = l.now()
		record.WebhookEventsSeen = append(record.WebhookEventsSeen, &invoice.Event{
			EventId:    engineEventPrefix + state.String(),
			ReceivedAt: record.LastTransitionAt,
			RawState:   rawState,
			Source:     invoice.EventSourceEngine,
			Outcome:    invoice.EventOutcomeApplied,
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.log.WithFields(logrus.Fields{
			"method":  "markTerminal",
			"invoice": invoiceId,
			"state":   state.String(),
		}).Debug("invoice moved to terminal state")
		l.emit(ctx, record, previousState)
	}
	return record, nil
}

// RecordReconciliationAttempt increments the reconciliation attempt counter
// and returns the updated invoice
func (l *Ledger) RecordReconciliationAttempt(ctx context.Context, invoiceId string) (*invoice.Record, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "RecordReconciliationAttempt")
	defer tracer.End()

	record, err := l.mutate(ctx, invoiceId, func(record *invoice.Record) (bool, error) {
		record.ReconciliationAttempts++
		return true, nil
	})
	tracer.OnError(err)
	return record, err
}

// GetInvoice gets an invoice by ID
func (l *Ledger) GetInvoice(ctx context.Context, invoiceId string) (*invoice.Record, error) {
	return l.data.GetInvoice(ctx, invoiceId)
}

// GetByProviderReference gets an invoice by the provider's reference
func (l *Ledger) GetByProviderReference(ctx context.Context, provider invoice.Provider, referenceId string) (*invoice.Record, error) {
	return l.data.GetInvoiceByProviderReference(ctx, provider, referenceId)
}

// GetByOrderId gets an invoice by the caller's order ID
func (l *Ledger) GetByOrderId(ctx context.Context, provider invoice.Provider, orderId string) (*invoice.Record, error) {
	return l.data.GetInvoiceByOrderId(ctx, provider, orderId)
}

// mutate loads the invoice, applies fn and persists the result with a version
// check, retrying on concurrent modification. fn returns false when nothing
// needs to be written.
func (l *Ledger) mutate(ctx context.Context, invoiceId string, fn func(record *invoice.Record) (bool, error)) (*invoice.Record, error) {
	unlock := l.locks.Lock(invoiceId)
	defer unlock()

	var res *invoice.Record
	_, err := retry.Retry(
		func() error {
			return l.data.ExecuteInTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context) error {
				record, err := l.data.GetInvoice(ctx, invoiceId)
				if err != nil {
					return err
				}

				shouldWrite, err := fn(record)
				if err != nil {
					return err
				}

				if shouldWrite {
					if err := l.data.UpdateInvoice(ctx, record); err != nil {
						return err
					}
				}

				res = record
				return nil
			})
		},
		retry.Limit(maxCasAttempts),
		retry.RetriableErrors(invoice.ErrStaleVersion),
	)
	return res, err
}

func (l *Ledger) emit(ctx context.Context, record *invoice.Record, previousState invoice.State) {
	e := event.NewInvoiceStateChanged(record, previousState)
	if err := l.emitter.Emit(ctx, e); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"invoice": record.Id,
			"state":   record.State.String(),
		}).Warn("failure emitting invoice event")
	}
}
