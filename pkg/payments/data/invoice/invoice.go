package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/pointer"
)

type Record struct {
	Id string

	OrderId  string
	Provider Provider

	ProviderReferenceId *string
	CheckoutUrl         *string

	State         State
	FailureReason *string

	RequestedAmount   decimal.Decimal
	RequestedCurrency string
	TargetCurrency    string
	Description       string
	CallbackMetadata  map[string]string

	SettledAmount   *decimal.Decimal
	SettledCurrency *string

	WebhookEventsSeen      []*Event
	ReconciliationAttempts uint32

	// Version is incremented on every update and used for compare-and-swap
	Version uint64

	CreatedAt        time.Time
	LastTransitionAt time.Time
	ExpiresAt        time.Time
}

func (r *Record) Validate() error {
	if _, err := uuid.Parse(r.Id); err != nil {
		return errors.Wrap(err, "id is not a uuid")
	}

	if len(r.OrderId) == 0 {
		return errors.New("order id is required")
	}

	if !r.Provider.IsValid() {
		return errors.New("provider is required")
	}

	if r.ProviderReferenceId != nil && len(*r.ProviderReferenceId) == 0 {
		return errors.New("provider reference id cannot be empty when set")
	}

	if r.State == StateUnknown {
		return errors.New("state is required")
	}

	switch r.State {
	case StateAwaitingPayment, StateConfirming, StateFinished, StateRefunded:
		if r.ProviderReferenceId == nil {
			return errors.Errorf("provider reference id is required in %s state", r.State)
		}
	}

	if !r.RequestedAmount.IsPositive() {
		return errors.New("requested amount must be positive")
	}

	if len(r.RequestedCurrency) == 0 {
		return errors.New("requested currency is required")
	}

	if len(r.TargetCurrency) == 0 {
		return errors.New("target currency is required")
	}

	if (r.SettledAmount == nil) != (r.SettledCurrency == nil) {
		return errors.New("settled amount and currency must be set together")
	}

	if r.SettledAmount != nil && r.SettledAmount.IsNegative() {
		return errors.New("settled amount cannot be negative")
	}

	if r.ExpiresAt.IsZero() {
		return errors.New("expiry is required")
	}

	seen := make(map[string]struct{}, len(r.WebhookEventsSeen))
	for _, event := range r.WebhookEventsSeen {
		if err := event.Validate(); err != nil {
			return errors.Wrap(err, "invalid event")
		}

		if _, ok := seen[event.EventId]; ok {
			return errors.Errorf("duplicate event %s", event.EventId)
		}
		seen[event.EventId] = struct{}{}
	}

	return nil
}

// HasSeenEvent returns whether an event with the provided ID was recorded
func (r *Record) HasSeenEvent(eventId string) bool {
	for _, event := range r.WebhookEventsSeen {
		if event.EventId == eventId {
			return true
		}
	}
	return false
}

func (r *Record) Clone() Record {
	var metadata map[string]string
	if r.CallbackMetadata != nil {
		metadata = make(map[string]string, len(r.CallbackMetadata))
		for k, v := range r.CallbackMetadata {
			metadata[k] = v
		}
	}

	var events []*Event
	for _, event := range r.WebhookEventsSeen {
		cloned := event.Clone()
		events = append(events, &cloned)
	}

	return Record{
		Id: r.Id,

		OrderId:  r.OrderId,
		Provider: r.Provider,

		ProviderReferenceId: pointer.StringCopy(r.ProviderReferenceId),
		CheckoutUrl:         pointer.StringCopy(r.CheckoutUrl),

		State:         r.State,
		FailureReason: pointer.StringCopy(r.FailureReason),

		RequestedAmount:   r.RequestedAmount,
		RequestedCurrency: r.RequestedCurrency,
		TargetCurrency:    r.TargetCurrency,
		Description:       r.Description,
		CallbackMetadata:  metadata,

		SettledAmount:   pointer.DecimalCopy(r.SettledAmount),
		SettledCurrency: pointer.StringCopy(r.SettledCurrency),

		WebhookEventsSeen:      events,
		ReconciliationAttempts: r.ReconciliationAttempts,

		Version: r.Version,

		CreatedAt:        r.CreatedAt,
		LastTransitionAt: r.LastTransitionAt,
		ExpiresAt:        r.ExpiresAt,
	}
}

func (r *Record) CopyTo(dst *Record) {
	cloned := r.Clone()
	*dst = cloned
}
