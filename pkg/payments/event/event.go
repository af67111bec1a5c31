package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

// InvoiceStateChanged is emitted once for every accepted invoice transition
type InvoiceStateChanged struct {
	InvoiceId string
	OrderId   string
	Provider  invoice.Provider

	PreviousState invoice.State
	NewState      invoice.State

	SettledAmount   *decimal.Decimal
	SettledCurrency *string
	FailureReason   *string

	CallbackMetadata map[string]string

	OccurredAt time.Time
}

// NewInvoiceStateChanged builds the event for a transition out of previousState
// into the record's current state
func NewInvoiceStateChanged(record *invoice.Record, previousState invoice.State) *InvoiceStateChanged {
	cloned := record.Clone()
	return &InvoiceStateChanged{
		InvoiceId: cloned.Id,
		OrderId:   cloned.OrderId,
		Provider:  cloned.Provider,

		PreviousState: previousState,
		NewState:      cloned.State,

		SettledAmount:   cloned.SettledAmount,
		SettledCurrency: cloned.SettledCurrency,
		FailureReason:   cloned.FailureReason,

		CallbackMetadata: cloned.CallbackMetadata,

		OccurredAt: cloned.LastTransitionAt,
	}
}

// Key uniquely identifies the transition. An invoice enters any state at
// most once, so the pair is stable across redeliveries.
func (e *InvoiceStateChanged) Key() string {
	return e.InvoiceId + ":" + e.NewState.String()
}

type jsonInvoiceStateChanged struct {
	InvoiceId        string            `json:"invoiceId"`
	OrderId          string            `json:"orderId"`
	Provider         string            `json:"provider"`
	PreviousState    string            `json:"previousState"`
	NewState         string            `json:"newState"`
	SettledAmount    *string           `json:"settledAmount,omitempty"`
	SettledCurrency  *string           `json:"settledCurrency,omitempty"`
	FailureReason    *string           `json:"failureReason,omitempty"`
	CallbackMetadata map[string]string `json:"callbackMetadata,omitempty"`
	OccurredAt       time.Time         `json:"occurredAt"`
}

func (e *InvoiceStateChanged) MarshalJSON() ([]byte, error) {
	var settledAmount *string
	if e.SettledAmount != nil {
		settledAmount = pointer.String(e.SettledAmount.String())
	}

	return json.Marshal(&jsonInvoiceStateChanged{
		InvoiceId:        e.InvoiceId,
		OrderId:          e.OrderId,
		Provider:         e.Provider.String(),
		PreviousState:    e.PreviousState.String(),
		NewState:         e.NewState.String(),
		SettledAmount:    settledAmount,
		SettledCurrency:  e.SettledCurrency,
		FailureReason:    e.FailureReason,
		CallbackMetadata: e.CallbackMetadata,
		OccurredAt:       e.OccurredAt.UTC(),
	})
}

func (e *InvoiceStateChanged) UnmarshalJSON(data []byte) error {
	var raw jsonInvoiceStateChanged
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	provider, err := invoice.ParseProvider(raw.Provider)
	if err != nil {
		return err
	}

	previousState, err := invoice.ParseState(raw.PreviousState)
	if err != nil {
		return err
	}

	newState, err := invoice.ParseState(raw.NewState)
	if err != nil {
		return err
	}

	var settledAmount *decimal.Decimal
	if raw.SettledAmount != nil {
		parsed, err := decimal.NewFromString(*raw.SettledAmount)
		if err != nil {
			return err
		}
		settledAmount = &parsed
	}

	*e = InvoiceStateChanged{
		InvoiceId:        raw.InvoiceId,
		OrderId:          raw.OrderId,
		Provider:         provider,
		PreviousState:    previousState,
		NewState:         newState,
		SettledAmount:    settledAmount,
		SettledCurrency:  raw.SettledCurrency,
		FailureReason:    raw.FailureReason,
		CallbackMetadata: raw.CallbackMetadata,
		OccurredAt:       raw.OccurredAt,
	}
	return nil
}
