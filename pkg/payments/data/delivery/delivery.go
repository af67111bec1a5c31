package delivery

import (
	"time"

	"github.com/pkg/errors"

	"github.com/code-payments/payments-engine/pkg/pointer"
)

type State uint8

const (
	StateUnknown   State = iota // Not actionable
	StatePending                // Actively sending to the subscriber
	StateConfirmed              // Subscriber acknowledged the notification
	StateFailed                 // Subscriber failed to acknowledge after sufficient retries
)

// Record is a durable outbound notification of an invoice state transition
type Record struct {
	Id uint64

	DeliveryId string
	InvoiceId  string
	Url        string

	// Payload is the JSON encoded domain event delivered as JWT claims
	Payload []byte

	Attempts uint8
	State    State

	CreatedAt     time.Time
	NextAttemptAt *time.Time
}

func (r *Record) Validate() error {
	if len(r.DeliveryId) == 0 {
		return errors.New("delivery id is required")
	}

	if len(r.InvoiceId) == 0 {
		return errors.New("invoice id is required")
	}

	if len(r.Url) == 0 {
		return errors.New("url is required")
	}

	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}

	switch r.State {
	case StatePending:
		if r.NextAttemptAt == nil || r.NextAttemptAt.IsZero() {
			return errors.New("next attempt timestamp is required")
		}
	default:
		if r.NextAttemptAt != nil {
			return errors.New("next attempt timestamp cannot be set")
		}
	}

	return nil
}

func (r *Record) Clone() Record {
	payload := make([]byte, len(r.Payload))
	copy(payload, r.Payload)

	return Record{
		Id: r.Id,

		DeliveryId: r.DeliveryId,
		InvoiceId:  r.InvoiceId,
		Url:        r.Url,

		Payload: payload,

		Attempts: r.Attempts,
		State:    r.State,

		CreatedAt:     r.CreatedAt,
		NextAttemptAt: pointer.TimeCopy(r.NextAttemptAt),
	}
}

func (r *Record) CopyTo(dst *Record) {
	cloned := r.Clone()
	*dst = cloned
}

func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
