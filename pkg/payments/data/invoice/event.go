package invoice

import (
	"time"

	"github.com/pkg/errors"
)

// EventSource identifies what produced a lifecycle event
type EventSource uint8

const (
	EventSourceUnknown EventSource = iota
	EventSourceWebhook
	EventSourceReconciler
	EventSourceEngine
)

// EventOutcome records what applying an event did to the invoice
type EventOutcome uint8

const (
	EventOutcomeUnknown EventOutcome = iota
	EventOutcomeApplied
	EventOutcomeNoChange
	EventOutcomeAnomaly
	EventOutcomeIgnored
)

// Event is one entry of an invoice's event history. Events are unique per
// invoice by EventId.
type Event struct {
	EventId    string
	ReceivedAt time.Time
	RawState   string
	Source     EventSource
	Outcome    EventOutcome
}

func (e *Event) Validate() error {
	if len(e.EventId) == 0 {
		return errors.New("event id is required")
	}

	if e.ReceivedAt.IsZero() {
		return errors.New("received at is required")
	}

	if e.Source == EventSourceUnknown {
		return errors.New("event source is required")
	}

	if e.Outcome == EventOutcomeUnknown {
		return errors.New("event outcome is required")
	}

	return nil
}

func (e *Event) Clone() Event {
	return Event{
		EventId:    e.EventId,
		ReceivedAt: e.ReceivedAt,
		RawState:   e.RawState,
		Source:     e.Source,
		Outcome:    e.Outcome,
	}
}

func (s EventSource) String() string {
	switch s {
	case EventSourceWebhook:
		return "webhook"
	case EventSourceReconciler:
		return "reconciler"
	case EventSourceEngine:
		return "engine"
	}
	return "unknown"
}

func (o EventOutcome) String() string {
	switch o {
	case EventOutcomeApplied:
		return "applied"
	case EventOutcomeNoChange:
		return "no_change"
	case EventOutcomeAnomaly:
		return "anomaly"
	case EventOutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}
