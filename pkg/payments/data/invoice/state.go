package invoice

import (
	"strings"

	"github.com/pkg/errors"
)

type State uint8

const (
	// StateUnknown is never persisted. Adapters map raw provider states they
	// don't recognize to it, which means "keep the current state".
	StateUnknown State = iota
	StateCreated
	StateAwaitingPayment
	StateConfirming
	StateFinished
	StateFailed
	StateExpired
	StateRefunded
)

var AllStates = []State{
	StateCreated,
	StateAwaitingPayment,
	StateConfirming,
	StateFinished,
	StateFailed,
	StateExpired,
	StateRefunded,
}

// IsTerminal returns whether no further transition is allowed, with the single
// exception of FINISHED to REFUNDED
func (s State) IsTerminal() bool {
	switch s {
	case StateFinished, StateFailed, StateExpired, StateRefunded:
		return true
	}
	return false
}

// rank orders the happy path. Terminal failure states sit outside of it.
func (s State) rank() int {
	switch s {
	case StateCreated:
		return 1
	case StateAwaitingPayment:
		return 2
	case StateConfirming:
		return 3
	case StateFinished:
		return 4
	}
	return 0
}

// CanTransition reports whether an invoice may move from one state to
// another. Refunds are only accepted from provider webhooks, never from
// reconciliation polling.
//
//	CREATED -> AWAITING_PAYMENT -> CONFIRMING -> FINISHED (forward skips allowed)
//	any non-terminal -> FAILED | EXPIRED
//	FINISHED -> REFUNDED (webhook only)
func CanTransition(from, to State, source EventSource) bool {
	if from == StateUnknown || to == StateUnknown || from == to {
		return false
	}

	if from.IsTerminal() {
		return from == StateFinished && to == StateRefunded && source == EventSourceWebhook
	}

	switch to {
	case StateFailed, StateExpired:
		return true
	case StateRefunded:
		return false
	}

	return to.rank() > from.rank()
}

func ParseState(value string) (State, error) {
	for _, s := range AllStates {
		if strings.EqualFold(s.String(), value) {
			return s, nil
		}
	}
	return StateUnknown, errors.Errorf("unknown invoice state %q", value)
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StateConfirming:
		return "CONFIRMING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateExpired:
		return "EXPIRED"
	case StateRefunded:
		return "REFUNDED"
	}
	return "UNKNOWN"
}
