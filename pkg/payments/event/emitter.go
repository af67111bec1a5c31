package event

import (
	"context"
	"errors"
)

// Emitter publishes invoice domain events to downstream subscribers
type Emitter interface {
	// Emit publishes the event. Errors are reported but never undo the
	// transition that produced the event.
	Emit(ctx context.Context, e *InvoiceStateChanged) error
}

type multiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter returns an Emitter that fans out to every provided emitter,
// attempting all of them regardless of individual failures
func NewMultiEmitter(emitters ...Emitter) Emitter {
	return &multiEmitter{
		emitters: emitters,
	}
}

func (m *multiEmitter) Emit(ctx context.Context, e *InvoiceStateChanged) error {
	var errs []error
	for _, emitter := range m.emitters {
		if err := emitter.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type noopEmitter struct{}

// NewNoopEmitter returns an Emitter that drops every event
func NewNoopEmitter() Emitter {
	return noopEmitter{}
}

func (noopEmitter) Emit(_ context.Context, _ *InvoiceStateChanged) error {
	return nil
}
