package memory

import (
	"context"
	"sync"

	"github.com/code-payments/payments-engine/pkg/payments/event"
)

// Emitter records emitted events in memory
type Emitter struct {
	mu     sync.Mutex
	events []*event.InvoiceStateChanged
	err    error
}

func New() *Emitter {
	return &Emitter{}
}

func (e *Emitter) Emit(_ context.Context, evt *event.InvoiceStateChanged) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	cloned := *evt
	e.events = append(e.events, &cloned)
	return nil
}

// GetEvents returns a copy of all recorded events in emission order
func (e *Emitter) GetEvents() []*event.InvoiceStateChanged {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]*event.InvoiceStateChanged, len(e.events))
	copy(res, e.events)
	return res
}

// GetEventsForInvoice returns recorded events for one invoice
func (e *Emitter) GetEventsForInvoice(invoiceId string) []*event.InvoiceStateChanged {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res []*event.InvoiceStateChanged
	for _, evt := range e.events {
		if evt.InvoiceId == invoiceId {
			res = append(res, evt)
		}
	}
	return res
}

// SimulateError makes subsequent Emit calls fail with err, or succeed when nil
func (e *Emitter) SimulateError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
	e.err = nil
}
