package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/event"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool

	// stall blocks writes until the caller's context is done, like a broker
	// that never acknowledges
	stall bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.stall {
		<-ctx.Done()
		return ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "invoices")
	assert.Error(t, err)

	_, err = New([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	emitter, err := New([]string{"localhost:9092"}, "invoices")
	require.NoError(t, err)
	assert.NoError(t, emitter.Close())
}

func TestEmit(t *testing.T) {
	t.Cleanup(testutil.DisableLogging())

	writer := &fakeWriter{}
	emitter := newWithWriter(writer, "invoices")

	evt := &event.InvoiceStateChanged{
		InvoiceId:     "inv-1",
		OrderId:       "order-1",
		Provider:      invoice.ProviderNowPayments,
		PreviousState: invoice.StateAwaitingPayment,
		NewState:      invoice.StateFinished,
		OccurredAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, emitter.Emit(context.Background(), evt))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "inv-1", string(msg.Key))
	assert.True(t, evt.OccurredAt.Equal(msg.Time))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventTypeHeader, msg.Headers[0].Key)
	assert.Equal(t, "invoice.state_changed", string(msg.Headers[0].Value))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "inv-1", decoded["invoiceId"])
	assert.Equal(t, "AWAITING_PAYMENT", decoded["previousState"])
	assert.Equal(t, "FINISHED", decoded["newState"])

	writer.err = errors.New("broker unavailable")
	assert.Error(t, emitter.Emit(context.Background(), evt))
	assert.Len(t, writer.messages, 1)

	require.NoError(t, emitter.Close())
	assert.True(t, writer.closed)
}

func TestEmit_WriteTimeout(t *testing.T) {
	t.Cleanup(testutil.DisableLogging())

	writer := &fakeWriter{stall: true}
	emitter := newWithWriter(writer, "invoices", WithWriteTimeout(50*time.Millisecond))

	evt := &event.InvoiceStateChanged{
		InvoiceId: "inv-1",
		NewState:  invoice.StateFinished,
	}

	start := time.Now()
	err := emitter.Emit(context.Background(), evt)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, writer.messages)
}

func TestWithWriteTimeout_IgnoresUnset(t *testing.T) {
	emitter := newWithWriter(&fakeWriter{}, "invoices", WithWriteTimeout(0))
	assert.Equal(t, defaultWriteTimeout, emitter.writeTimeout)

	emitter = newWithWriter(&fakeWriter{}, "invoices", WithWriteTimeout(time.Second))
	assert.Equal(t, time.Second, emitter.writeTimeout)
}
