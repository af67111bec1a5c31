package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/event"
)

const (
	metricsStructName = "notify.kafka"

	EventTypeHeader = "event-type"
	eventType       = "invoice.state_changed"

	defaultWriteTimeout = 2 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Emitter publishes invoice state changes to a Kafka topic. Messages are
// keyed by invoice ID so every invoice's events land on one partition in
// order.
type Emitter struct {
	log          *logrus.Entry
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
}

type Option func(*Emitter)

// WithWriteTimeout bounds each Emit call. Emission runs inline with ledger
// writes, so a slow broker must not hold up webhook acknowledgement.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(e *Emitter) {
		if timeout > 0 {
			e.writeTimeout = timeout
		}
	}
}

// New returns an Emitter writing to topic on the provided brokers
func New(brokers []string, topic string, opts ...Option) (*Emitter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if len(topic) == 0 {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: defaultBatchTimeout,
	}
	e := newWithWriter(writer, topic, opts...)
	writer.WriteTimeout = e.writeTimeout
	return e, nil
}

func newWithWriter(writer messageWriter, topic string, opts ...Option) *Emitter {
	e := &Emitter{
		log:          logrus.StandardLogger().WithFields(logrus.Fields{"type": "notify/kafka", "topic": topic}),
		writer:       writer,
		topic:        topic,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) Emit(ctx context.Context, evt *event.InvoiceStateChanged) error {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Emit")
	defer tracer.End()

	value, err := json.Marshal(evt)
	if err != nil {
		tracer.OnError(err)
		return errors.Wrap(err, "error marshalling event")
	}

	msg := kafka.Message{
		Key:   []byte(evt.InvoiceId),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: EventTypeHeader, Value: []byte(eventType)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"method":  "Emit",
			"invoice": evt.InvoiceId,
		}).Warn("failure publishing invoice event")
		tracer.OnError(err)
		return errors.Wrap(err, "error writing kafka message")
	}
	return nil
}

func (e *Emitter) Close() error {
	return e.writer.Close()
}
