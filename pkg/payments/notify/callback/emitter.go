package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/netutil"
	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/payments/event"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

const (
	metricsStructName = "notify.callback"

	// CallbackUrlMetadataKey lets an order direct its notifications to its
	// own endpoint instead of the default one
	CallbackUrlMetadataKey = "callback_url"
)

// Emitter turns every invoice state change into a durable delivery record.
// The delivery worker sends it to the subscriber with retries.
type Emitter struct {
	log           *logrus.Entry
	data          data.DatabaseData
	defaultUrl    string
	requireSecure bool
}

// NewEmitter returns a new callback Emitter. Events for orders without a
// callback URL in their metadata go to defaultUrl. An empty defaultUrl
// disables those deliveries.
func NewEmitter(data data.DatabaseData, defaultUrl string, requireSecure bool) *Emitter {
	return &Emitter{
		log:           logrus.StandardLogger().WithField("type", "notify/callback"),
		data:          data,
		defaultUrl:    defaultUrl,
		requireSecure: requireSecure,
	}
}

func (e *Emitter) Emit(ctx context.Context, evt *event.InvoiceStateChanged) error {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Emit")
	defer tracer.End()

	log := e.log.WithFields(logrus.Fields{
		"method":  "Emit",
		"invoice": evt.InvoiceId,
		"state":   evt.NewState.String(),
	})

	url := e.defaultUrl
	if custom, ok := evt.CallbackMetadata[CallbackUrlMetadataKey]; ok && len(custom) > 0 {
		url = custom
	}
	if len(url) == 0 {
		return nil
	}

	if _, err := netutil.ValidateHttpUrl(url, e.requireSecure); err != nil {
		log.WithError(err).Warn("invalid callback url, dropping notification")
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		tracer.OnError(err)
		return errors.Wrap(err, "error marshalling event")
	}

	now := time.Now()
	record := &delivery.Record{
		DeliveryId:    evt.Key(),
		InvoiceId:     evt.InvoiceId,
		Url:           url,
		Payload:       payload,
		State:         delivery.StatePending,
		CreatedAt:     now,
		NextAttemptAt: pointer.Time(now),
	}

	err = e.data.CreateDelivery(ctx, record)
	if err == delivery.ErrAlreadyExists {
		log.Debug("delivery already scheduled")
		return nil
	} else if err != nil {
		tracer.OnError(err)
		return errors.Wrap(err, "error creating delivery record")
	}
	return nil
}
