package async_delivery

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/payments/async"
	"github.com/code-payments/payments-engine/pkg/payments/data"
	sync_util "github.com/code-payments/payments-engine/pkg/sync"
)

type service struct {
	log           *logrus.Entry
	conf          *conf
	data          data.DatabaseData
	httpClient    *http.Client
	signer        ed25519.PrivateKey
	deliveryLocks *sync_util.StripedLock

	metricsMu            sync.Mutex
	successfulDeliveries int
	failedDeliveries     int
}

// New returns the service sending pending callback deliveries to subscribers.
// Each request body is a JWT signed by signer.
func New(data data.DatabaseData, httpClient *http.Client, signer ed25519.PrivateKey, configProvider ConfigProvider) async.Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &service{
		log:           logrus.StandardLogger().WithField("service", "delivery"),
		conf:          configProvider(),
		data:          data,
		httpClient:    httpClient,
		signer:        signer,
		deliveryLocks: sync_util.NewStripedLock(1024),
	}
}

func (p *service) Start(ctx context.Context, interval time.Duration) error {
	go func() {
		err := p.worker(ctx, interval)
		if err != nil && err != context.Canceled {
			p.log.WithError(err).Warnf("delivery processing loop terminated unexpectedly")
		}
	}()

	go func() {
		err := p.metricsGaugeWorker(ctx)
		if err != nil && err != context.Canceled {
			p.log.WithError(err).Warn("delivery metrics gauge loop terminated unexpectedly")
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}
