package async_reconciler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/lock"
	"github.com/code-payments/payments-engine/pkg/payments/async"
	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	// DefaultInterval is how often stuck invoices are polled
	DefaultInterval = 5 * time.Minute

	leadershipLockName = "payments-engine/reconciler/leader"
)

type service struct {
	log         *logrus.Entry
	conf        *conf
	data        data.DatabaseData
	ledger      *ledger.Ledger
	registry    *provider.Registry
	lockManager lock.Manager
}

// New returns the service polling providers for invoices whose webhooks
// appear to be lost. When lockManager is set, only the process holding the
// leadership lock polls.
func New(
	data data.DatabaseData,
	ledger *ledger.Ledger,
	registry *provider.Registry,
	lockManager lock.Manager,
	configProvider ConfigProvider,
) async.Service {
	return &service{
		log:         logrus.StandardLogger().WithField("service", "reconciler"),
		conf:        configProvider(),
		data:        data,
		ledger:      ledger,
		registry:    registry,
		lockManager: lockManager,
	}
}

func (p *service) Start(ctx context.Context, interval time.Duration) error {
	go func() {
		err := p.leaderWorker(ctx, interval)
		if err != nil && err != context.Canceled {
			p.log.WithError(err).Warnf("reconciliation loop terminated unexpectedly")
		}
	}()

	go func() {
		err := p.metricsGaugeWorker(ctx)
		if err != nil && err != context.Canceled {
			p.log.WithError(err).Warn("reconciliation metrics gauge loop terminated unexpectedly")
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (p *service) leaderWorker(ctx context.Context, interval time.Duration) error {
	if p.lockManager == nil {
		return p.worker(ctx, interval)
	}

	log := p.log.WithField("method", "leaderWorker")

	l, err := p.lockManager.Create(ctx, leadershipLockName)
	if err != nil {
		return err
	}

	for {
		err := lock.RunWhileHeld(ctx, l, func(heldCtx context.Context) error {
			log.Info("acquired reconciler leadership")
			return p.worker(heldCtx, interval)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("lost reconciler leadership")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
