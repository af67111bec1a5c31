package async_reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/retry"
)

const (
	// FailureReasonExhausted is the failure reason of invoices that were
	// polled too many times without reaching a terminal state
	FailureReasonExhausted = "reconciliation_exhausted"

	eventIdPrefix = "reconcile:"
)

var pollableStates = []invoice.State{
	invoice.StateAwaitingPayment,
	invoice.StateConfirming,
}

func (p *service) worker(serviceCtx context.Context, interval time.Duration) error {
	delay := interval

	err := retry.Loop(
		func() (err error) {
			select {
			case <-serviceCtx.Done():
				return serviceCtx.Err()
			case <-time.After(delay):
			}

			return p.reconcileBatch(serviceCtx)
		},
		retry.NonRetriableErrors(context.Canceled),
	)

	return err
}

func (p *service) reconcileBatch(ctx context.Context) error {
	before := time.Now().Add(-p.conf.gracePeriod.Get(ctx))

	items, err := p.data.GetAllInvoicesByStateLastTransitionedBefore(ctx, pollableStates, before, p.conf.batchSize.Get(ctx))
	if err == invoice.ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)

		go func(record *invoice.Record) {
			defer wg.Done()

			m, tracedCtx := metrics.StartBackgroundTransaction(ctx, "async__reconciler_service__handle_"+record.State.String())
			defer m.End()

			err := p.reconcile(tracedCtx, record)
			if err != nil {
				m.NoticeError(err)
			}
		}(item)
	}
	wg.Wait()

	return nil
}

// reconcile polls the provider for a single stuck invoice and applies the
// observed status through the same path as webhooks
func (p *service) reconcile(ctx context.Context, record *invoice.Record) error {
	log := p.log.WithFields(logrus.Fields{
		"method":   "reconcile",
		"invoice":  record.Id,
		"provider": record.Provider.String(),
		"state":    record.State.String(),
	})

	if record.ProviderReferenceId == nil {
		return errors.New("invoice has no provider reference")
	}

	updated, err := p.ledger.RecordReconciliationAttempt(ctx, record.Id)
	if err != nil {
		log.WithError(err).Warn("failure recording reconciliation attempt")
		return err
	}

	if updated.State.IsTerminal() {
		return nil
	}

	attempt := updated.ReconciliationAttempts
	log = log.WithField("attempt", attempt)

	if uint64(attempt) > p.conf.maxAttempts.Get(ctx) {
		_, err := p.ledger.MarkFailed(ctx, record.Id, FailureReasonExhausted)
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return nil
		} else if err != nil {
			log.WithError(err).Warn("failure marking invoice as exhausted")
			return err
		}

		log.Info("reconciliation exhausted, invoice failed")
		return nil
	}

	adapter, err := p.registry.Get(record.Provider)
	if err != nil {
		log.WithError(err).Warn("no adapter for invoice provider")
		return err
	}

	retryPolicy := provider.RetryPolicy{
		BaseDelay:   p.conf.retryBaseDelay.Get(ctx),
		MaxDelay:    p.conf.retryMaxDelay.Get(ctx),
		MaxAttempts: uint(p.conf.retryMaxAttempts.Get(ctx)),
	}

	var status *provider.Status
	_, err = retryPolicy.Do(ctx, p.conf.statusTimeout.Get(ctx), func(ctx context.Context) error {
		var err error
		status, err = adapter.GetStatus(ctx, *record.ProviderReferenceId)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("failure polling provider status")
		return errors.Wrap(err, "error polling provider status")
	}

	result, err := p.ledger.ApplyWebhookEvent(ctx, record.Id, &ledger.Event{
		EventId:         fmt.Sprintf("%s%s:%s:%d", eventIdPrefix, record.Id, updated.State, attempt),
		RawState:        status.RawState,
		State:           status.State,
		SettledAmount:   status.SettledAmount,
		SettledCurrency: status.SettledCurrency,
		Source:          invoice.EventSourceReconciler,
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("failure applying reconciled status")
		return err
	}

	log.WithFields(logrus.Fields{
		"raw_state": status.RawState,
		"outcome":   result.Outcome.String(),
		"new_state": result.Invoice.State.String(),
	}).Debug("invoice reconciled")
	return nil
}
