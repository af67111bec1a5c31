package async_delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/payments/notify/callback"
	"github.com/code-payments/payments-engine/pkg/pointer"
	"github.com/code-payments/payments-engine/pkg/retry"
)

var (
	// Quick back-to-back attempts first, then back off by an order of time
	// scale magnitude, giving up after a day.
	attemptToDelay = map[uint8]time.Duration{
		1: 0,
		2: time.Second,
		3: time.Second,
		4: 15 * time.Second,
		5: time.Minute,
		6: 15 * time.Minute,
		7: time.Hour,
		8: 24 * time.Hour,

		// A final unused attempt, so the transition to the failed state can
		// itself be retried. It must come after all other attempts executed.
		9: time.Minute,
	}
)

func (p *service) worker(serviceCtx context.Context, interval time.Duration) error {
	delay := interval

	err := retry.Loop(
		func() (err error) {
			time.Sleep(delay)

			items, err := p.data.GetAllPendingDeliveriesReadyToSend(serviceCtx, p.conf.workerBatchSize.Get(serviceCtx))
			if err == delivery.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}

			var wg sync.WaitGroup
			for _, item := range items {
				wg.Add(1)

				go func(record *delivery.Record) {
					m, tracedCtx := metrics.StartBackgroundTransaction(serviceCtx, "async__delivery_service__handle_"+delivery.StatePending.String())
					defer m.End()

					err := p.handlePending(tracedCtx, record, &wg)
					if err != nil {
						m.NoticeError(err)
					}
				}(item)
			}
			wg.Wait()

			return nil
		},
		retry.NonRetriableErrors(context.Canceled),
	)

	return err
}

func (p *service) handlePending(ctx context.Context, record *delivery.Record, wg *sync.WaitGroup) error {
	if record.State != delivery.StatePending {
		wg.Done()
		return errors.New("record is not in pending state")
	}

	// Setup the next attempt synchronously, so it doesn't get picked up on
	// the next poll.
	shouldExecute, err := p.setupNextAttempt(ctx, record)
	wg.Done()
	if err != nil {
		return err
	}

	if !shouldExecute {
		return nil
	}

	// Slow subscribers must not hold up the batch
	return p.handleCurrentAttempt(ctx, record)
}

func (p *service) handleCurrentAttempt(ctx context.Context, record *delivery.Record) error {
	log := p.log.WithFields(logrus.Fields{
		"method":   "handleCurrentAttempt",
		"delivery": record.DeliveryId,
		"invoice":  record.InvoiceId,
		"attempt":  record.Attempts,
	})

	executionErr := callback.Execute(
		ctx,
		p.httpClient,
		p.signer,
		record,
		p.conf.callbackTimeout.Get(ctx),
	)
	callbackErr := p.onDeliveryExecuted(ctx, record, executionErr == nil)

	if executionErr != nil {
		log.WithError(executionErr).Warn("failure executing callback delivery")
	}
	if callbackErr != nil {
		log.WithError(callbackErr).Warn("failure handling callback delivery result")
	}

	return errors.Join(executionErr, callbackErr)
}

func (p *service) setupNextAttempt(ctx context.Context, record *delivery.Record) (bool, error) {
	cloned := record.Clone()
	nextAttempt := cloned.Attempts + 2 // The current attempt isn't accounted for yet

	delay, ok := attemptToDelay[nextAttempt]
	if !ok {
		cloned.State = delivery.StateFailed
		cloned.NextAttemptAt = nil
		return false, p.updateDeliveryRecord(ctx, &cloned)
	}

	record.Attempts += 1
	cloned.Attempts += 1
	cloned.NextAttemptAt = pointer.Time(time.Now().Add(delay))

	return true, p.updateDeliveryRecord(ctx, &cloned)
}

func (p *service) onDeliveryExecuted(ctx context.Context, record *delivery.Record, isSuccess bool) error {
	if record.State != delivery.StatePending {
		return nil
	}

	if isSuccess {
		p.metricsMu.Lock()
		p.successfulDeliveries += 1
		p.metricsMu.Unlock()

		record.State = delivery.StateConfirmed
		record.NextAttemptAt = nil
		return p.updateDeliveryRecord(ctx, record)
	}

	p.metricsMu.Lock()
	p.failedDeliveries += 1
	p.metricsMu.Unlock()

	// Failure is only final on the last attempt
	if int(record.Attempts) < len(attemptToDelay) {
		return nil
	}

	record.State = delivery.StateFailed
	record.NextAttemptAt = nil
	return p.updateDeliveryRecord(ctx, record)
}

func (p *service) updateDeliveryRecord(ctx context.Context, record *delivery.Record) error {
	unlock := p.deliveryLocks.Lock(record.DeliveryId)
	defer unlock()

	currentRecord, err := p.data.GetDelivery(ctx, record.DeliveryId)
	if err != nil {
		return err
	}

	// Confirmed is final
	if currentRecord.State == delivery.StateConfirmed {
		return nil
	}

	// Only a confirmation overrides a failure
	if currentRecord.State == delivery.StateFailed && record.State != delivery.StateConfirmed {
		return nil
	}

	// Between two pending records, the one with more attempts wins
	if record.State == delivery.StatePending && record.Attempts <= currentRecord.Attempts {
		return nil
	}

	return p.data.UpdateDelivery(ctx, record)
}
