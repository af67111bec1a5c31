package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

type store struct {
	mu      sync.Mutex
	last    uint64
	records []*delivery.Record
}

// New returns a new in memory delivery.Store
func New() delivery.Store {
	return &store{}
}

// Put implements delivery.Store.Put
func (s *store) Put(_ context.Context, data *delivery.Record) error {
	if err := data.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.findByDeliveryId(data.DeliveryId); item != nil {
		return delivery.ErrAlreadyExists
	}

	s.last++
	data.Id = s.last
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}

	cloned := data.Clone()
	s.records = append(s.records, &cloned)
	return nil
}

// Update implements delivery.Store.Update
func (s *store) Update(_ context.Context, data *delivery.Record) error {
	if err := data.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findByDeliveryId(data.DeliveryId)
	if item == nil {
		return delivery.ErrNotFound
	}

	item.Attempts = data.Attempts
	item.State = data.State
	item.NextAttemptAt = pointer.TimeCopy(data.NextAttemptAt)

	item.CopyTo(data)
	return nil
}

// Get implements delivery.Store.Get
func (s *store) Get(_ context.Context, deliveryId string) (*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findByDeliveryId(deliveryId)
	if item == nil {
		return nil, delivery.ErrNotFound
	}

	cloned := item.Clone()
	return &cloned, nil
}

// GetAllByInvoice implements delivery.Store.GetAllByInvoice
func (s *store) GetAllByInvoice(_ context.Context, invoiceId string) ([]*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*delivery.Record
	for _, item := range s.records {
		if item.InvoiceId == invoiceId {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return nil, delivery.ErrNotFound
	}
	return cloneSlice(items), nil
}

// CountByState implements delivery.Store.CountByState
func (s *store) CountByState(_ context.Context, state delivery.State) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint64(len(s.findByState(state))), nil
}

// GetAllPendingReadyToSend implements delivery.Store.GetAllPendingReadyToSend
func (s *store) GetAllPendingReadyToSend(_ context.Context, limit uint64) ([]*delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var items []*delivery.Record
	for _, item := range s.findByState(delivery.StatePending) {
		if item.NextAttemptAt != nil && item.NextAttemptAt.Compare(now) <= 0 {
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].NextAttemptAt.Before(*items[j].NextAttemptAt)
	})

	if len(items) == 0 {
		return nil, delivery.ErrNotFound
	} else if uint64(len(items)) > limit {
		items = items[:limit]
	}
	return cloneSlice(items), nil
}

func (s *store) findByDeliveryId(deliveryId string) *delivery.Record {
	for _, item := range s.records {
		if item.DeliveryId == deliveryId {
			return item
		}
	}
	return nil
}

func (s *store) findByState(state delivery.State) []*delivery.Record {
	var res []*delivery.Record
	for _, item := range s.records {
		if item.State == state {
			res = append(res, item)
		}
	}
	return res
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = 0
	s.records = nil
}

func cloneSlice(items []*delivery.Record) []*delivery.Record {
	var res []*delivery.Record
	for _, item := range items {
		cloned := item.Clone()
		res = append(res, &cloned)
	}
	return res
}
