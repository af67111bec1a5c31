package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

type store struct {
	mu      sync.Mutex
	records []*invoice.Record
}

// New returns a new in memory invoice.Store
func New() invoice.Store {
	return &store{}
}

// Put implements invoice.Store.Put
func (s *store) Put(_ context.Context, data *invoice.Record) error {
	if err := data.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.records {
		if item.Id == data.Id {
			return invoice.ErrAlreadyExists
		}
		if item.Provider == data.Provider && item.OrderId == data.OrderId {
			return invoice.ErrAlreadyExists
		}
		if s.hasReferenceConflict(item, data) {
			return invoice.ErrAlreadyExists
		}
	}

	now := time.Now()
	if data.CreatedAt.IsZero() {
		data.CreatedAt = now
	}
	if data.LastTransitionAt.IsZero() {
		data.LastTransitionAt = data.CreatedAt
	}
	data.Version = 1

	cloned := data.Clone()
	s.records = append(s.records, &cloned)
	return nil
}

// Update implements invoice.Store.Update
func (s *store) Update(_ context.Context, data *invoice.Record) error {
	if err := data.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findById(data.Id)
	if item == nil {
		return invoice.ErrNotFound
	}

	if item.Version != data.Version {
		return invoice.ErrStaleVersion
	}

	for _, other := range s.records {
		if other != item && s.hasReferenceConflict(other, data) {
			return invoice.ErrAlreadyExists
		}
	}

	cloned := data.Clone()

	item.ProviderReferenceId = cloned.ProviderReferenceId
	item.CheckoutUrl = cloned.CheckoutUrl
	item.State = cloned.State
	item.FailureReason = cloned.FailureReason
	item.SettledAmount = cloned.SettledAmount
	item.SettledCurrency = cloned.SettledCurrency
	item.ReconciliationAttempts = cloned.ReconciliationAttempts
	item.LastTransitionAt = cloned.LastTransitionAt
	item.ExpiresAt = cloned.ExpiresAt
	for _, event := range cloned.WebhookEventsSeen {
		if !item.HasSeenEvent(event.EventId) {
			item.WebhookEventsSeen = append(item.WebhookEventsSeen, event)
		}
	}
	item.Version++

	item.CopyTo(data)
	return nil
}

// Get implements invoice.Store.Get
func (s *store) Get(_ context.Context, id string) (*invoice.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findById(id)
	if item == nil {
		return nil, invoice.ErrNotFound
	}

	cloned := item.Clone()
	return &cloned, nil
}

// GetByOrderId implements invoice.Store.GetByOrderId
func (s *store) GetByOrderId(_ context.Context, provider invoice.Provider, orderId string) (*invoice.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.records {
		if item.Provider == provider && item.OrderId == orderId {
			cloned := item.Clone()
			return &cloned, nil
		}
	}
	return nil, invoice.ErrNotFound
}

// GetByProviderReference implements invoice.Store.GetByProviderReference
func (s *store) GetByProviderReference(_ context.Context, provider invoice.Provider, referenceId string) (*invoice.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.records {
		if item.Provider == provider && item.ProviderReferenceId != nil && *item.ProviderReferenceId == referenceId {
			cloned := item.Clone()
			return &cloned, nil
		}
	}
	return nil, invoice.ErrNotFound
}

// GetAllByStateLastTransitionedBefore implements invoice.Store.GetAllByStateLastTransitionedBefore
func (s *store) GetAllByStateLastTransitionedBefore(_ context.Context, states []invoice.State, before time.Time, limit uint64) ([]*invoice.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*invoice.Record
	for _, item := range s.records {
		if !containsState(states, item.State) {
			continue
		}
		if !item.LastTransitionAt.Before(before) {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].LastTransitionAt.Before(items[j].LastTransitionAt)
	})

	if len(items) == 0 {
		return nil, invoice.ErrNotFound
	} else if uint64(len(items)) > limit {
		items = items[:limit]
	}
	return cloneSlice(items), nil
}

// CountByState implements invoice.Store.CountByState
func (s *store) CountByState(_ context.Context, state invoice.State) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count uint64
	for _, item := range s.records {
		if item.State == state {
			count++
		}
	}
	return count, nil
}

func (s *store) findById(id string) *invoice.Record {
	for _, item := range s.records {
		if item.Id == id {
			return item
		}
	}
	return nil
}

func (s *store) hasReferenceConflict(existing, data *invoice.Record) bool {
	if existing.Provider != data.Provider {
		return false
	}
	if existing.ProviderReferenceId == nil || data.ProviderReferenceId == nil {
		return false
	}
	return *existing.ProviderReferenceId == *data.ProviderReferenceId
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}

func containsState(states []invoice.State, state invoice.State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func cloneSlice(items []*invoice.Record) []*invoice.Record {
	var res []*invoice.Record
	for _, item := range items {
		cloned := item.Clone()
		res = append(res, &cloned)
	}
	return res
}
