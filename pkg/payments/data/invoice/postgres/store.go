package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

type store struct {
	db *sqlx.DB
}

// New returns a new postgres-backed invoice.Store
func New(db *sql.DB) invoice.Store {
	return &store{
		db: sqlx.NewDb(db, "pgx"),
	}
}

// Put implements invoice.Store.Put
func (s *store) Put(ctx context.Context, record *invoice.Record) error {
	obj, err := toModel(record)
	if err != nil {
		return err
	}

	err = obj.dbPut(ctx, s.db)
	if err != nil {
		return err
	}

	res, err := fromModel(obj)
	if err != nil {
		return err
	}
	res.CopyTo(record)

	return nil
}

// Update implements invoice.Store.Update
func (s *store) Update(ctx context.Context, record *invoice.Record) error {
	obj, err := toModel(record)
	if err != nil {
		return err
	}

	err = obj.dbUpdate(ctx, s.db)
	if err != nil {
		return err
	}

	res, err := fromModel(obj)
	if err != nil {
		return err
	}
	res.CopyTo(record)

	return nil
}

// Get implements invoice.Store.Get
func (s *store) Get(ctx context.Context, id string) (*invoice.Record, error) {
	model, err := dbGetById(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return fromModel(model)
}

// GetByOrderId implements invoice.Store.GetByOrderId
func (s *store) GetByOrderId(ctx context.Context, provider invoice.Provider, orderId string) (*invoice.Record, error) {
	model, err := dbGetByOrderId(ctx, s.db, provider, orderId)
	if err != nil {
		return nil, err
	}
	return fromModel(model)
}

// GetByProviderReference implements invoice.Store.GetByProviderReference
func (s *store) GetByProviderReference(ctx context.Context, provider invoice.Provider, referenceId string) (*invoice.Record, error) {
	model, err := dbGetByProviderReference(ctx, s.db, provider, referenceId)
	if err != nil {
		return nil, err
	}
	return fromModel(model)
}

// GetAllByStateLastTransitionedBefore implements invoice.Store.GetAllByStateLastTransitionedBefore
func (s *store) GetAllByStateLastTransitionedBefore(ctx context.Context, states []invoice.State, before time.Time, limit uint64) ([]*invoice.Record, error) {
	models, err := dbGetAllByStateLastTransitionedBefore(ctx, s.db, states, before, limit)
	if err != nil {
		return nil, err
	}

	var res []*invoice.Record
	for _, model := range models {
		record, err := fromModel(model)
		if err != nil {
			return nil, err
		}
		res = append(res, record)
	}
	return res, nil
}

// CountByState implements invoice.Store.CountByState
func (s *store) CountByState(ctx context.Context, state invoice.State) (uint64, error) {
	return dbCountByState(ctx, s.db, state)
}
