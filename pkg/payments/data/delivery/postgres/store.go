package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
)

type store struct {
	db *sqlx.DB
}

// New returns a new postgres-backed delivery.Store
func New(db *sql.DB) delivery.Store {
	return &store{
		db: sqlx.NewDb(db, "pgx"),
	}
}

// Put implements delivery.Store.Put
func (s *store) Put(ctx context.Context, record *delivery.Record) error {
	obj, err := toModel(record)
	if err != nil {
		return err
	}

	err = obj.dbPut(ctx, s.db)
	if err != nil {
		return err
	}

	res := fromModel(obj)
	res.CopyTo(record)

	return nil
}

// Update implements delivery.Store.Update
func (s *store) Update(ctx context.Context, record *delivery.Record) error {
	obj, err := toModel(record)
	if err != nil {
		return err
	}

	err = obj.dbUpdate(ctx, s.db)
	if err != nil {
		return err
	}

	res := fromModel(obj)
	res.CopyTo(record)

	return nil
}

// Get implements delivery.Store.Get
func (s *store) Get(ctx context.Context, deliveryId string) (*delivery.Record, error) {
	model, err := dbGetByDeliveryId(ctx, s.db, deliveryId)
	if err != nil {
		return nil, err
	}

	return fromModel(model), nil
}

// GetAllByInvoice implements delivery.Store.GetAllByInvoice
func (s *store) GetAllByInvoice(ctx context.Context, invoiceId string) ([]*delivery.Record, error) {
	models, err := dbGetAllByInvoice(ctx, s.db, invoiceId)
	if err != nil {
		return nil, err
	}

	var res []*delivery.Record
	for _, model := range models {
		res = append(res, fromModel(model))
	}
	return res, nil
}

// CountByState implements delivery.Store.CountByState
func (s *store) CountByState(ctx context.Context, state delivery.State) (uint64, error) {
	return dbCountByState(ctx, s.db, state)
}

// GetAllPendingReadyToSend implements delivery.Store.GetAllPendingReadyToSend
func (s *store) GetAllPendingReadyToSend(ctx context.Context, limit uint64) ([]*delivery.Record, error) {
	models, err := dbGetAllPendingReadyToSend(ctx, s.db, limit)
	if err != nil {
		return nil, err
	}

	var res []*delivery.Record
	for _, model := range models {
		res = append(res, fromModel(model))
	}
	return res, nil
}
