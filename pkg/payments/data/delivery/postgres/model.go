package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	pgutil "github.com/code-payments/payments-engine/pkg/database/postgres"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

const (
	tableName = "payments__core_delivery"

	allColumns = `id, delivery_id, invoice_id, url, payload, attempts, state, created_at, next_attempt_at`
)

type model struct {
	Id sql.NullInt64 `db:"id"`

	DeliveryId string `db:"delivery_id"`
	InvoiceId  string `db:"invoice_id"`
	Url        string `db:"url"`
	Payload    []byte `db:"payload"`

	Attempts uint8 `db:"attempts"`
	State    uint8 `db:"state"`

	CreatedAt     time.Time    `db:"created_at"`
	NextAttemptAt sql.NullTime `db:"next_attempt_at"`
}

func toModel(obj *delivery.Record) (*model, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}

	return &model{
		DeliveryId: obj.DeliveryId,
		InvoiceId:  obj.InvoiceId,
		Url:        obj.Url,
		Payload:    obj.Payload,

		Attempts: obj.Attempts,
		State:    uint8(obj.State),

		CreatedAt: obj.CreatedAt,
		NextAttemptAt: sql.NullTime{
			Valid: obj.NextAttemptAt != nil,
			Time:  *pointer.OrDefault(obj.NextAttemptAt, time.Time{}),
		},
	}, nil
}

func fromModel(obj *model) *delivery.Record {
	return &delivery.Record{
		Id: uint64(obj.Id.Int64),

		DeliveryId: obj.DeliveryId,
		InvoiceId:  obj.InvoiceId,
		Url:        obj.Url,
		Payload:    obj.Payload,

		Attempts: obj.Attempts,
		State:    delivery.State(obj.State),

		CreatedAt:     obj.CreatedAt,
		NextAttemptAt: pointer.TimeIfValid(obj.NextAttemptAt.Valid, obj.NextAttemptAt.Time),
	}
}

func (m *model) dbPut(ctx context.Context, db *sqlx.DB) error {
	err := pgutil.ExecuteInTx(ctx, db, sql.LevelDefault, func(tx *sqlx.Tx) error {
		query := `INSERT INTO ` + tableName + `
			(delivery_id, invoice_id, url, payload, attempts, state, created_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING ` + allColumns

		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}

		return tx.QueryRowxContext(
			ctx,
			query,
			m.DeliveryId,
			m.InvoiceId,
			m.Url,
			m.Payload,
			m.Attempts,
			m.State,
			m.CreatedAt,
			m.NextAttemptAt,
		).StructScan(m)
	})
	return pgutil.CheckUniqueViolation(err, delivery.ErrAlreadyExists)
}

func (m *model) dbUpdate(ctx context.Context, db *sqlx.DB) error {
	err := pgutil.ExecuteInTx(ctx, db, sql.LevelDefault, func(tx *sqlx.Tx) error {
		query := `UPDATE ` + tableName + `
			SET attempts = $2, state = $3, next_attempt_at = $4
			WHERE delivery_id = $1
			RETURNING ` + allColumns

		return tx.QueryRowxContext(
			ctx,
			query,
			m.DeliveryId,
			m.Attempts,
			m.State,
			m.NextAttemptAt,
		).StructScan(m)
	})
	return pgutil.CheckNoRows(err, delivery.ErrNotFound)
}

func dbGetByDeliveryId(ctx context.Context, db *sqlx.DB, deliveryId string) (*model, error) {
	var res model
	query := `SELECT ` + allColumns + ` FROM ` + tableName + `
		WHERE delivery_id = $1
	`

	err := db.GetContext(ctx, &res, query, deliveryId)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, delivery.ErrNotFound)
	}
	return &res, nil
}

func dbGetAllByInvoice(ctx context.Context, db *sqlx.DB, invoiceId string) ([]*model, error) {
	res := []*model{}

	query := `SELECT ` + allColumns + ` FROM ` + tableName + `
		WHERE invoice_id = $1
		ORDER BY id ASC
	`

	err := db.SelectContext(ctx, &res, query, invoiceId)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, delivery.ErrNotFound)
	} else if len(res) == 0 {
		return nil, delivery.ErrNotFound
	}
	return res, nil
}

func dbCountByState(ctx context.Context, db *sqlx.DB, state delivery.State) (uint64, error) {
	var res uint64
	query := `SELECT COUNT(*) FROM ` + tableName + `
		WHERE state = $1
	`

	err := db.GetContext(ctx, &res, query, state)
	if err != nil {
		return 0, err
	}
	return res, nil
}

func dbGetAllPendingReadyToSend(ctx context.Context, db *sqlx.DB, limit uint64) ([]*model, error) {
	res := []*model{}

	query := `SELECT ` + allColumns + ` FROM ` + tableName + `
		WHERE state = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`

	err := db.SelectContext(
		ctx,
		&res,
		query,
		delivery.StatePending,
		time.Now(),
		limit,
	)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, delivery.ErrNotFound)
	} else if len(res) == 0 {
		return nil, delivery.ErrNotFound
	}
	return res, nil
}
