package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	pgutil "github.com/code-payments/payments-engine/pkg/database/postgres"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/pointer"
)

const (
	invoiceTableName = "payments__core_invoice"
	eventTableName   = "payments__core_invoice_event"

	invoiceColumns = `id, order_id, provider, provider_reference_id, checkout_url, state, failure_reason, requested_amount, requested_currency, target_currency, description, callback_metadata, settled_amount, settled_currency, reconciliation_attempts, version, created_at, last_transition_at, expires_at`
	eventColumns   = `id, invoice_id, event_id, received_at, raw_state, source, outcome`
)

type invoiceModel struct {
	Id string `db:"id"`

	OrderId  string `db:"order_id"`
	Provider uint8  `db:"provider"`

	ProviderReferenceId sql.NullString `db:"provider_reference_id"`
	CheckoutUrl         sql.NullString `db:"checkout_url"`

	State         uint8          `db:"state"`
	FailureReason sql.NullString `db:"failure_reason"`

	RequestedAmount   decimal.Decimal `db:"requested_amount"`
	RequestedCurrency string          `db:"requested_currency"`
	TargetCurrency    string          `db:"target_currency"`
	Description       string          `db:"description"`
	CallbackMetadata  string          `db:"callback_metadata"`

	SettledAmount   decimal.NullDecimal `db:"settled_amount"`
	SettledCurrency sql.NullString      `db:"settled_currency"`

	ReconciliationAttempts uint32 `db:"reconciliation_attempts"`
	Version                uint64 `db:"version"`

	CreatedAt        time.Time `db:"created_at"`
	LastTransitionAt time.Time `db:"last_transition_at"`
	ExpiresAt        time.Time `db:"expires_at"`

	Events []*eventModel `db:"-"`
}

type eventModel struct {
	Id sql.NullInt64 `db:"id"`

	InvoiceId  string    `db:"invoice_id"`
	EventId    string    `db:"event_id"`
	ReceivedAt time.Time `db:"received_at"`
	RawState   string    `db:"raw_state"`
	Source     uint8     `db:"source"`
	Outcome    uint8     `db:"outcome"`
}

func toModel(obj *invoice.Record) (*invoiceModel, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}

	metadata := "{}"
	if len(obj.CallbackMetadata) > 0 {
		encoded, err := json.Marshal(obj.CallbackMetadata)
		if err != nil {
			return nil, errors.Wrap(err, "error encoding callback metadata")
		}
		metadata = string(encoded)
	}

	m := &invoiceModel{
		Id: obj.Id,

		OrderId:  obj.OrderId,
		Provider: uint8(obj.Provider),

		ProviderReferenceId: toNullString(obj.ProviderReferenceId),
		CheckoutUrl:         toNullString(obj.CheckoutUrl),

		State:         uint8(obj.State),
		FailureReason: toNullString(obj.FailureReason),

		RequestedAmount:   obj.RequestedAmount,
		RequestedCurrency: obj.RequestedCurrency,
		TargetCurrency:    obj.TargetCurrency,
		Description:       obj.Description,
		CallbackMetadata:  metadata,

		SettledCurrency: toNullString(obj.SettledCurrency),

		ReconciliationAttempts: obj.ReconciliationAttempts,
		Version:                obj.Version,

		CreatedAt:        obj.CreatedAt,
		LastTransitionAt: obj.LastTransitionAt,
		ExpiresAt:        obj.ExpiresAt,
	}
	if obj.SettledAmount != nil {
		m.SettledAmount = decimal.NullDecimal{Valid: true, Decimal: *obj.SettledAmount}
	}

	for _, event := range obj.WebhookEventsSeen {
		m.Events = append(m.Events, &eventModel{
			InvoiceId:  obj.Id,
			EventId:    event.EventId,
			ReceivedAt: event.ReceivedAt,
			RawState:   event.RawState,
			Source:     uint8(event.Source),
			Outcome:    uint8(event.Outcome),
		})
	}

	return m, nil
}

func fromModel(obj *invoiceModel) (*invoice.Record, error) {
	var metadata map[string]string
	if len(obj.CallbackMetadata) > 0 && obj.CallbackMetadata != "{}" {
		if err := json.Unmarshal([]byte(obj.CallbackMetadata), &metadata); err != nil {
			return nil, errors.Wrap(err, "error decoding callback metadata")
		}
	}

	res := &invoice.Record{
		Id: obj.Id,

		OrderId:  obj.OrderId,
		Provider: invoice.Provider(obj.Provider),

		ProviderReferenceId: pointer.StringIfValid(obj.ProviderReferenceId.Valid, obj.ProviderReferenceId.String),
		CheckoutUrl:         pointer.StringIfValid(obj.CheckoutUrl.Valid, obj.CheckoutUrl.String),

		State:         invoice.State(obj.State),
		FailureReason: pointer.StringIfValid(obj.FailureReason.Valid, obj.FailureReason.String),

		RequestedAmount:   obj.RequestedAmount,
		RequestedCurrency: obj.RequestedCurrency,
		TargetCurrency:    obj.TargetCurrency,
		Description:       obj.Description,
		CallbackMetadata:  metadata,

		SettledCurrency: pointer.StringIfValid(obj.SettledCurrency.Valid, obj.SettledCurrency.String),

		ReconciliationAttempts: obj.ReconciliationAttempts,
		Version:                obj.Version,

		CreatedAt:        obj.CreatedAt,
		LastTransitionAt: obj.LastTransitionAt,
		ExpiresAt:        obj.ExpiresAt,
	}
	if obj.SettledAmount.Valid {
		res.SettledAmount = pointer.Decimal(obj.SettledAmount.Decimal)
	}

	for _, event := range obj.Events {
		res.WebhookEventsSeen = append(res.WebhookEventsSeen, &invoice.Event{
			EventId:    event.EventId,
			ReceivedAt: event.ReceivedAt,
			RawState:   event.RawState,
			Source:     invoice.EventSource(event.Source),
			Outcome:    invoice.EventOutcome(event.Outcome),
		})
	}

	return res, nil
}

func (m *invoiceModel) dbPut(ctx context.Context, db *sqlx.DB) error {
	err := pgutil.ExecuteInTx(ctx, db, sql.LevelDefault, func(tx *sqlx.Tx) error {
		query := `INSERT INTO ` + invoiceTableName + `
			(` + invoiceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17, $18)
			RETURNING ` + invoiceColumns

		now := time.Now()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.LastTransitionAt.IsZero() {
			m.LastTransitionAt = m.CreatedAt
		}

		events := m.Events
		err := tx.QueryRowxContext(
			ctx,
			query,
			m.Id,
			m.OrderId,
			m.Provider,
			m.ProviderReferenceId,
			m.CheckoutUrl,
			m.State,
			m.FailureReason,
			m.RequestedAmount,
			m.RequestedCurrency,
			m.TargetCurrency,
			m.Description,
			m.CallbackMetadata,
			m.SettledAmount,
			m.SettledCurrency,
			m.ReconciliationAttempts,
			m.CreatedAt,
			m.LastTransitionAt,
			m.ExpiresAt,
		).StructScan(m)
		if err != nil {
			return err
		}

		if err := dbInsertEvents(ctx, tx, events); err != nil {
			return err
		}

		m.Events, err = dbGetEvents(ctx, tx, m.Id)
		return err
	})
	return pgutil.CheckUniqueViolation(err, invoice.ErrAlreadyExists)
}

func (m *invoiceModel) dbUpdate(ctx context.Context, db *sqlx.DB) error {
	err := pgutil.ExecuteInTx(ctx, db, sql.LevelDefault, func(tx *sqlx.Tx) error {
		query := `UPDATE ` + invoiceTableName + `
			SET provider_reference_id = $3, checkout_url = $4, state = $5, failure_reason = $6, settled_amount = $7, settled_currency = $8, reconciliation_attempts = $9, last_transition_at = $10, expires_at = $11, version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING ` + invoiceColumns

		events := m.Events
		err := tx.QueryRowxContext(
			ctx,
			query,
			m.Id,
			m.Version,
			m.ProviderReferenceId,
			m.CheckoutUrl,
			m.State,
			m.FailureReason,
			m.SettledAmount,
			m.SettledCurrency,
			m.ReconciliationAttempts,
			m.LastTransitionAt,
			m.ExpiresAt,
		).StructScan(m)
		if pgutil.IsNoRows(err) {
			var exists bool
			existsQuery := `SELECT EXISTS(SELECT 1 FROM ` + invoiceTableName + ` WHERE id = $1)`
			if err := tx.GetContext(ctx, &exists, existsQuery, m.Id); err != nil {
				return err
			}
			if exists {
				return invoice.ErrStaleVersion
			}
			return invoice.ErrNotFound
		} else if err != nil {
			return err
		}

		if err := dbInsertEvents(ctx, tx, events); err != nil {
			return err
		}

		m.Events, err = dbGetEvents(ctx, tx, m.Id)
		return err
	})
	return pgutil.CheckUniqueViolation(err, invoice.ErrAlreadyExists)
}

func dbInsertEvents(ctx context.Context, tx *sqlx.Tx, events []*eventModel) error {
	query := `INSERT INTO ` + eventTableName + `
		(invoice_id, event_id, received_at, raw_state, source, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (invoice_id, event_id) DO NOTHING
	`

	for _, event := range events {
		_, err := tx.ExecContext(
			ctx,
			query,
			event.InvoiceId,
			event.EventId,
			event.ReceivedAt,
			event.RawState,
			event.Source,
			event.Outcome,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func dbGetEvents(ctx context.Context, q queryer, invoiceId string) ([]*eventModel, error) {
	res := []*eventModel{}

	query := `SELECT ` + eventColumns + ` FROM ` + eventTableName + `
		WHERE invoice_id = $1
		ORDER BY id ASC
	`

	err := q.SelectContext(ctx, &res, query, invoiceId)
	if err != nil && !pgutil.IsNoRows(err) {
		return nil, err
	}
	return res, nil
}

func dbGetBy(ctx context.Context, db *sqlx.DB, condition string, args ...interface{}) (*invoiceModel, error) {
	var res invoiceModel

	query := `SELECT ` + invoiceColumns + ` FROM ` + invoiceTableName + `
		WHERE ` + condition

	err := db.GetContext(ctx, &res, query, args...)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, invoice.ErrNotFound)
	}

	res.Events, err = dbGetEvents(ctx, db, res.Id)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func dbGetById(ctx context.Context, db *sqlx.DB, id string) (*invoiceModel, error) {
	return dbGetBy(ctx, db, `id = $1`, id)
}

func dbGetByOrderId(ctx context.Context, db *sqlx.DB, provider invoice.Provider, orderId string) (*invoiceModel, error) {
	return dbGetBy(ctx, db, `provider = $1 AND order_id = $2`, provider, orderId)
}

func dbGetByProviderReference(ctx context.Context, db *sqlx.DB, provider invoice.Provider, referenceId string) (*invoiceModel, error) {
	return dbGetBy(ctx, db, `provider = $1 AND provider_reference_id = $2`, provider, referenceId)
}

func dbGetAllByStateLastTransitionedBefore(ctx context.Context, db *sqlx.DB, states []invoice.State, before time.Time, limit uint64) ([]*invoiceModel, error) {
	res := []*invoiceModel{}

	rawStates := make([]int, len(states))
	for i, state := range states {
		rawStates[i] = int(state)
	}

	query, args, err := sqlx.In(`SELECT `+invoiceColumns+` FROM `+invoiceTableName+`
		WHERE state IN (?) AND last_transition_at < ?
		ORDER BY last_transition_at ASC
		LIMIT ?
	`, rawStates, before, limit)
	if err != nil {
		return nil, err
	}

	err = db.SelectContext(ctx, &res, db.Rebind(query), args...)
	if err != nil {
		return nil, pgutil.CheckNoRows(err, invoice.ErrNotFound)
	} else if len(res) == 0 {
		return nil, invoice.ErrNotFound
	}

	for _, model := range res {
		model.Events, err = dbGetEvents(ctx, db, model.Id)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func dbCountByState(ctx context.Context, db *sqlx.DB, state invoice.State) (uint64, error) {
	var res uint64
	query := `SELECT COUNT(*) FROM ` + invoiceTableName + `
		WHERE state = $1
	`

	err := db.GetContext(ctx, &res, query, state)
	if err != nil {
		return 0, err
	}
	return res, nil
}

func toNullString(value *string) sql.NullString {
	return sql.NullString{
		Valid:  value != nil,
		String: *pointer.OrDefault(value, ""),
	}
}
