package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jmoiron/sqlx"

	pg "github.com/code-payments/payments-engine/pkg/database/postgres"
	"github.com/code-payments/payments-engine/pkg/metrics"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"

	delivery_memory_client "github.com/code-payments/payments-engine/pkg/payments/data/delivery/memory"
	invoice_memory_client "github.com/code-payments/payments-engine/pkg/payments/data/invoice/memory"

	delivery_postgres_client "github.com/code-payments/payments-engine/pkg/payments/data/delivery/postgres"
	invoice_postgres_client "github.com/code-payments/payments-engine/pkg/payments/data/invoice/postgres"
)

const (
	metricsStructName = "data.database_provider"
)

type DatabaseData interface {
	// Invoice
	// --------------------------------------------------------------------------------
	CreateInvoice(ctx context.Context, record *invoice.Record) error
	UpdateInvoice(ctx context.Context, record *invoice.Record) error
	GetInvoice(ctx context.Context, id string) (*invoice.Record, error)
	GetInvoiceByOrderId(ctx context.Context, provider invoice.Provider, orderId string) (*invoice.Record, error)
	GetInvoiceByProviderReference(ctx context.Context, provider invoice.Provider, referenceId string) (*invoice.Record, error)
	GetAllInvoicesByStateLastTransitionedBefore(ctx context.Context, states []invoice.State, before time.Time, limit uint64) ([]*invoice.Record, error)
	CountInvoicesByState(ctx context.Context, state invoice.State) (uint64, error)

	// Delivery
	// --------------------------------------------------------------------------------
	CreateDelivery(ctx context.Context, record *delivery.Record) error
	UpdateDelivery(ctx context.Context, record *delivery.Record) error
	GetDelivery(ctx context.Context, deliveryId string) (*delivery.Record, error)
	GetAllDeliveriesByInvoice(ctx context.Context, invoiceId string) ([]*delivery.Record, error)
	CountDeliveriesByState(ctx context.Context, state delivery.State) (uint64, error)
	GetAllPendingDeliveriesReadyToSend(ctx context.Context, limit uint64) ([]*delivery.Record, error)

	// ExecuteInTx executes fn with a single DB transaction that is scoped to the call.
	// This enables more complex transactions that can span many calls across the provider.
	//
	// Note: Only store writes participate. Reads always go through the pool.
	ExecuteInTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error
}

type DatabaseProvider struct {
	invoices   invoice.Store
	deliveries delivery.Store

	db *sqlx.DB
}

func NewDatabaseProvider(dbConfig *pg.Config, awsConfig aws.Config) (DatabaseData, error) {
	db, err := pg.Open(dbConfig, awsConfig)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(time.Hour)
	if dbConfig.ConnMaxLifetime == 0 {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &DatabaseProvider{
		invoices:   invoice_postgres_client.New(db),
		deliveries: delivery_postgres_client.New(db),

		db: sqlx.NewDb(db, "pgx"),
	}, nil
}

func NewTestDatabaseProvider() DatabaseData {
	return &DatabaseProvider{
		invoices:   invoice_memory_client.New(),
		deliveries: delivery_memory_client.New(),
	}
}

func (dp *DatabaseProvider) ExecuteInTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error {
	if dp.db == nil {
		return fn(ctx)
	}

	return pg.ExecuteTxWithinCtx(ctx, dp.db, isolation, fn)
}

// Invoice
// --------------------------------------------------------------------------------
func (dp *DatabaseProvider) CreateInvoice(ctx context.Context, record *invoice.Record) error {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "CreateInvoice")
	defer tracer.End()

	err := dp.invoices.Put(ctx, record)
	tracer.OnError(err)
	return err
}
func (dp *DatabaseProvider) UpdateInvoice(ctx context.Context, record *invoice.Record) error {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "UpdateInvoice")
	defer tracer.End()

	err := dp.invoices.Update(ctx, record)
	tracer.OnError(err)
	return err
}
func (dp *DatabaseProvider) GetInvoice(ctx context.Context, id string) (*invoice.Record, error) {
	return dp.invoices.Get(ctx, id)
}
func (dp *DatabaseProvider) GetInvoiceByOrderId(ctx context.Context, provider invoice.Provider, orderId string) (*invoice.Record, error) {
	return dp.invoices.GetByOrderId(ctx, provider, orderId)
}
func (dp *DatabaseProvider) GetInvoiceByProviderReference(ctx context.Context, provider invoice.Provider, referenceId string) (*invoice.Record, error) {
	return dp.invoices.GetByProviderReference(ctx, provider, referenceId)
}
func (dp *DatabaseProvider) GetAllInvoicesByStateLastTransitionedBefore(ctx context.Context, states []invoice.State, before time.Time, limit uint64) ([]*invoice.Record, error) {
	return dp.invoices.GetAllByStateLastTransitionedBefore(ctx, states, before, limit)
}
func (dp *DatabaseProvider) CountInvoicesByState(ctx context.Context, state invoice.State) (uint64, error) {
	return dp.invoices.CountByState(ctx, state)
}

// Delivery
// --------------------------------------------------------------------------------
func (dp *DatabaseProvider) CreateDelivery(ctx context.Context, record *delivery.Record) error {
	return dp.deliveries.Put(ctx, record)
}
func (dp *DatabaseProvider) UpdateDelivery(ctx context.Context, record *delivery.Record) error {
	return dp.deliveries.Update(ctx, record)
}
func (dp *DatabaseProvider) GetDelivery(ctx context.Context, deliveryId string) (*delivery.Record, error) {
	return dp.deliveries.Get(ctx, deliveryId)
}
func (dp *DatabaseProvider) GetAllDeliveriesByInvoice(ctx context.Context, invoiceId string) ([]*delivery.Record, error) {
	return dp.deliveries.GetAllByInvoice(ctx, invoiceId)
}
func (dp *DatabaseProvider) CountDeliveriesByState(ctx context.Context, state delivery.State) (uint64, error) {
	return dp.deliveries.CountByState(ctx, state)
}
func (dp *DatabaseProvider) GetAllPendingDeliveriesReadyToSend(ctx context.Context, limit uint64) ([]*delivery.Record, error) {
	return dp.deliveries.GetAllPendingReadyToSend(ctx, limit)
}
