package delivery

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("delivery record not found")
	ErrAlreadyExists = errors.New("delivery record already exists")
)

type Store interface {
	// Put creates a delivery record
	//
	// Returns ErrAlreadyExists if a record already exists.
	Put(ctx context.Context, record *Record) error

	// Update updates the delivery state of a record
	//
	// Returns ErrNotFound if no record exists.
	Update(ctx context.Context, record *Record) error

	// Get finds the delivery record for a given delivery ID
	//
	// Returns ErrNotFound if no record is found.
	Get(ctx context.Context, deliveryId string) (*Record, error)

	// GetAllByInvoice gets all delivery records for an invoice in creation order
	//
	// Returns ErrNotFound if no record is found.
	GetAllByInvoice(ctx context.Context, invoiceId string) ([]*Record, error)

	// CountByState counts all delivery records in a provided state
	CountByState(ctx context.Context, state State) (uint64, error)

	// GetAllPendingReadyToSend gets all delivery records in the pending state
	// that have an attempt scheduled to be sent.
	//
	// Returns ErrNotFound if no record is found.
	//
	// Note: No traditional pagination since it's expected the next attempt
	//       timestamp is updated or the state transitions to a terminal value.
	GetAllPendingReadyToSend(ctx context.Context, limit uint64) ([]*Record, error)
}
