package invoice

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("invoice record not found")
	ErrAlreadyExists = errors.New("invoice record already exists")
	ErrStaleVersion  = errors.New("invoice record version is stale")
)

type Store interface {
	// Put creates a new invoice record at version 1
	//
	// Returns ErrAlreadyExists if a record with the same ID, or the same
	// provider and order ID, already exists.
	Put(ctx context.Context, record *Record) error

	// Update persists the mutable fields of an invoice if, and only if, the
	// stored version matches record.Version. Events in the history that aren't
	// persisted yet are appended. On success, record reflects the stored state
	// with an incremented version.
	//
	// Returns ErrNotFound if no record exists, ErrStaleVersion if the record
	// was updated concurrently and ErrAlreadyExists if the provider reference
	// is already used by another invoice of the same provider.
	Update(ctx context.Context, record *Record) error

	// Get gets an invoice by its ID
	//
	// Returns ErrNotFound if no record is found.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByOrderId gets an invoice by the caller's order ID for a provider
	//
	// Returns ErrNotFound if no record is found.
	GetByOrderId(ctx context.Context, provider Provider, orderId string) (*Record, error)

	// GetByProviderReference gets an invoice by the provider's own reference
	//
	// Returns ErrNotFound if no record is found.
	GetByProviderReference(ctx context.Context, provider Provider, referenceId string) (*Record, error)

	// GetAllByStateLastTransitionedBefore gets invoices in any of the provided
	// states whose last transition happened before the provided time, oldest
	// transition first.
	//
	// Returns ErrNotFound if no record is found.
	GetAllByStateLastTransitionedBefore(ctx context.Context, states []State, before time.Time, limit uint64) ([]*Record, error)

	// CountByState counts all invoices in a provided state
	CountByState(ctx context.Context, state State) (uint64, error)
}
