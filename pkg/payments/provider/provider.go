package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

// RawStateNotFound is reported by GetStatus when the provider no longer knows
// about the reference, which happens after provider-side expiry
const RawStateNotFound = "not_found"

// Request is the canonical invoice creation request sent to a provider
type Request struct {
	InvoiceId string
	OrderId   string

	Amount         decimal.Decimal
	SourceCurrency string
	TargetCurrency string

	Description      string
	CallbackMetadata map[string]string

	ExpiresAt time.Time
}

// Invoice is the provider's response to a successful creation call
type Invoice struct {
	ReferenceId string
	CheckoutUrl string

	// InitialState is the state the invoice is in once the reference is attached
	InitialState invoice.State
	RawState     string

	// ExpiresAt is nil when the provider doesn't report an expiry
	ExpiresAt *time.Time
}

// Status is the result of polling a provider for an invoice
type Status struct {
	ReferenceId string
	RawState    string

	// State is the mapped RawState. StateUnknown means the raw state isn't
	// recognized and the invoice should stay where it is.
	State invoice.State

	SettledAmount   *decimal.Decimal
	SettledCurrency *string
}

// WebhookEvent is a parsed provider webhook
type WebhookEvent struct {
	EventId     string
	ReferenceId string
	RawState    string

	SettledAmount   *decimal.Decimal
	SettledCurrency *string
}

// Estimate is a currency conversion estimate
type Estimate struct {
	From   string
	To     string
	Amount decimal.Decimal

	EstimatedAmount decimal.Decimal
	MinAmount       *decimal.Decimal
}

// Adapter translates one provider's API and webhook format into the engine's
// canonical types. Adapters are stateless and never persist anything. Retries
// are the caller's responsibility.
type Adapter interface {
	Provider() invoice.Provider

	// CreateInvoice creates an invoice or checkout with the provider
	CreateInvoice(ctx context.Context, req *Request) (*Invoice, error)

	// GetStatus polls the provider for the latest invoice status. A reference
	// the provider no longer knows about is reported as EXPIRED with a raw
	// state of RawStateNotFound rather than an error.
	GetStatus(ctx context.Context, referenceId string) (*Status, error)

	// VerifyWebhookSignature validates the webhook signature in constant time
	VerifyWebhookSignature(rawBody []byte, headers http.Header) bool

	// ParseWebhookPayload parses a verified webhook body
	ParseWebhookPayload(rawBody []byte) (*WebhookEvent, error)

	// MapState maps a provider raw state onto an invoice state. Unrecognized
	// values map to invoice.StateUnknown.
	MapState(rawState string) invoice.State

	// GetEstimate returns a conversion estimate for the amount. Returns
	// ErrEstimateNotSupported when the provider has no estimate endpoint.
	GetEstimate(ctx context.Context, from, to string, amount decimal.Decimal) (*Estimate, error)
}

// ReferenceResolver is implemented by adapters whose webhooks can reference an
// object other than the one returned by CreateInvoice. The dispatcher resolves
// the event's reference before looking up the invoice. A reference that cannot
// be resolved is returned unchanged.
type ReferenceResolver interface {
	ResolveReference(ctx context.Context, event *WebhookEvent) (string, error)
}

// NotFoundStatus is the Status adapters report for a reference the provider
// no longer knows about
func NotFoundStatus(referenceId string) *Status {
	return &Status{
		ReferenceId: referenceId,
		RawState:    RawStateNotFound,
		State:       invoice.StateExpired,
	}
}
