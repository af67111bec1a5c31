package web

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/quote"
)

type createInvoiceRequest struct {
	OrderId          string            `json:"orderId"`
	Amount           decimal.Decimal   `json:"amount"`
	SourceCurrency   string            `json:"sourceCurrency"`
	TargetCurrency   string            `json:"targetCurrency"`
	Provider         string            `json:"provider"`
	Description      string            `json:"description"`
	CallbackMetadata map[string]string `json:"callbackMetadata"`
}

type webhookEventView struct {
	EventId    string    `json:"eventId"`
	ReceivedAt time.Time `json:"receivedAt"`
	RawState   string    `json:"rawState"`
	Source     string    `json:"source"`
	Outcome    string    `json:"outcome"`
}

type invoiceView struct {
	Id                     string             `json:"id"`
	OrderId                string             `json:"orderId"`
	Provider               string             `json:"provider"`
	ProviderReferenceId    *string            `json:"providerReferenceId,omitempty"`
	CheckoutUrl            *string            `json:"checkoutUrl,omitempty"`
	State                  string             `json:"state"`
	FailureReason          *string            `json:"failureReason,omitempty"`
	RequestedAmount        string             `json:"requestedAmount"`
	RequestedCurrency      string             `json:"requestedCurrency"`
	TargetCurrency         string             `json:"targetCurrency"`
	Description            string             `json:"description,omitempty"`
	CallbackMetadata       map[string]string  `json:"callbackMetadata,omitempty"`
	SettledAmount          *string            `json:"settledAmount,omitempty"`
	SettledCurrency        *string            `json:"settledCurrency,omitempty"`
	WebhookEventsSeen      []webhookEventView `json:"webhookEventsSeen"`
	ReconciliationAttempts uint32             `json:"reconciliationAttempts"`
	CreatedAt              time.Time          `json:"createdAt"`
	LastTransitionAt       time.Time          `json:"lastTransitionAt"`
	ExpiresAt              time.Time          `json:"expiresAt"`
}

func toInvoiceView(record *invoice.Record) *invoiceView {
	view := &invoiceView{
		Id:                     record.Id,
		OrderId:                record.OrderId,
		Provider:               record.Provider.String(),
		ProviderReferenceId:    record.ProviderReferenceId,
		CheckoutUrl:            record.CheckoutUrl,
		State:                  record.State.String(),
		FailureReason:          record.FailureReason,
		RequestedAmount:        record.RequestedAmount.String(),
		RequestedCurrency:      record.RequestedCurrency,
		TargetCurrency:         record.TargetCurrency,
		Description:            record.Description,
		CallbackMetadata:       record.CallbackMetadata,
		SettledCurrency:        record.SettledCurrency,
		WebhookEventsSeen:      make([]webhookEventView, 0, len(record.WebhookEventsSeen)),
		ReconciliationAttempts: record.ReconciliationAttempts,
		CreatedAt:              record.CreatedAt,
		LastTransitionAt:       record.LastTransitionAt,
		ExpiresAt:              record.ExpiresAt,
	}

	if record.SettledAmount != nil {
		settled := record.SettledAmount.String()
		view.SettledAmount = &settled
	}

	for _, event := range record.WebhookEventsSeen {
		view.WebhookEventsSeen = append(view.WebhookEventsSeen, webhookEventView{
			EventId:    event.EventId,
			ReceivedAt: event.ReceivedAt,
			RawState:   event.RawState,
			Source:     event.Source.String(),
			Outcome:    event.Outcome.String(),
		})
	}

	return view
}

func toEstimateResponse(estimate *quote.Quote) GenericApiResponseBody {
	body := NewGenericApiSuccessResponseBody()
	body["provider"] = estimate.Provider.String()
	body["from"] = estimate.From
	body["to"] = estimate.To
	body["amount"] = estimate.Amount.String()
	body["estimatedAmount"] = estimate.EstimatedAmount.String()
	if estimate.MinAmount != nil {
		body["minAmount"] = estimate.MinAmount.String()
	}
	body["cached"] = estimate.Cached
	return body
}
