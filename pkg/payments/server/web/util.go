package web

import (
	"errors"
	"net/http"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/dispatch"
	"github.com/code-payments/payments-engine/pkg/payments/engine"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
)

const (
	ReasonInvalidRequest        = "invalid_request"
	ReasonNotFound              = "not_found"
	ReasonUnknownProvider       = "unknown_provider"
	ReasonSignatureInvalid      = "signature_invalid"
	ReasonMalformedPayload      = "malformed_payload"
	ReasonProviderRejected      = "provider_rejected"
	ReasonProviderUnavailable   = "provider_unavailable"
	ReasonEstimateNotSupported  = "estimate_not_supported"
	ReasonRateLimited           = "rate_limited"
	ReasonInternalError         = "internal_error"
	ReasonPayloadTooLarge       = "payload_too_large"
	ReasonStreamingNotSupported = "streaming_not_supported"
)

type GenericApiResponseBody map[string]interface{}

func NewGenericApiSuccessResponseBody() GenericApiResponseBody {
	return GenericApiResponseBody{
		"success": true,
	}
}

func NewGenericApiFailureResponseBody(reason string, err error) GenericApiResponseBody {
	body := GenericApiResponseBody{
		"success": false,
		"reason":  reason,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	return body
}

// errorToResponse maps errors surfaced by the engine, ledger and dispatcher
// to an HTTP status code and failure body
func errorToResponse(err error) (int, GenericApiResponseBody) {
	if validationErr, ok := engine.IsValidationError(err); ok {
		body := NewGenericApiFailureResponseBody(ReasonInvalidRequest, err)
		body["field"] = validationErr.Field
		return http.StatusBadRequest, body
	}

	if rejected, ok := provider.IsRejected(err); ok {
		body := NewGenericApiFailureResponseBody(ReasonProviderRejected, err)
		body["providerReason"] = rejected.Reason
		return http.StatusUnprocessableEntity, body
	}

	switch {
	case errors.Is(err, invoice.ErrNotFound):
		return http.StatusNotFound, NewGenericApiFailureResponseBody(ReasonNotFound, nil)
	case errors.Is(err, dispatch.ErrUnknownProvider):
		return http.StatusNotFound, NewGenericApiFailureResponseBody(ReasonUnknownProvider, err)
	case errors.Is(err, dispatch.ErrSignatureInvalid):
		// Don't leak which part of verification failed
		return http.StatusUnauthorized, NewGenericApiFailureResponseBody(ReasonSignatureInvalid, nil)
	case errors.Is(err, dispatch.ErrMalformedPayload):
		return http.StatusBadRequest, NewGenericApiFailureResponseBody(ReasonMalformedPayload, err)
	case errors.Is(err, provider.ErrEstimateNotSupported):
		return http.StatusUnprocessableEntity, NewGenericApiFailureResponseBody(ReasonEstimateNotSupported, err)
	case provider.IsTransient(err):
		return http.StatusServiceUnavailable, NewGenericApiFailureResponseBody(ReasonProviderUnavailable, nil)
	}

	return http.StatusInternalServerError, NewGenericApiFailureResponseBody(ReasonInternalError, nil)
}
