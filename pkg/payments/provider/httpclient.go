package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/rate"
)

const (
	maxResponseBodySize = 1 << 20
	maxReasonLength     = 256
)

// HttpClient is the shared REST transport used by adapters. It applies the
// outbound rate limit and classifies responses into the provider error types.
type HttpClient struct {
	httpClient *http.Client
	limiter    rate.Waiter
	metricName string
}

// NewHttpClient returns a new HttpClient. A non-positive ratePerSecond
// disables the outbound limit.
func NewHttpClient(metricName string, httpClient *http.Client, ratePerSecond float64) *HttpClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &HttpClient{
		httpClient: httpClient,
		limiter:    rate.NewWaiter(ratePerSecond, 1),
		metricName: metricName,
	}
}

// NewJsonRequest builds a request with an optional JSON encoded body. The
// encoded body is returned so callers can sign it.
func NewJsonRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, []byte, error) {
	var encoded []byte
	var reader io.Reader
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "error marshalling request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating http request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, encoded, nil
}

// Do executes the request and decodes a 2xx JSON response into out, which may
// be nil. Failures are reported as ErrTransient, ErrNotFound, ErrMalformedPayload
// or *RejectedError.
func (c *HttpClient) Do(req *http.Request, operation string, out interface{}) error {
	tracer := metrics.TraceMethodCall(req.Context(), c.metricName, operation)
	defer tracer.End()

	err := c.do(req, out)
	tracer.OnError(err)
	return err
}

func (c *HttpClient) do(req *http.Request, out interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrTransient, "error executing http request: %s", err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return errors.Wrapf(ErrTransient, "error reading response body: %s", err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errors.Wrapf(ErrTransient, "received http status %d: %s", resp.StatusCode, truncate(string(respBody)))
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "received http status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &RejectedError{
			StatusCode: resp.StatusCode,
			Reason:     extractReason(respBody),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.Wrapf(ErrTransient, "unexpected http status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(ErrMalformedPayload, "error unmarshalling json response: %s", err.Error())
	}
	return nil
}

// extractReason pulls a human readable message out of the common provider
// error body shapes, falling back to the raw body
func extractReason(body []byte) string {
	var parsed struct {
		Message string      `json:"message"`
		Msg     string      `json:"msg"`
		Error   interface{} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case len(parsed.Message) > 0:
			return truncate(parsed.Message)
		case len(parsed.Msg) > 0:
			return truncate(parsed.Msg)
		}

		switch typed := parsed.Error.(type) {
		case string:
			if len(typed) > 0 {
				return truncate(typed)
			}
		case map[string]interface{}:
			if message, ok := typed["message"].(string); ok && len(message) > 0 {
				return truncate(message)
			}
		}
	}

	if len(body) == 0 {
		return "no reason provided"
	}
	return truncate(string(body))
}

func truncate(value string) string {
	if len(value) > maxReasonLength {
		return value[:maxReasonLength]
	}
	return value
}
