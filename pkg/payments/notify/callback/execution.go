package callback

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
)

const (
	metricsPackageName = "callback"

	contentTypeHeaderName  = "Content-Type"
	contentTypeHeaderValue = "application/jwt"

	DeliveryIdClaim = "deliveryId"
)

// Execute sends the delivery to its subscriber as a JWT signed with signer.
// It does not manage the DB record's state.
func Execute(
	ctx context.Context,
	httpClient *http.Client,
	signer ed25519.PrivateKey,
	record *delivery.Record,
	timeout time.Duration,
) error {
	tracer := metrics.TraceMethodCall(ctx, metricsPackageName, "Execute")
	defer tracer.End()

	err := func() error {
		//
		// Part 1: Basic validation checks
		//

		if record.State != delivery.StatePending {
			return errors.New("delivery is not in a pending state")
		}

		if record.NextAttemptAt == nil || record.NextAttemptAt.After(time.Now()) {
			return errors.New("delivery is not scheduled yet")
		}

		//
		// Part 2: Generate the JWT HTTP request body
		//

		decoder := json.NewDecoder(bytes.NewReader(record.Payload))
		decoder.UseNumber()

		claims := make(jwt.MapClaims)
		if err := decoder.Decode(&claims); err != nil {
			return errors.Wrap(err, "error decoding delivery payload")
		}
		claims[DeliveryIdClaim] = record.DeliveryId

		token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		requestBody, err := token.SignedString(signer)
		if err != nil {
			return errors.Wrap(err, "error signing jwt")
		}

		//
		// Part 3: Execute the HTTP POST
		//

		callbackCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callbackCtx, http.MethodPost, record.Url, strings.NewReader(requestBody))
		if err != nil {
			return errors.Wrap(err, "error creating http request")
		}
		req.Header.Set(contentTypeHeaderName, contentTypeHeaderValue)

		resp, err := httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "error executing http post request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("%d status code returned", resp.StatusCode)
		}
		return nil
	}()

	if err != nil {
		tracer.OnError(err)
	}
	return err
}
