package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorResponse verifies that the recorded HTTP response is a failed
// JSON response with the provided status code. When reason is non-empty, the
// body's machine-readable reason must match.
func AssertErrorResponse(t *testing.T, recorder *httptest.ResponseRecorder, statusCode int, reason string) {
	require.Equal(t, statusCode, recorder.Code, recorder.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])

	if len(reason) > 0 {
		assert.Equal(t, reason, body["reason"])
	}
}
