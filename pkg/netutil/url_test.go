package netutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHttpUrl(t *testing.T) {
	for _, tc := range []struct {
		value         string
		requireSecure bool
		valid         bool
	}{
		{"https://merchant.example.com/payments/callback", true, true},
		{"http://merchant.example.com/payments/callback", false, true},
		{"http://merchant.example.com/payments/callback", true, false},
		{"http://localhost:8080/callback", true, true},
		{"http://127.0.0.1:8080/callback", true, true},
		{"ftp://merchant.example.com", false, false},
		{"merchant.example.com/callback", false, false},
		{"https:///callback", false, false},
	} {
		parsed, err := ValidateHttpUrl(tc.value, tc.requireSecure)
		if tc.valid {
			require.NoError(t, err, tc.value)
			assert.NotNil(t, parsed)
		} else {
			assert.Error(t, err, tc.value)
		}
	}
}

func TestGetAvailablePortForAddress(t *testing.T) {
	port, err := GetAvailablePortForAddress("localhost")
	require.NoError(t, err)
	assert.True(t, port > 0)
}
