package provider

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// CanonicalJson re-serializes a JSON object with keys sorted at every level,
// no insignificant whitespace and numbers kept verbatim. Top level keys in
// omit are dropped.
func CanonicalJson(raw []byte, omit ...string) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var parsed map[string]interface{}
	if err := decoder.Decode(&parsed); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	for _, key := range omit {
		delete(parsed, key)
	}

	// encoding/json sorts map keys
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(parsed); err != nil {
		return nil, errors.Wrap(err, "error encoding canonical json")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HmacSha512Hex returns the lower case hex HMAC-SHA512 of data
func HmacSha512Hex(secret string, data []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// HmacSha256Base64 returns the standard base64 HMAC-SHA256 of data
func HmacSha256Base64(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// EqualSignatures compares two signatures in constant time, ignoring case
// for hex encodings
func EqualSignatures(expected, actual string, caseInsensitive bool) bool {
	if len(actual) == 0 {
		return false
	}

	if caseInsensitive {
		expected = strings.ToLower(expected)
		actual = strings.ToLower(actual)
	}
	return hmac.Equal([]byte(expected), []byte(actual))
}
