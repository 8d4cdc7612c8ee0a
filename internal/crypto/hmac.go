package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Exchange request-signing header names.
const (
	HeaderAccessKey        = "OK-ACCESS-KEY"
	HeaderAccessSign       = "OK-ACCESS-SIGN"
	HeaderAccessTimestamp  = "OK-ACCESS-TIMESTAMP"
	HeaderAccessPassphrase = "OK-ACCESS-PASSPHRASE"
)

// timestampLayout is ISO-8601 UTC with millisecond precision, as the exchange
// expects in the signed prefix.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the exchange REST API.
type HMACAuth struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"` // used raw as the HMAC key
	Passphrase string `json:"passphrase"`
}

// HeadersAt returns the HTTP headers for an authenticated request signed at
// the given time. The signature is HMAC-SHA256(secret,
// timestamp+method+path+body) encoded as base64. path includes the query
// string.
func (h *HMACAuth) HeadersAt(method, path, body string, at time.Time) map[string]string {
	ts := at.UTC().Format(timestampLayout)
	sig := Sign(h.Secret, ts, method, path, body)

	return map[string]string{
		HeaderAccessKey:        h.Key,
		HeaderAccessSign:       sig,
		HeaderAccessTimestamp:  ts,
		HeaderAccessPassphrase: h.Passphrase,
	}
}

// Sign computes the request signature over ts+method+path+body.
func Sign(secret, ts, method, path, body string) string {
	return hmacSHA256Base64([]byte(secret), ts+method+path+body)
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
