// Package hmacauth implements the request authentication protocol used by the
// ingestion API: a per-request HMAC-SHA256 signature over a canonical string,
// plus a TTL-bounded nonce cache that rejects replays.
//
// The canonical string is METHOD, PATH (including query), TIMESTAMP, NONCE,
// DEVICE_ID and the raw body, joined with newlines and no trailing newline.
// Signatures are base64-encoded and compared in constant time.
package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CanonicalString builds the exact byte string both sides sign. body may be
// nil for body-less requests; it contributes an empty final segment.
func CanonicalString(method, pathWithQuery, timestamp, nonce, deviceID string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(pathWithQuery) + len(timestamp) + len(nonce) + len(deviceID) + len(body) + 5)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(pathWithQuery)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(deviceID)
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

// Sign computes the base64-encoded HMAC-SHA256 of canonical under secret.
func Sign(canonical string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the supplied signature matches the expected one.
// The comparison is constant-time; callers must not log either value.
func Verify(expected, supplied string) bool {
	if expected == "" || supplied == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(supplied))
}
