// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the HMAC authentication gate for write paths. Every
// request under a protected prefix must carry four headers (X-Device-Id,
// X-Timestamp, X-Nonce, X-Signature); the gate recomputes the signature over
// the canonical request string with the device's shared secret and rejects
// mismatches, stale timestamps, unknown devices, and replayed nonces.
//
// All failures return the same 401 body. The concrete reason (bad signature
// vs. expired timestamp vs. replay) is logged server-side only, so the
// response itself leaks nothing an attacker can iterate on. Secrets and
// signatures never appear in logs.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/healthassistant/go-health-backend/internal/hmacauth"
)

// Gin context key under which the authenticated device id is stored.
const DeviceIDKey = "deviceID"

// Authentication header names.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// maxSignedBody caps how much request body the gate will buffer for signing.
// Requests larger than this fail authentication; the body limit middleware
// enforces the same ceiling for the handler anyway.
const maxSignedBody = 4 << 20

// HMACAuthConfig carries the gate's settings.
type HMACAuthConfig struct {
	// DeviceSecrets maps device id to shared secret.
	DeviceSecrets map[string][]byte
	// Tolerance is the accepted clock skew in either direction.
	Tolerance time.Duration
	// Prefixes lists the path prefixes the gate protects. Paths outside
	// every prefix pass through untouched.
	Prefixes []string
	// Replay tracks seen nonces per device.
	Replay *hmacauth.ReplayGuard
}

// HMACAuth returns the authentication gate middleware.
//
// On success the device id is stored in the Gin context under DeviceIDKey and
// the buffered body is restored so downstream binding sees the full payload.
// On any failure the request is aborted with a uniform 401.
func HMACAuth(cfg HMACAuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pathProtected(c.Request.URL.Path, cfg.Prefixes) {
			c.Next()
			return
		}

		lg := LoggerFrom(c)

		deviceID := c.GetHeader(HeaderDeviceID)
		timestamp := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		signature := c.GetHeader(HeaderSignature)
		if deviceID == "" || timestamp == "" || nonce == "" || signature == "" {
			lg.Warn().Str("device_id", deviceID).Msg("hmac: missing authentication header")
			unauthorized(c)
			return
		}

		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			lg.Warn().Str("device_id", deviceID).Msg("hmac: unparseable timestamp")
			unauthorized(c)
			return
		}
		if skew := time.Since(ts); skew > cfg.Tolerance || skew < -cfg.Tolerance {
			lg.Warn().Str("device_id", deviceID).Dur("skew", skew).
				Msg("hmac: timestamp outside tolerance")
			unauthorized(c)
			return
		}

		secret, ok := cfg.DeviceSecrets[deviceID]
		if !ok {
			lg.Warn().Str("device_id", deviceID).Msg("hmac: unknown device")
			unauthorized(c)
			return
		}

		body, err := readBody(c)
		if err != nil {
			lg.Warn().Str("device_id", deviceID).Err(err).Msg("hmac: body read failed")
			unauthorized(c)
			return
		}

		canonical := hmacauth.CanonicalString(
			c.Request.Method,
			c.Request.URL.RequestURI(),
			timestamp,
			nonce,
			deviceID,
			body,
		)
		expected := hmacauth.Sign(canonical, secret)
		if !hmacauth.Verify(expected, signature) {
			lg.Warn().Str("device_id", deviceID).Msg("hmac: signature mismatch")
			unauthorized(c)
			return
		}

		// Signature checks out; only now spend a nonce slot. Claiming earlier
		// would let unauthenticated traffic burn nonces for a real device.
		if !cfg.Replay.Claim(deviceID, nonce) {
			lg.Warn().Str("device_id", deviceID).Msg("hmac: nonce replayed")
			unauthorized(c)
			return
		}

		c.Set(DeviceIDKey, deviceID)
		c.Next()
	}
}

// DeviceIDFrom returns the authenticated device id, or "" when the request
// did not pass through the gate.
func DeviceIDFrom(c *gin.Context) string {
	v, _ := c.Get(DeviceIDKey)
	s, _ := v.(string)
	return s
}

func pathProtected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// readBody buffers the request body for signing and restores it so handlers
// can still bind it.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSignedBody {
		return nil, io.ErrShortBuffer
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// unauthorized aborts with the uniform failure body shared by every
// authentication outcome.
func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    "authentication failed",
	})
}
