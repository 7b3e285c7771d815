package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/healthassistant/go-health-backend/internal/hmacauth"
)

const testSecret = "shared-secret"

func newAuthEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HMACAuth(HMACAuthConfig{
		DeviceSecrets: map[string][]byte{"watch-01": []byte(testSecret)},
		Tolerance:     600 * time.Second,
		Prefixes:      []string{"/v1/ingest/"},
		Replay:        hmacauth.NewReplayGuard(20*time.Minute, nil),
	}))
	r.POST("/v1/ingest/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device": DeviceIDFrom(c)})
	})
	r.GET("/v1/steps/range", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"open": true})
	})
	return r
}

func signedRequest(t *testing.T, deviceID, nonce, timestamp string, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/events", bytes.NewReader(body))
	canonical := hmacauth.CanonicalString(http.MethodPost, "/v1/ingest/events", timestamp, nonce, deviceID, body)
	req.Header.Set(HeaderDeviceID, deviceID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hmacauth.Sign(canonical, []byte(secret)))
	return req
}

func TestHMACAuth_ValidRequestPasses(t *testing.T) {
	r := newAuthEngine(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "watch-01", "nonce-1", ts, []byte(`{"events":[]}`), testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("watch-01")) {
		t.Fatalf("device id not propagated to handler: %s", w.Body.String())
	}
}

func TestHMACAuth_UnprotectedPathPassesThrough(t *testing.T) {
	r := newAuthEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/steps/range", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("read path must not require authentication, got %d", w.Code)
	}
}

func TestHMACAuth_MissingHeader(t *testing.T) {
	r := newAuthEngine(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	for _, drop := range []string{HeaderDeviceID, HeaderTimestamp, HeaderNonce, HeaderSignature} {
		req := signedRequest(t, "watch-01", "nonce-"+drop, ts, []byte("{}"), testSecret)
		req.Header.Del(drop)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("dropping %s: expected 401, got %d", drop, w.Code)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte("authentication failed")) {
			t.Fatalf("dropping %s: expected uniform failure body, got %s", drop, w.Body.String())
		}
	}
}

func TestHMACAuth_UnknownDeviceAndWrongSecret(t *testing.T) {
	r := newAuthEngine(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "phone-99", "n1", ts, []byte("{}"), testSecret))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown device: expected 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "watch-01", "n2", ts, []byte("{}"), "wrong-secret"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", w.Code)
	}
}

func TestHMACAuth_TamperedBody(t *testing.T) {
	r := newAuthEngine(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	req := signedRequest(t, "watch-01", "n3", ts, []byte(`{"count":100}`), testSecret)
	req.Body = httptest.NewRequest(http.MethodPost, "/v1/ingest/events", bytes.NewReader([]byte(`{"count":999}`))).Body
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body: expected 401, got %d", w.Code)
	}
}

func TestHMACAuth_TimestampTolerance(t *testing.T) {
	r := newAuthEngine(t)

	cases := []struct {
		name string
		ts   time.Time
		want int
	}{
		{"just inside past", time.Now().UTC().Add(-9 * time.Minute), http.StatusOK},
		{"just inside future", time.Now().UTC().Add(9 * time.Minute), http.StatusOK},
		{"too old", time.Now().UTC().Add(-11 * time.Minute), http.StatusUnauthorized},
		{"too far ahead", time.Now().UTC().Add(11 * time.Minute), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, signedRequest(t, "watch-01", "nonce-"+tc.name, tc.ts.Format(time.RFC3339), []byte("{}"), testSecret))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestHMACAuth_NonceReplayRejected(t *testing.T) {
	r := newAuthEngine(t)
	ts := time.Now().UTC().Format(time.RFC3339)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "watch-01", "replayed", ts, []byte("{}"), testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("first use: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "watch-01", "replayed", ts, []byte("{}"), testSecret))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", w.Code)
	}
}

func TestHMACAuth_BodyRestoredForHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HMACAuth(HMACAuthConfig{
		DeviceSecrets: map[string][]byte{"watch-01": []byte(testSecret)},
		Tolerance:     600 * time.Second,
		Prefixes:      []string{"/v1/ingest/"},
		Replay:        hmacauth.NewReplayGuard(20*time.Minute, nil),
	}))
	var seen struct {
		Count int `json:"count"`
	}
	r.POST("/v1/ingest/events", func(c *gin.Context) {
		if err := c.ShouldBindJSON(&seen); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	})

	ts := time.Now().UTC().Format(time.RFC3339)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "watch-01", "n-body", ts, []byte(`{"count":42}`), testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if seen.Count != 42 {
		t.Fatalf("handler saw a drained body: %+v", seen)
	}
}
