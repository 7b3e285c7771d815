package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/healthassistant/go-health-backend/internal/config"
	"github.com/healthassistant/go-health-backend/internal/hmacauth"
	"github.com/healthassistant/go-health-backend/internal/http/middleware"
	"github.com/healthassistant/go-health-backend/internal/repo"
	"github.com/healthassistant/go-health-backend/internal/services"
)

func newRouterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		Port:              "8080",
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		GinMode:           "test",
		LogLevel:          "error",
		DBPath:            "ignored",
		HMAC: config.HMACConfig{
			DeviceSecrets:     map[string][]byte{"watch-01": []byte("shared-secret")},
			Tolerance:         600 * time.Second,
			ProtectedPrefixes: []string{"/v1/ingest/"},
		},
		Ingest: config.IngestConfig{MaxBatch: 500, MaxBodyBytes: 1 << 20},
		Rollup: config.RollupConfig{Timezone: "UTC", MaxAttempts: 3, BaseBackoff: time.Millisecond},
		RateRPS:   1000,
		RateBurst: 1000,
	}
}

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newRouterDB(t), testConfig())
	return r
}

func signedIngest(t *testing.T, body []byte, nonce string) *http.Request {
	t.Helper()
	ts := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest/events", bytes.NewReader(body))
	canonical := hmacauth.CanonicalString(http.MethodPost, "/v1/ingest/events", ts, nonce, "watch-01", body)
	req.Header.Set(middleware.HeaderDeviceID, "watch-01")
	req.Header.Set(middleware.HeaderTimestamp, ts)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderSignature, hmacauth.Sign(canonical, []byte("shared-secret")))
	return req
}

func TestRouter_Health(t *testing.T) {
	r := newEngine(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header on every response")
	}
}

func TestRouter_NotFoundEnvelope(t *testing.T) {
	r := newEngine(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp["code"] != "not_found" {
		t.Fatalf("expected not_found envelope, got %v", resp)
	}
}

func TestRouter_IngestRequiresAuth(t *testing.T) {
	r := newEngine(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ingest/events",
		bytes.NewReader([]byte(`{"events":[]}`))))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned ingest must be rejected, got %d", w.Code)
	}
}

func TestRouter_IngestThenQueryRoundTrip(t *testing.T) {
	r := newEngine(t)

	body, err := json.Marshal(map[string]any{
		"events": []map[string]any{
			{
				"type":       "StepsBucketedRecorded.v1",
				"occurredAt": "2026-08-30T10:00:00Z",
				"payload": map[string]any{
					"bucketStart": "2026-08-30T10:00:00Z",
					"bucketEnd":   "2026-08-30T10:15:00Z",
					"count":       742,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedIngest(t, body, "roundtrip-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	q := httptest.NewRequest(http.MethodGet, "/v1/steps/daily/2026-08-30?deviceId=watch-01", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, q)
	if w.Code != http.StatusOK {
		t.Fatalf("query: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var out services.DailyBreakdown
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode breakdown: %v", err)
	}
	if out.Total != 742 {
		t.Fatalf("expected total 742 after ingest, got %+v", out)
	}
	if len(out.Hours) != 24 || out.Hours[10].Value != 742 {
		t.Fatalf("expected hour 10 to carry the steps, got %+v", out.Hours)
	}
}
