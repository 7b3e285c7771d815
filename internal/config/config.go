// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, HMAC authentication,
// ingestion limits, projector retry policy, rate limiting, and observability.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/healthassistant/go-health-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-health-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// HMACConfig defines the request-authentication settings for protected paths.
//
// DeviceSecrets maps a device id to its shared HMAC secret. The env format is
// a comma-separated list of "deviceId:base64Secret" pairs
// (HMAC_DEVICE_SECRETS=phone-1:c2VjcmV0,watch-2:b3RoZXI=).
type HMACConfig struct {
	DeviceSecrets     map[string][]byte
	Tolerance         time.Duration // accepted clock skew in both directions
	ProtectedPrefixes []string      // request paths guarded by the HMAC gate
}

// IngestConfig bounds a single batch submission.
type IngestConfig struct {
	MaxBatch     int   // request-level cap on items per batch
	MaxBodyBytes int64 // request body size cap
}

// RollupConfig tunes the projection engine.
type RollupConfig struct {
	Timezone    string        // IANA zone used to bucket events into local days/hours
	MaxAttempts int           // bounded retries on storage conflicts
	BaseBackoff time.Duration // first retry delay; doubles per attempt, with jitter
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route

	// App
	DBPath string // SQLite path

	HMAC   HMACConfig
	Ingest IngestConfig
	Rollup RollupConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	secrets, err := parseDeviceSecrets(getenv("HMAC_DEVICE_SECRETS", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),

		// App
		DBPath: getenv("DB_PATH", "health.db"),

		HMAC: HMACConfig{
			DeviceSecrets:     secrets,
			Tolerance:         getdur("HMAC_TOLERANCE", 600*time.Second),
			ProtectedPrefixes: splitCSV(getenv("HMAC_PROTECTED_PREFIXES", "/v1/ingest/")),
		},

		Ingest: IngestConfig{
			MaxBatch:     getint("INGEST_MAX_BATCH", 500),
			MaxBodyBytes: int64(getint("INGEST_MAX_BODY_BYTES", 1<<20)),
		},

		Rollup: RollupConfig{
			Timezone:    getenv("ROLLUP_TIMEZONE", "UTC"),
			MaxAttempts: getint("ROLLUP_MAX_ATTEMPTS", 3),
			BaseBackoff: getdur("ROLLUP_BASE_BACKOFF", 50*time.Millisecond),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-health-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.HMAC.Tolerance <= 0 {
		return cfg, errors.New("HMAC_TOLERANCE must be > 0")
	}
	if len(cfg.HMAC.ProtectedPrefixes) == 0 {
		return cfg, errors.New("HMAC_PROTECTED_PREFIXES must not be empty")
	}
	if cfg.Ingest.MaxBatch < 1 {
		return cfg, errors.New("INGEST_MAX_BATCH must be >= 1")
	}
	if cfg.Ingest.MaxBodyBytes <= 0 {
		return cfg, errors.New("INGEST_MAX_BODY_BYTES must be > 0")
	}
	if _, err := time.LoadLocation(cfg.Rollup.Timezone); err != nil {
		return cfg, fmt.Errorf("ROLLUP_TIMEZONE is not a valid IANA zone: %w", err)
	}
	if cfg.Rollup.MaxAttempts < 1 {
		return cfg, errors.New("ROLLUP_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Rollup.BaseBackoff <= 0 {
		return cfg, errors.New("ROLLUP_BASE_BACKOFF must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// parseDeviceSecrets decodes "deviceId:base64Secret" pairs. An empty input is
// allowed (the gate then rejects every protected request, which is the safe
// default for a misconfigured deployment).
func parseDeviceSecrets(s string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, pair := range splitCSV(s) {
		id, b64, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("HMAC_DEVICE_SECRETS entry %q is not deviceId:base64Secret", pair)
		}
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return nil, fmt.Errorf("HMAC_DEVICE_SECRETS secret for %q is not valid base64: %w", id, err)
		}
		if len(secret) == 0 {
			return nil, fmt.Errorf("HMAC_DEVICE_SECRETS secret for %q is empty", id)
		}
		out[strings.TrimSpace(id)] = secret
	}
	return out, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
