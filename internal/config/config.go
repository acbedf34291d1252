// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the settings of
// both binaries: server timeouts and web protection for cmd/server, loop
// tuning (concurrency, intervals, retry caps) for cmd/worker, and the
// shared store, gateway, and sink credentials.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-outreach-engine")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GatewayConfig holds the payment-gateway credentials and endpoints.
type GatewayConfig struct {
	BaseURL       string // GATEWAY_BASE_URL
	SecretKey     string // GATEWAY_SECRET_KEY (bearer token for the API)
	WebhookSecret string // GATEWAY_WEBHOOK_SECRET (HMAC key for callbacks)
	SuccessURL    string // CHECKOUT_SUCCESS_URL
	CancelURL     string // CHECKOUT_CANCEL_URL
	Currency      string // CHECKOUT_CURRENCY (ISO 4217)
	ProductName   string // CHECKOUT_PRODUCT_NAME
}

// SinksConfig holds the analytics sink endpoints and credentials. Empty
// values disable the respective sink.
type SinksConfig struct {
	OrderURL    string // ORDER_SINK_URL
	OrderToken  string // ORDER_SINK_TOKEN
	EventURL    string // EVENT_SINK_URL (graph API base)
	PixelID     string // EVENT_SINK_PIXEL_ID
	AccessToken string // EVENT_SINK_ACCESS_TOKEN
}

// MessagesConfig holds the outbound copy. Everything is overridable so a
// deployment can localize without a rebuild.
type MessagesConfig struct {
	Welcome       string // MSG_WELCOME first-contact copy
	Followup      string // MSG_FOLLOWUP one-shot nudge copy
	CheckoutRetry string // MSG_CHECKOUT_RETRY sent when session creation failed
}

// WorkerConfig tunes the orchestration loops.
type WorkerConfig struct {
	MaxConcurrent int           // WORKER_MAX_CONCURRENT in-flight handler tasks
	PopTimeout    time.Duration // WORKER_POP_TIMEOUT blocking-pop timeout
	FollowupDelay time.Duration // FOLLOWUP_DELAY default schedule offset
	FollowupBatch int           // FOLLOWUP_BATCH due entries per sweep
	PollInterval  time.Duration // PAYMENT_POLL_INTERVAL between poll sweeps
	PollBatch     int           // PAYMENT_POLL_BATCH pending subjects per sweep
	PollWorkers   int           // PAYMENT_POLL_WORKERS concurrent status queries
	RetryInterval time.Duration // RETRY_DRAIN_INTERVAL between drains
	RetryMax      int           // RETRY_MAX_ATTEMPTS before dropping an item
	RetryBatch    int           // RETRY_DRAIN_BATCH items per drain
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

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Store
	RedisURL string // REDIS_URL, e.g. redis://localhost:6379/0

	// Chat platform
	BotAPIBase string // BOT_API_BASE, e.g. https://api.telegram.org
	BotToken   string // BOT_TOKEN
	BotID      int64  // BOT_ID owning-process tag for subject records
	Deeplink   string // BOT_DEEPLINK tracking-redirect target

	// Ingress
	WebhookSecret string // WEBHOOK_SECRET shared with the event relay

	// Admin / portal
	AdminToken    string // ADMIN_TOKEN for the reporting endpoints
	PortalBaseURL string // PORTAL_BASE_URL in delivery copy

	// Domain
	Gateway  GatewayConfig
	Sinks    SinksConfig
	Worker   WorkerConfig
	Messages MessagesConfig

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
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Store
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),

		// Chat platform
		BotAPIBase: getenv("BOT_API_BASE", "https://api.telegram.org"),
		BotToken:   getenv("BOT_TOKEN", ""),
		BotID:      getint64("BOT_ID", 0),
		Deeplink:   getenv("BOT_DEEPLINK", ""),

		// Ingress
		WebhookSecret: getenv("WEBHOOK_SECRET", ""),

		// Admin / portal
		AdminToken:    getenv("ADMIN_TOKEN", ""),
		PortalBaseURL: getenv("PORTAL_BASE_URL", ""),

		Gateway: GatewayConfig{
			BaseURL:       getenv("GATEWAY_BASE_URL", ""),
			SecretKey:     getenv("GATEWAY_SECRET_KEY", ""),
			WebhookSecret: getenv("GATEWAY_WEBHOOK_SECRET", ""),
			SuccessURL:    getenv("CHECKOUT_SUCCESS_URL", ""),
			CancelURL:     getenv("CHECKOUT_CANCEL_URL", ""),
			Currency:      strings.ToUpper(getenv("CHECKOUT_CURRENCY", "USD")),
			ProductName:   getenv("CHECKOUT_PRODUCT_NAME", "Premium access"),
		},
		Sinks: SinksConfig{
			OrderURL:    getenv("ORDER_SINK_URL", ""),
			OrderToken:  getenv("ORDER_SINK_TOKEN", ""),
			EventURL:    getenv("EVENT_SINK_URL", "https://graph.facebook.com/v18.0"),
			PixelID:     getenv("EVENT_SINK_PIXEL_ID", ""),
			AccessToken: getenv("EVENT_SINK_ACCESS_TOKEN", ""),
		},
		Messages: MessagesConfig{
			Welcome:       getenv("MSG_WELCOME", "Welcome! Pick a plan below to get started."),
			Followup:      getenv("MSG_FOLLOWUP", "Still thinking it over? Your spot is waiting."),
			CheckoutRetry: getenv("MSG_CHECKOUT_RETRY", "Something went wrong on our side. Please try again in a minute."),
		},
		Worker: WorkerConfig{
			MaxConcurrent: getint("WORKER_MAX_CONCURRENT", 100),
			PopTimeout:    getdur("WORKER_POP_TIMEOUT", time.Second),
			FollowupDelay: getdur("FOLLOWUP_DELAY", 6*time.Minute),
			FollowupBatch: getint("FOLLOWUP_BATCH", 100),
			PollInterval:  getdur("PAYMENT_POLL_INTERVAL", 15*time.Second),
			PollBatch:     getint("PAYMENT_POLL_BATCH", 50),
			PollWorkers:   getint("PAYMENT_POLL_WORKERS", 10),
			RetryInterval: getdur("RETRY_DRAIN_INTERVAL", 30*time.Second),
			RetryMax:      getint("RETRY_MAX_ATTEMPTS", 3),
			RetryBatch:    getint("RETRY_DRAIN_BATCH", 10),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-outreach-engine"),
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
	cfg.Deeplink = strings.TrimRight(cfg.Deeplink, "/")
	cfg.PortalBaseURL = strings.TrimRight(cfg.PortalBaseURL, "/")

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
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return cfg, errors.New("REDIS_URL must not be empty")
	}
	if len(cfg.Gateway.Currency) != 3 {
		return cfg, errors.New("CHECKOUT_CURRENCY must be a 3-letter ISO code")
	}
	if cfg.Worker.MaxConcurrent < 1 {
		return cfg, errors.New("WORKER_MAX_CONCURRENT must be >= 1")
	}
	if cfg.Worker.PopTimeout <= 0 {
		return cfg, errors.New("WORKER_POP_TIMEOUT must be > 0")
	}
	if cfg.Worker.FollowupDelay <= 0 {
		return cfg, errors.New("FOLLOWUP_DELAY must be > 0")
	}
	if cfg.Worker.PollInterval <= 0 || cfg.Worker.RetryInterval <= 0 {
		return cfg, errors.New("loop intervals must be positive durations")
	}
	if cfg.Worker.PollBatch < 1 || cfg.Worker.PollWorkers < 1 {
		return cfg, errors.New("PAYMENT_POLL_BATCH and PAYMENT_POLL_WORKERS must be >= 1")
	}
	if cfg.Worker.RetryMax < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
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

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
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
