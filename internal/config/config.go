package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/paygate/internal/payment"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	LogFormat            string
	LogLevel             string
	MetricsNamespace     string
	MetricsEnabled       bool
	TracingEnabled       bool
	OTLPEndpoint         string
	TracingSamplingRatio float64

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string

	PayPalClientID     string
	PayPalClientSecret string
	PayPalMode         string
	PayPalWebhookID    string
	PayPalBaseURL      string

	MercadoPagoAccessToken     string
	MercadoPagoWebhookSecret   string
	MercadoPagoNotificationURL string
	MercadoPagoBaseURL         string

	ProviderTimeout       time.Duration
	BreakerMinRequests    int
	BreakerFailureRatio   float64
	BreakerOpenFor        time.Duration
	WebhookMaxBodyBytes   int64
	WebhookReplayTTL      time.Duration
	RecordTTL             time.Duration
	RateLimitCreate       string
	QueueEnabled          bool
	QueueMaxRetry         int
	WorkerConcurrency     int
	WorkerShutdownTimeout time.Duration
	WorkerMetricsAddr     string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		LogFormat:            valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:             valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace:     valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "paygate"),
		MetricsEnabled:       parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		TracingEnabled:       parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		OTLPEndpoint:         strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSamplingRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),

		StripeSecretKey:     strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
		StripeAPIURL:        strings.TrimSpace(k.String("STRIPE_API_URL")),

		PayPalClientID:     strings.TrimSpace(k.String("PAYPAL_CLIENT_ID")),
		PayPalClientSecret: strings.TrimSpace(k.String("PAYPAL_CLIENT_SECRET")),
		PayPalMode:         strings.ToLower(valueOrDefault(k.String("PAYPAL_MODE"), "sandbox")),
		PayPalWebhookID:    strings.TrimSpace(k.String("PAYPAL_WEBHOOK_ID")),
		PayPalBaseURL:      strings.TrimSpace(k.String("PAYPAL_BASE_URL")),

		MercadoPagoAccessToken:     strings.TrimSpace(k.String("MERCADOPAGO_ACCESS_TOKEN")),
		MercadoPagoWebhookSecret:   strings.TrimSpace(k.String("MERCADOPAGO_WEBHOOK_SECRET")),
		MercadoPagoNotificationURL: strings.TrimSpace(k.String("MERCADOPAGO_NOTIFICATION_URL")),
		MercadoPagoBaseURL:         strings.TrimSpace(k.String("MERCADOPAGO_BASE_URL")),

		ProviderTimeout:       parseDuration(k.String("PROVIDER_TIMEOUT"), "10s"),
		BreakerMinRequests:    parseInt(k.String("PROVIDER_BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio:   parseFloat(k.String("PROVIDER_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:        parseDuration(k.String("PROVIDER_BREAKER_OPEN_FOR"), "30s"),
		WebhookMaxBodyBytes:   int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		WebhookReplayTTL:      parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		RecordTTL:             parseDuration(k.String("RECORD_TTL"), "720h"),
		RateLimitCreate:       strings.TrimSpace(k.String("RATE_LIMIT_CREATE")),
		QueueEnabled:          parseBoolDefault(k.String("QUEUE_ENABLED"), true),
		QueueMaxRetry:         parseInt(k.String("QUEUE_MAX_RETRY"), 10),
		WorkerConcurrency:     parseInt(k.String("WORKER_CONCURRENCY"), 10),
		WorkerShutdownTimeout: parseDuration(k.String("WORKER_SHUTDOWN_TIMEOUT"), "10s"),
		WorkerMetricsAddr:     strings.TrimSpace(k.String("WORKER_METRICS_ADDR")),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.PayPalMode {
	case "sandbox", "live":
	default:
		return nil, fmt.Errorf("PAYPAL_MODE must be sandbox or live, got %q", cfg.PayPalMode)
	}
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		return nil, errors.New("PROVIDER_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// Providers returns the credentials of every provider that has at least one
// key set. Providers with partial credentials are still returned so the
// payment service can report what is missing.
func (c *Config) Providers() payment.ProvidersConfig {
	var out payment.ProvidersConfig
	if anySet(c.StripeSecretKey, c.StripeWebhookSecret) {
		out.Stripe = &payment.StripeConfig{
			SecretKey:     c.StripeSecretKey,
			WebhookSecret: c.StripeWebhookSecret,
			APIURL:        c.StripeAPIURL,
		}
	}
	if anySet(c.PayPalClientID, c.PayPalClientSecret, c.PayPalWebhookID) {
		out.PayPal = &payment.PayPalConfig{
			ClientID:     c.PayPalClientID,
			ClientSecret: c.PayPalClientSecret,
			Mode:         c.PayPalMode,
			BaseURL:      c.PayPalBaseURL,
			WebhookID:    c.PayPalWebhookID,
		}
	}
	if anySet(c.MercadoPagoAccessToken, c.MercadoPagoWebhookSecret) {
		out.MercadoPago = &payment.MercadoPagoConfig{
			AccessToken:     c.MercadoPagoAccessToken,
			WebhookSecret:   c.MercadoPagoWebhookSecret,
			NotificationURL: c.MercadoPagoNotificationURL,
			BaseURL:         c.MercadoPagoBaseURL,
		}
	}
	return out
}

func anySet(values ...string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
