package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Store backends accepted by STORE_BACKEND.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBolt   = "bolt"
)

// PushinPay holds PUSHINPAY_* settings.
type PushinPay struct {
	BaseURL        string
	Token          string
	MinAmount      int64
	SplitAccountID string
	SplitPercent   float64
}

// Payevo holds PAYEVO_* settings.
type Payevo struct {
	BaseURL   string
	SecretKey string
	MinAmount int64
}

// SyncPay holds SYNCPAY_* settings.
type SyncPay struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookToken string
	MinAmount    int64
}

// ProviderClient tunes the outbound HTTP client shared by the adapters.
type ProviderClient struct {
	Timeout             time.Duration
	MaxAttempts         int
	RetryBase           time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
}

// Obs holds OBS_* logging, metrics and tracing settings.
type Obs struct {
	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	MetricsBuckets   string
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicBaseURL      string
	CORSAllowedOrigins []string

	RedisURL               string
	DatabaseURL            string
	StoreBackend           string
	BoltPath               string
	StatusRetention        time.Duration
	StatusMinPollInterval  time.Duration
	StatusSweepProbability float64

	PaymentProvider        string
	PaymentFallbackPolling bool
	PaymentMaxSplitRatio   float64

	PushinPay      PushinPay
	Payevo         Payevo
	SyncPay        SyncPay
	ProviderClient ProviderClient

	DiscordWebhookURL string

	CatalogPath     string
	CatalogCacheTTL time.Duration

	RateLimitChargesPerMin int
	IdempotencyTTL         time.Duration
	WebhookBodyLimit       int64
	WebhookReplayTTL       time.Duration

	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
	EvictEvery         time.Duration
	ShutdownTimeout    time.Duration

	Obs Obs
}

// Load reads configuration from the environment, after merging an optional
// .env file in the working directory.
func Load() (*Config, error) { return LoadWith(nil) }

// LoadWith is Load with overrides applied on top of the environment. An
// empty override value unsets the key.
func LoadWith(overrides map[string]string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	for key, val := range overrides {
		if val == "" {
			k.Delete(key)
			continue
		}
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	r := reader{k}
	cfg := &Config{
		AppEnv:             r.str("APP_ENV", "development"),
		Port:               r.str("PORT", "8080"),
		PublicBaseURL:      strings.TrimRight(r.str("PUBLIC_BASE_URL", ""), "/"),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),

		RedisURL:               r.str("REDIS_URL", ""),
		DatabaseURL:            r.str("DATABASE_URL", ""),
		StoreBackend:           strings.ToLower(r.str("STORE_BACKEND", StoreMemory)),
		BoltPath:               r.str("BOLT_PATH", ""),
		StatusRetention:        r.dur("STATUS_RETENTION", 24*time.Hour),
		StatusMinPollInterval:  r.dur("STATUS_MIN_POLL_INTERVAL", time.Minute),
		StatusSweepProbability: r.f64("STATUS_SWEEP_PROBABILITY", 0.1),

		PaymentProvider:        strings.ToLower(r.str("PAYMENT_PROVIDER", "pushinpay")),
		PaymentFallbackPolling: r.flag("PAYMENT_FALLBACK_POLLING", true),
		PaymentMaxSplitRatio:   r.f64("PAYMENT_MAX_SPLIT_RATIO", 0.5),

		PushinPay: PushinPay{
			BaseURL:        r.str("PUSHINPAY_BASE_URL", ""),
			Token:          r.str("PUSHINPAY_TOKEN", ""),
			MinAmount:      r.i64("PUSHINPAY_MIN_AMOUNT", 50),
			SplitAccountID: r.str("PUSHINPAY_SPLIT_ACCOUNT_ID", ""),
			SplitPercent:   r.f64("PUSHINPAY_SPLIT_PERCENT", 10),
		},
		Payevo: Payevo{
			BaseURL:   r.str("PAYEVO_BASE_URL", ""),
			SecretKey: r.str("PAYEVO_SECRET_KEY", ""),
			MinAmount: r.i64("PAYEVO_MIN_AMOUNT", 100),
		},
		SyncPay: SyncPay{
			BaseURL:      r.str("SYNCPAY_BASE_URL", ""),
			ClientID:     r.str("SYNCPAY_CLIENT_ID", ""),
			ClientSecret: r.str("SYNCPAY_CLIENT_SECRET", ""),
			WebhookToken: r.str("SYNCPAY_WEBHOOK_TOKEN", ""),
			MinAmount:    r.i64("SYNCPAY_MIN_AMOUNT", 1),
		},
		ProviderClient: ProviderClient{
			Timeout:             r.dur("PROVIDER_TIMEOUT", 10*time.Second),
			MaxAttempts:         int(r.i64("PROVIDER_MAX_ATTEMPTS", 3)),
			RetryBase:           r.dur("PROVIDER_RETRY_BASE", 200*time.Millisecond),
			BreakerMinRequests:  int(r.i64("BREAKER_MIN_REQUESTS", 5)),
			BreakerFailureRatio: r.f64("BREAKER_FAILURE_RATIO", 0.5),
			BreakerOpenFor:      r.dur("BREAKER_OPEN_FOR", 30*time.Second),
		},

		DiscordWebhookURL: r.str("DISCORD_WEBHOOK_URL", ""),

		CatalogPath:     r.str("CATALOG_PATH", ""),
		CatalogCacheTTL: r.dur("CATALOG_CACHE_TTL", 5*time.Minute),

		RateLimitChargesPerMin: int(r.i64("RATE_LIMIT_CHARGES_PER_MIN", 30)),
		IdempotencyTTL:         r.dur("IDEMPOTENCY_TTL", 24*time.Hour),
		WebhookBodyLimit:       r.i64("WEBHOOK_BODY_LIMIT", 1<<20),
		WebhookReplayTTL:       r.dur("WEBHOOK_REPLAY_TTL", 10*time.Minute),

		HealthDBTimeout:    r.dur("HEALTH_READY_DB_TIMEOUT", 500*time.Millisecond),
		HealthRedisTimeout: r.dur("HEALTH_READY_REDIS_TIMEOUT", 300*time.Millisecond),
		EvictEvery:         r.dur("STATUS_EVICT_EVERY", 10*time.Minute),
		ShutdownTimeout:    r.dur("SHUTDOWN_TIMEOUT", 15*time.Second),

		Obs: Obs{
			LogFormat:        r.str("OBS_LOG_FORMAT", "json"),
			LogLevel:         r.str("OBS_LOG_LEVEL", "info"),
			MetricsEnabled:   r.flag("OBS_ENABLE_PROMETHEUS", true),
			MetricsNamespace: r.str("OBS_METRICS_NAMESPACE", "pix"),
			MetricsBuckets:   r.str("OBS_METRICS_BUCKETS_MS", ""),
			TracingEnabled:   r.flag("OBS_ENABLE_TRACING", true),
			TracingExporter:  r.str("OBS_TRACING_EXPORTER", "otlp"),
			OTLPEndpoint:     r.str("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio:    r.f64("OBS_TRACING_SAMPLING_RATIO", 1),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case StoreBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required when STORE_BACKEND=bolt")
		}
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of memory, redis, bolt", c.StoreBackend)
	}

	switch c.PaymentProvider {
	case "pushinpay":
		if c.PushinPay.Token == "" {
			return errors.New("PUSHINPAY_TOKEN is required")
		}
	case "payevo":
		if c.Payevo.SecretKey == "" {
			return errors.New("PAYEVO_SECRET_KEY is required")
		}
	case "syncpay":
		if c.SyncPay.ClientID == "" || c.SyncPay.ClientSecret == "" {
			return errors.New("SYNCPAY_CLIENT_ID and SYNCPAY_CLIENT_SECRET are required")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER %q is not supported", c.PaymentProvider)
	}

	if c.PaymentMaxSplitRatio <= 0 || c.PaymentMaxSplitRatio > 1 {
		return errors.New("PAYMENT_MAX_SPLIT_RATIO must be in (0, 1]")
	}
	if c.StatusSweepProbability < 0 || c.StatusSweepProbability > 1 {
		return errors.New("STATUS_SWEEP_PROBABILITY must be in [0, 1]")
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "production" || env == "prod"
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

// CallbackBaseURL is the public origin providers post webhooks to. It falls
// back to localhost on the configured port.
func (c *Config) CallbackBaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	return "http://localhost" + c.HTTPAddr()
}

// reader reads trimmed string values from koanf. Blank and unparsable
// values fall back to the given default.
type reader struct{ k *koanf.Koanf }

func (r reader) str(key, def string) string {
	if v := strings.TrimSpace(r.k.String(key)); v != "" {
		return v
	}
	return def
}

func (r reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r reader) dur(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(r.str(key, "")); err == nil {
		return d
	}
	return def
}

func (r reader) i64(key string, def int64) int64 {
	if v, err := strconv.ParseInt(r.str(key, ""), 10, 64); err == nil {
		return v
	}
	return def
}

func (r reader) f64(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(r.str(key, ""), 64); err == nil {
		return v
	}
	return def
}

func (r reader) flag(key string, def bool) bool {
	switch strings.ToLower(r.str(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
