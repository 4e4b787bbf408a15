package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/common"
	"github.com/noah-isme/pix-storefront/internal/config"
	"github.com/noah-isme/pix-storefront/internal/health"
	"github.com/noah-isme/pix-storefront/internal/obs"
	"github.com/noah-isme/pix-storefront/internal/payment"
	"github.com/noah-isme/pix-storefront/internal/ratelimit"
	"github.com/noah-isme/pix-storefront/internal/security"
)

func newRouter(cfg *config.Config, svc *payment.Service, d *deps, tracing bool, logger zerolog.Logger) http.Handler {
	charges := &payment.Handler{Svc: svc, Validator: payment.NewValidator()}
	webhooks := payment.Webhook{Svc: svc, Replay: d.redis, ReplayTTL: cfg.WebhookReplayTTL, Logger: logger}
	probes := health.Handler{
		Checker:      health.Deps{Redis: d.redis, DB: d.pool},
		DBTimeout:    cfg.HealthDBTimeout,
		RedisTimeout: cfg.HealthRedisTimeout,
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory("rl")
	if d.redis != nil {
		limiter = ratelimit.SlidingRedis{Client: d.redis, Prefix: "rl:"}
	}
	chargeLimit := ratelimit.Guard{
		Limiter: limiter,
		Policy:  ratelimit.Policy{Name: "charges", Window: time.Minute, Max: cfg.RateLimitChargesPerMin},
		Key:     ratelimit.ByClientIP,
		Logger:  logger,
	}
	idem := common.Idem{R: d.redis, TTL: cfg.IdempotencyTTL}
	bodyLimit := security.BodyLimit{Max: cfg.WebhookBodyLimit}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if tracing {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.MetricsEnabled {
		m := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
		r.Use(obs.HTTPObs{Metrics: m}.Middleware)
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTS: cfg.IsProduction()}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health/live", probes.Live)
	r.Get("/health/ready", probes.Ready)

	r.Route("/charges", func(c chi.Router) {
		c.With(chargeLimit.Middleware, bodyLimit.Middleware, idem.Middleware).Post("/", charges.Create)
		c.Get("/{id}", charges.Status)
	})
	r.With(bodyLimit.Middleware).Post("/webhooks/{provider}", webhooks.Handle)
	if !cfg.IsProduction() {
		r.Post("/dev/charges/{id}/status", charges.Simulate)
	}
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
