package main

import (
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/pix-storefront/internal/config"
	"github.com/noah-isme/pix-storefront/internal/payment"
	"github.com/noah-isme/pix-storefront/internal/resilience"
)

// providerClient builds an outbound client with its own breaker, so one
// failing upstream does not open the circuit for the others.
func providerClient(cfg *config.Config, target string, logger zerolog.Logger) *resilience.HTTPClient {
	pc := cfg.ProviderClient
	breaker := resilience.NewBreaker(pc.BreakerMinRequests, pc.BreakerFailureRatio, pc.BreakerOpenFor).
		WithTarget(target).
		WithLogger(logger)
	return &resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		BaseBackoff: pc.RetryBase,
		MaxAttempts: pc.MaxAttempts,
		Jitter:      0.2,
		Timeout:     pc.Timeout,
		Target:      target,
		Logger:      &logger,
	}
}

// buildProviders registers every adapter that has credentials. Stored
// charges and webhooks from a non-active provider still resolve.
func buildProviders(cfg *config.Config, logger zerolog.Logger) map[string]payment.Provider {
	providers := map[string]payment.Provider{}
	if cfg.PushinPay.Token != "" {
		providers["pushinpay"] = payment.PushinPay{
			BaseURL:   cfg.PushinPay.BaseURL,
			Token:     cfg.PushinPay.Token,
			MinAmount: cfg.PushinPay.MinAmount,
			HTTP:      *providerClient(cfg, "pushinpay", logger),
		}
	}
	if cfg.Payevo.SecretKey != "" {
		providers["payevo"] = payment.Payevo{
			BaseURL:   cfg.Payevo.BaseURL,
			SecretKey: cfg.Payevo.SecretKey,
			MinAmount: cfg.Payevo.MinAmount,
			HTTP:      *providerClient(cfg, "payevo", logger),
		}
	}
	if cfg.SyncPay.ClientID != "" && cfg.SyncPay.ClientSecret != "" {
		sp := payment.NewSyncPay(
			cfg.SyncPay.BaseURL,
			cfg.SyncPay.ClientID,
			cfg.SyncPay.ClientSecret,
			cfg.SyncPay.WebhookToken,
			*providerClient(cfg, "syncpay", logger),
		)
		sp.MinAmount = cfg.SyncPay.MinAmount
		providers["syncpay"] = sp
	}
	return providers
}
