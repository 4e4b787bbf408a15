package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/catalog"
	"github.com/noah-isme/pix-storefront/internal/config"
	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/health"
	"github.com/noah-isme/pix-storefront/internal/notify"
	"github.com/noah-isme/pix-storefront/internal/obs"
	"github.com/noah-isme/pix-storefront/internal/payment"
)

const serviceName = "pix-storefront"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server_failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	tracing := cfg.Obs.TracingEnabled
	if tracing {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   serviceName,
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("tracing_disabled")
			tracing = false
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("tracer_shutdown_failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	providers := buildProviders(cfg, logger)
	active, ok := providers[cfg.PaymentProvider]
	if !ok {
		return fmt.Errorf("payment provider %q is not configured", cfg.PaymentProvider)
	}

	bus := &events.Bus{
		Notifiers: []events.Notifier{notify.Discord{
			URL:    cfg.DiscordWebhookURL,
			HTTP:   providerClient(cfg, "discord", logger),
			Logger: logger,
		}},
	}
	if deps.pool != nil {
		bus.Store = events.PGStore{DB: deps.pool}
	}

	var items catalog.Lookup
	if cfg.CatalogPath != "" {
		file, err := catalog.OpenFile(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("load catalog %s: %w", cfg.CatalogPath, err)
		}
		logger.Info().Int("items", file.Len()).Str("path", cfg.CatalogPath).Msg("catalog_loaded")
		items = catalog.Cached{Next: file, Client: deps.redis, TTL: cfg.CatalogCacheTTL, Logger: logger}
	}

	svc := &payment.Service{
		Provider:   active,
		Providers:  providers,
		Store:      deps.store,
		Reconciler: &payment.Reconciler{Store: deps.store, Releaser: payment.BusReleaser{Bus: bus}, Logger: logger},
		Catalog:    items,
		Bus:        bus,
		AutoSplit: payment.AutoSplit{
			AccountID: cfg.PushinPay.SplitAccountID,
			Percent:   cfg.PushinPay.SplitPercent,
		},
		CallbackBaseURL: cfg.CallbackBaseURL(),
		MaxSplitRatio:   cfg.PaymentMaxSplitRatio,
		FallbackPolling: cfg.PaymentFallbackPolling,
		Logger:          logger,
	}

	go runEviction(ctx, deps.store, cfg.EvictEvery, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(cfg, svc, deps, tracing, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("provider", active.Name()).
			Str("store", cfg.StoreBackend).
			Msg("server_starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("server_draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// runEviction sweeps stale charges on a fixed cadence, on top of the
// probabilistic sweeps the store does on reads.
func runEviction(ctx context.Context, store payment.Store, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := store.EvictExpired(ctx)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("evict_expired_failed")
		case n > 0:
			logger.Info().Int("evicted", n).Msg("charges_evicted")
		}
	}
}
