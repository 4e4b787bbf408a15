package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/config"
	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/obs"
	"github.com/noah-isme/pix-storefront/internal/payment"
)

const connectTimeout = 5 * time.Second

// deps are the process-wide clients. redis and pool are nil when their URL
// is not configured.
type deps struct {
	redis      *redis.Client
	pool       *pgxpool.Pool
	store      payment.Store
	closeStore func() error
}

func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	d := &deps{closeStore: func() error { return nil }}
	var err error
	if d.redis, err = openRedis(ctx, cfg); err != nil {
		return nil, err
	}
	if d.pool, err = openPostgres(ctx, cfg); err != nil {
		d.Close(zerolog.Nop())
		return nil, err
	}
	if d.pool != nil {
		if err := (events.PGStore{DB: d.pool}).EnsureSchema(ctx); err != nil {
			d.Close(zerolog.Nop())
			return nil, err
		}
	}
	if err := d.openStore(cfg); err != nil {
		d.Close(zerolog.Nop())
		return nil, fmt.Errorf("open %s status store: %w", cfg.StoreBackend, err)
	}
	return d, nil
}

func (d *deps) Close(logger zerolog.Logger) {
	if err := d.closeStore(); err != nil {
		logger.Error().Err(err).Msg("close_store_failed")
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("close_redis_failed")
		}
	}
}

func (d *deps) openStore(cfg *config.Config) error {
	opts := payment.StoreOptions{
		Retention:        cfg.StatusRetention,
		MinPollInterval:  cfg.StatusMinPollInterval,
		SweepProbability: cfg.StatusSweepProbability,
	}
	switch cfg.StoreBackend {
	case config.StoreRedis:
		d.store = payment.NewRedisStore(d.redis, opts)
	case config.StoreBolt:
		bs, err := payment.OpenBoltStore(cfg.BoltPath, opts)
		if err != nil {
			return err
		}
		d.store, d.closeStore = bs, bs.Close
	default:
		d.store = payment.NewMemoryStore(opts)
	}
	return nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}
	if cfg.Obs.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("instrument redis metrics: %w", err)
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pc.ConnConfig.Tracer = obs.PGXTracer{}
	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["application_name"] = serviceName

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
