package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/pix-storefront/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag; shutdown sets it to false before
// draining so load balancers stop routing new traffic.
func SetReady(v bool) { ready.Store(v) }

// Checker probes the optional backing services.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Deps checks whichever of Redis and Postgres are configured. A nil client
// counts as healthy.
type Deps struct {
	Redis *redis.Client
	DB    *pgxpool.Pool
}

func (d Deps) PingDB(ctx context.Context, timeout time.Duration) error {
	if d.DB == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DB.Ping(ctx)
}

func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports 200 only while the flag is set and every probe passes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	checker := h.Checker
	if checker == nil {
		checker = Deps{}
	}
	status := map[string]string{"db": "ok", "redis": "ok"}
	healthy := true
	if err := checker.PingDB(r.Context(), orDefault(h.DBTimeout, 500*time.Millisecond)); err != nil {
		status["db"] = err.Error()
		healthy = false
	}
	if err := checker.PingRedis(r.Context(), orDefault(h.RedisTimeout, 300*time.Millisecond)); err != nil {
		status["redis"] = err.Error()
		healthy = false
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
