package ratelimit

import (
	"context"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Memory keeps fixed windows in process. Single-instance deployments
// without Redis use it.
type Memory struct {
	store limiter.Store
}

// NewMemory returns a limiter on the ulule in-memory store.
func NewMemory(prefix string) *Memory {
	if prefix == "" {
		prefix = "rl"
	}
	return &Memory{store: memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          prefix,
		CleanUpInterval: time.Minute,
	})}
}

func (m *Memory) Take(ctx context.Context, key string, p Policy) (Decision, error) {
	if m == nil || m.store == nil || p.unlimited() {
		return open(p, time.Now()), nil
	}
	lctx, err := m.store.Get(ctx, p.Name+":"+key, limiter.Rate{Period: p.Window, Limit: int64(p.Max)})
	if err != nil {
		return Decision{Limit: p.Max, ResetAt: time.Now().Add(p.Window)}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		ResetAt:   time.Unix(lctx.Reset, 0),
	}, nil
}
