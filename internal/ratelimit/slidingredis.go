package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingRedis counts events in a Redis sorted set scored by nanosecond
// timestamps, so every replica sharing the instance sees one window.
type SlidingRedis struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

func (l SlidingRedis) Take(ctx context.Context, key string, p Policy) (Decision, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if l.Client == nil || p.unlimited() {
		return open(p, now), nil
	}

	setKey := l.Prefix + p.Name + ":" + key
	floor := strconv.FormatInt(now.Add(-p.Window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := l.Client.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		tx.ZRemRangeByScore(ctx, setKey, "-inf", "("+floor)
		tx.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
		card = tx.ZCard(ctx, setKey)
		tx.PExpire(ctx, setKey, p.Window)
		return nil
	})
	if err != nil {
		return Decision{Limit: p.Max, ResetAt: now.Add(p.Window)}, err
	}

	used := int(card.Val())
	return Decision{
		Allowed:   used <= p.Max,
		Limit:     p.Max,
		Remaining: max(p.Max-used, 0),
		ResetAt:   now.Add(p.Window),
	}, nil
}
