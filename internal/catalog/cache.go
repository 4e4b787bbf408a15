package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cached fronts a Lookup with a Redis JSON cache. Cache failures degrade to
// the underlying lookup.
type Cached struct {
	Next   Lookup
	Client *redis.Client
	TTL    time.Duration
	Prefix string
	Logger zerolog.Logger
}

func (c Cached) key(id string) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "catalog:item:"
	}
	return prefix + id
}

// Item implements Lookup.
func (c Cached) Item(ctx context.Context, id string) (Item, error) {
	if c.Client == nil || c.TTL <= 0 {
		return c.Next.Item(ctx, id)
	}
	data, err := c.Client.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var item Item
		if jsonErr := json.Unmarshal(data, &item); jsonErr == nil {
			return item, nil
		}
	case !errors.Is(err, redis.Nil):
		c.Logger.Warn().Err(err).Str("item_id", id).Msg("catalog_cache_get_failed")
	}

	item, err := c.Next.Item(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if encoded, err := json.Marshal(item); err == nil {
		if err := c.Client.Set(ctx, c.key(id), encoded, c.TTL).Err(); err != nil {
			c.Logger.Warn().Err(err).Str("item_id", id).Msg("catalog_cache_set_failed")
		}
	}
	return item, nil
}
