package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/pix-storefront/internal/lock"
)

// RedisStore keeps charges as JSON values so several API replicas share one
// view. Read-modify-write cycles run under a per-charge Redis lock; the key
// TTL implements retention.
type RedisStore struct {
	R       *redis.Client
	Locker  lock.Locker
	Prefix  string
	LockTTL time.Duration
	opts    StoreOptions
}

// NewRedisStore wires a store on client using opts.
func NewRedisStore(client *redis.Client, opts StoreOptions) *RedisStore {
	return &RedisStore{
		R:       client,
		Locker:  lock.Locker{R: client, RetryBackoff: 10 * time.Millisecond},
		Prefix:  "pix:charge:",
		LockTTL: 5 * time.Second,
		opts:    opts.withDefaults(),
	}
}

func (s *RedisStore) key(id string) string { return s.Prefix + id }

func (s *RedisStore) load(ctx context.Context, id string) (*Charge, error) {
	data, err := s.R.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment: redis get %s: %w", id, err)
	}
	var c Charge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("payment: decode charge %s: %w", id, err)
	}
	return &c, nil
}

func (s *RedisStore) save(ctx context.Context, c Charge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("payment: encode charge %s: %w", c.ID, err)
	}
	if err := s.R.Set(ctx, s.key(c.ID), data, s.opts.Retention).Err(); err != nil {
		return fmt.Errorf("payment: redis set %s: %w", c.ID, err)
	}
	return nil
}

func (s *RedisStore) withCharge(ctx context.Context, id string, fn func(context.Context) error) error {
	return s.Locker.WithLock(ctx, s.key(id)+":lock", s.LockTTL, fn)
}

func (s *RedisStore) Upsert(ctx context.Context, id string, upd ChargeUpdate) (Charge, Transition, error) {
	var (
		out Charge
		tr  Transition
	)
	err := s.withCharge(ctx, id, func(ctx context.Context) error {
		existing, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		out, tr = applyUpdate(existing, id, upd, s.opts.Now())
		return s.save(ctx, out)
	})
	if err != nil {
		return Charge{}, Transition{}, err
	}
	return out, tr, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Charge, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	if c == nil {
		return Charge{}, ErrNotFound
	}
	return *c, nil
}

func (s *RedisStore) CanPoll(ctx context.Context, id string) (bool, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return true, nil
	}
	return s.opts.pollAllowed(*c), nil
}

func (s *RedisStore) TryMarkPolled(ctx context.Context, id string, force bool) (Charge, bool, error) {
	var (
		out    Charge
		marked bool
	)
	err := s.withCharge(ctx, id, func(ctx context.Context) error {
		existing, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		out = *existing
		if marked = s.opts.markPolled(&out, force); marked {
			return s.save(ctx, out)
		}
		return nil
	})
	if err != nil {
		return Charge{}, false, err
	}
	return out, marked, nil
}

func (s *RedisStore) ClaimRelease(ctx context.Context, id string) (Charge, bool, error) {
	var (
		out     Charge
		claimed bool
	)
	err := s.withCharge(ctx, id, func(ctx context.Context) error {
		existing, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		out = *existing
		if claimed = claim(&out); claimed {
			return s.save(ctx, out)
		}
		return nil
	})
	if err != nil {
		return Charge{}, false, err
	}
	return out, claimed, nil
}

// EvictExpired is a no-op: Redis expires keys after the retention TTL.
func (s *RedisStore) EvictExpired(context.Context) (int, error) { return 0, nil }
