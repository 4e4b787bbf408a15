package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired means ctx ended while the key was held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrLost means the lease expired and the key now belongs to another holder.
	ErrLost = errors.New("lock: lease lost")
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])`)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
)

// Locker hands out Redis SET NX leases, each tagged with a random token.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	Prefix       string
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire polls until key is free or ctx ends. ttl bounds how long a holder
// that never releases can block others.
func (l Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l.R == nil {
		return nil, errors.New("lock: redis client not configured")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	wait := l.RetryBackoff
	if wait <= 0 {
		wait = defaultRetry
	}
	lease := &Lease{client: l.R, key: l.Prefix + key, token: uuid.NewString()}

	ticker := time.NewTicker(wait)
	defer ticker.Stop()
	for {
		won, err := l.R.SetNX(ctx, lease.key, lease.token, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, lease.key, ctx.Err())
		case err != nil:
			return nil, fmt.Errorf("lock: acquire %s: %w", lease.key, err)
		case won:
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, lease.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release frees the key if this lease still owns it.
func (ls *Lease) Release(ctx context.Context) error {
	n, err := compareAndDelete.Run(ctx, ls.client, []string{ls.key}, ls.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", ls.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, ls.key)
	}
	return nil
}

// WithLock runs fn under key and releases afterwards, even when fn fails.
// A lease that expired while fn ran is reported as ErrLost unless fn itself
// returned an error.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (err error) {
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if relErr := lease.Release(releaseCtx); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(ctx)
}
