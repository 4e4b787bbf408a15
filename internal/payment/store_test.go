package payment_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pix-storefront/internal/payment"
)

// fakeClock is safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts payment.StoreOptions) payment.Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts payment.StoreOptions) payment.Store {
			return payment.NewMemoryStore(opts)
		},
		"redis": func(t *testing.T, opts payment.StoreOptions) payment.Store {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(mr.Close)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return payment.NewRedisStore(client, opts)
		},
		"bolt": func(t *testing.T, opts payment.StoreOptions) payment.Store {
			s, err := payment.OpenBoltStore(filepath.Join(t.TempDir(), "charges.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreBackends(t *testing.T) {
	for name, factory := range storeBackends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("upsert and get", func(t *testing.T) { testUpsertGet(t, factory) })
			t.Run("monotonic status", func(t *testing.T) { testMonotonic(t, factory) })
			t.Run("concurrent writers", func(t *testing.T) { testConcurrentWriters(t, factory) })
			t.Run("claim release once", func(t *testing.T) { testClaimOnce(t, factory) })
			t.Run("can poll", func(t *testing.T) { testCanPoll(t, factory) })
			t.Run("try mark polled", func(t *testing.T) { testTryMarkPolled(t, factory) })
		})
	}
}

func testUpsertGet(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, payment.StoreOptions{Now: clock.Now})

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, payment.ErrNotFound)

	created, tr, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{
		Provider:    "pushinpay",
		AmountMinor: 1000,
		Status:      payment.StatusCreated,
		Pix:         &payment.PixPayload{Code: "000201"},
		ProviderRaw: map[string]any{"id": "c1"},
	})
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.Equal(t, payment.StatusCreated, created.Status)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "pushinpay", got.Provider)
	require.Equal(t, int64(1000), got.AmountMinor)
	require.Equal(t, "000201", got.Pix.Code)
	require.Equal(t, "c1", got.ProviderRaw["id"])
	require.False(t, got.DeliverableReleased)
	require.True(t, clock.Now().Equal(got.CreatedAt))
}

func testMonotonic(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, payment.StoreOptions{})

	_, _, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	paid, tr, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPaid})
	require.NoError(t, err)
	require.True(t, tr.Applied)
	require.NotNil(t, paid.PaidAt)

	for _, st := range []payment.Status{payment.StatusPending, payment.StatusCreated, payment.StatusCanceled, payment.StatusExpired, payment.StatusPaid} {
		after, tr, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: st})
		require.NoError(t, err)
		require.False(t, tr.Applied, st)
		require.Equal(t, payment.StatusPaid, after.Status)
		require.True(t, paid.PaidAt.Equal(*after.PaidAt))
	}
}

func testConcurrentWriters(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, payment.StoreOptions{})
	_, _, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusCreated})
	require.NoError(t, err)

	statuses := []payment.Status{payment.StatusPending, payment.StatusPaid, payment.StatusCreated, payment.StatusPending}
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
		toPaid  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, tr, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: statuses[i%len(statuses)]})
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
			if tr.Applied {
				applied.Add(1)
				if tr.To == payment.StatusPaid {
					toPaid.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, got.Status)
	require.Equal(t, int32(1), toPaid.Load())
	require.LessOrEqual(t, applied.Load(), int32(2))
}

func testClaimOnce(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	s := factory(t, payment.StoreOptions{})

	_, _, err := s.ClaimRelease(ctx, "missing")
	require.ErrorIs(t, err, payment.ErrNotFound)

	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	_, claimed, err := s.ClaimRelease(ctx, "c1")
	require.NoError(t, err)
	require.False(t, claimed, "unpaid charges cannot be released")

	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPaid})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, claimed, err := s.ClaimRelease(ctx, "c1")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if !c.DeliverableReleased {
				t.Errorf("claim returned unreleased charge")
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	// later merges keep the flag
	after, _, err := s.Upsert(ctx, "c1", payment.ChargeUpdate{Description: "touched"})
	require.NoError(t, err)
	require.True(t, after.DeliverableReleased)
}

func testCanPoll(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, payment.StoreOptions{Now: clock.Now, MinPollInterval: time.Minute})

	ok, err := s.CanPoll(ctx, "unknown")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	ok, err = s.CanPoll(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok, "never polled")

	polled := clock.Now()
	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{PolledAt: &polled})
	require.NoError(t, err)
	ok, err = s.CanPoll(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(59 * time.Second)
	ok, _ = s.CanPoll(ctx, "c1")
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, _ = s.CanPoll(ctx, "c1")
	require.True(t, ok)
}

func testTryMarkPolled(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	s := factory(t, payment.StoreOptions{Now: clock.Now, MinPollInterval: time.Minute})

	_, _, err := s.TryMarkPolled(ctx, "missing", false)
	require.ErrorIs(t, err, payment.ErrNotFound)

	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, marked, err := s.TryMarkPolled(ctx, "c1", false)
			require.NoError(t, err)
			if marked {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	ok, err := s.CanPoll(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	c, marked, err := s.TryMarkPolled(ctx, "c1", true)
	require.NoError(t, err)
	require.True(t, marked)
	require.NotNil(t, c.LastPolledAt)

	clock.Advance(time.Minute)
	_, marked, err = s.TryMarkPolled(ctx, "c1", false)
	require.NoError(t, err)
	require.True(t, marked)
}

func TestMemoryStoreEvictExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := payment.NewMemoryStore(payment.StoreOptions{Now: clock.Now, Retention: time.Hour})

	_, _, err := s.Upsert(ctx, "old", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)
	_, _, err = s.Upsert(ctx, "fresh", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)

	removed, err := s.EvictExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, s.Len())
	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, payment.ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestMemoryStoreSweepsOnRead(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := payment.NewMemoryStore(payment.StoreOptions{
		Now:              clock.Now,
		Retention:        time.Hour,
		SweepProbability: 0.5,
		Rand:             func() float64 { return 0.1 },
	})
	_, _, err := s.Upsert(ctx, "old", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = s.Get(ctx, "other")
	require.ErrorIs(t, err, payment.ErrNotFound)
	require.Zero(t, s.Len())
}

func TestBoltStoreEvictAndReopen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "charges.db")
	opts := payment.StoreOptions{Now: clock.Now, Retention: time.Hour}

	s, err := payment.OpenBoltStore(path, opts)
	require.NoError(t, err)
	_, _, err = s.Upsert(ctx, "old", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, _, err = s.Upsert(ctx, "fresh", payment.ChargeUpdate{Status: payment.StatusPaid})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = payment.OpenBoltStore(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, got.Status)

	removed, err := s.EvictExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestRedisStoreRetentionUsesTTL(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := payment.NewRedisStore(client, payment.StoreOptions{Retention: time.Hour})
	_, _, err = s.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	require.True(t, mr.Exists("pix:charge:c1"))
	require.Equal(t, time.Hour, mr.TTL("pix:charge:c1"))
	require.False(t, mr.Exists("pix:charge:c1:lock"))

	mr.FastForward(61 * time.Minute)
	_, err = s.Get(ctx, "c1")
	require.ErrorIs(t, err, payment.ErrNotFound)
}
