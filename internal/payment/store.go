package payment

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultRetention bounds how long a charge is kept after its last update.
	DefaultRetention = 24 * time.Hour
	// DefaultMinPollInterval is the floor between provider polls for one charge.
	DefaultMinPollInterval = 60 * time.Second
	// DefaultSweepProbability is the share of reads that trigger eviction.
	DefaultSweepProbability = 0.1
)

// Store owns the authoritative Charge records. Every mutation of a given id
// is atomic with respect to the status rules in applyUpdate.
type Store interface {
	// Upsert merges upd into the charge, creating it when absent.
	Upsert(ctx context.Context, id string, upd ChargeUpdate) (Charge, Transition, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Charge, error)
	// CanPoll reports whether the provider may be polled for id now.
	CanPoll(ctx context.Context, id string) (bool, error)
	// TryMarkPolled stamps LastPolledAt when the poll floor allows it. The
	// check and the stamp are one atomic step, so concurrent readers of the
	// same charge cannot both win. When force is set the floor is ignored.
	TryMarkPolled(ctx context.Context, id string, force bool) (c Charge, marked bool, err error)
	// ClaimRelease sets DeliverableReleased on a paid charge. claimed is true
	// for exactly one caller per charge.
	ClaimRelease(ctx context.Context, id string) (c Charge, claimed bool, err error)
	// EvictExpired removes charges not updated within the retention window.
	EvictExpired(ctx context.Context) (int, error)
}

// StoreOptions tunes retention and polling for every backend.
type StoreOptions struct {
	Retention        time.Duration
	MinPollInterval  time.Duration
	SweepProbability float64
	Now              func() time.Time
	// Rand returns values in [0,1). Tests pin it to force or skip sweeps.
	Rand func() float64
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = DefaultMinPollInterval
	}
	if o.SweepProbability < 0 {
		o.SweepProbability = 0
	}
	if o.SweepProbability > 1 {
		o.SweepProbability = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		var mu sync.Mutex
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		o.Rand = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}
	return o
}

func (o StoreOptions) shouldSweep() bool {
	return o.SweepProbability > 0 && o.Rand() < o.SweepProbability
}

func (o StoreOptions) pollAllowed(c Charge) bool {
	if c.LastPolledAt == nil {
		return true
	}
	return o.Now().Sub(*c.LastPolledAt) >= o.MinPollInterval
}

func (o StoreOptions) stale(c Charge) bool {
	return o.Now().Sub(c.UpdatedAt) > o.Retention
}

// markPolled stamps c as polled now, unless the floor forbids it.
func (o StoreOptions) markPolled(c *Charge, force bool) bool {
	if !force && !o.pollAllowed(*c) {
		return false
	}
	now := o.Now()
	c.LastPolledAt = &now
	return true
}

// claim applies the release check-and-set to c in place.
func claim(c *Charge) bool {
	if c.Status != StatusPaid || c.DeliverableReleased {
		return false
	}
	c.DeliverableReleased = true
	return true
}
