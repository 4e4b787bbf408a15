package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

var chargesBucket = []byte("charges")

// BoltStore persists charges in a local bolt file so a single instance keeps
// its state across restarts. bolt serialises write transactions, which makes
// every Upsert and ClaimRelease atomic.
type BoltStore struct {
	db   *bolt.DB
	opts StoreOptions
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string, opts StoreOptions) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("payment: open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chargesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("payment: create bucket: %w", err)
	}
	return &BoltStore{db: db, opts: opts.withDefaults()}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error { return s.db.Close() }

func decodeCharge(data []byte) (*Charge, error) {
	if data == nil {
		return nil, nil
	}
	var c Charge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func putCharge(b *bolt.Bucket, c Charge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.Put([]byte(c.ID), data)
}

func (s *BoltStore) Upsert(_ context.Context, id string, upd ChargeUpdate) (Charge, Transition, error) {
	var (
		out Charge
		tr  Transition
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chargesBucket)
		existing, err := decodeCharge(b.Get([]byte(id)))
		if err != nil {
			return err
		}
		out, tr = applyUpdate(existing, id, upd, s.opts.Now())
		return putCharge(b, out)
	})
	if err != nil {
		return Charge{}, Transition{}, fmt.Errorf("payment: bolt upsert %s: %w", id, err)
	}
	return out, tr, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (Charge, error) {
	if s.opts.shouldSweep() {
		_, _ = s.EvictExpired(ctx)
	}
	var found *Charge
	err := s.db.View(func(tx *bolt.Tx) error {
		c, err := decodeCharge(tx.Bucket(chargesBucket).Get([]byte(id)))
		found = c
		return err
	})
	if err != nil {
		return Charge{}, fmt.Errorf("payment: bolt get %s: %w", id, err)
	}
	if found == nil {
		return Charge{}, ErrNotFound
	}
	return *found, nil
}

func (s *BoltStore) CanPoll(ctx context.Context, id string) (bool, error) {
	c, err := s.Get(ctx, id)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.opts.pollAllowed(c), nil
}

func (s *BoltStore) TryMarkPolled(_ context.Context, id string, force bool) (Charge, bool, error) {
	var (
		out    Charge
		marked bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chargesBucket)
		existing, err := decodeCharge(b.Get([]byte(id)))
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		out = *existing
		if marked = s.opts.markPolled(&out, force); marked {
			return putCharge(b, out)
		}
		return nil
	})
	if err == ErrNotFound {
		return Charge{}, false, ErrNotFound
	}
	if err != nil {
		return Charge{}, false, fmt.Errorf("payment: bolt mark polled %s: %w", id, err)
	}
	return out, marked, nil
}

func (s *BoltStore) ClaimRelease(_ context.Context, id string) (Charge, bool, error) {
	var (
		out     Charge
		claimed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chargesBucket)
		existing, err := decodeCharge(b.Get([]byte(id)))
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		out = *existing
		if claimed = claim(&out); claimed {
			return putCharge(b, out)
		}
		return nil
	})
	if err == ErrNotFound {
		return Charge{}, false, ErrNotFound
	}
	if err != nil {
		return Charge{}, false, fmt.Errorf("payment: bolt claim %s: %w", id, err)
	}
	return out, claimed, nil
}

func (s *BoltStore) EvictExpired(context.Context) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chargesBucket)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			charge, err := decodeCharge(v)
			if err != nil || s.opts.stale(*charge) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		// deleting inside ForEach would invalidate the iteration
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
