package payment

import (
	"context"
	"sync"
)

type memEntry struct {
	mu      sync.Mutex
	charge  Charge
	deleted bool
}

// MemoryStore keeps charges in process memory. Each id has its own mutex so
// writers for different charges never contend.
type MemoryStore struct {
	opts    StoreOptions
	mu      sync.RWMutex
	entries map[string]*memEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), entries: make(map[string]*memEntry)}
}

// entry returns the live entry for id with its mutex held. When create is
// false and id is unknown it returns nil.
func (s *MemoryStore) entry(id string, create bool) *memEntry {
	for {
		s.mu.RLock()
		e, ok := s.entries[id]
		s.mu.RUnlock()
		if !ok {
			if !create {
				return nil
			}
			s.mu.Lock()
			if e, ok = s.entries[id]; !ok {
				e = &memEntry{}
				s.entries[id] = e
			}
			s.mu.Unlock()
		}
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		// evicted between lookup and lock; retry against the map
		e.mu.Unlock()
	}
}

func (s *MemoryStore) Upsert(_ context.Context, id string, upd ChargeUpdate) (Charge, Transition, error) {
	e := s.entry(id, true)
	defer e.mu.Unlock()
	var existing *Charge
	if !e.charge.CreatedAt.IsZero() {
		existing = &e.charge
	}
	next, tr := applyUpdate(existing, id, upd, s.opts.Now())
	e.charge = next
	return next.clone(), tr, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Charge, error) {
	if s.opts.shouldSweep() {
		_, _ = s.EvictExpired(ctx)
	}
	e := s.entry(id, false)
	if e == nil {
		return Charge{}, ErrNotFound
	}
	defer e.mu.Unlock()
	if e.charge.CreatedAt.IsZero() {
		return Charge{}, ErrNotFound
	}
	return e.charge.clone(), nil
}

func (s *MemoryStore) CanPoll(_ context.Context, id string) (bool, error) {
	e := s.entry(id, false)
	if e == nil {
		return true, nil
	}
	defer e.mu.Unlock()
	return s.opts.pollAllowed(e.charge), nil
}

func (s *MemoryStore) TryMarkPolled(_ context.Context, id string, force bool) (Charge, bool, error) {
	e := s.entry(id, false)
	if e == nil {
		return Charge{}, false, ErrNotFound
	}
	defer e.mu.Unlock()
	if e.charge.CreatedAt.IsZero() {
		return Charge{}, false, ErrNotFound
	}
	marked := s.opts.markPolled(&e.charge, force)
	return e.charge.clone(), marked, nil
}

func (s *MemoryStore) ClaimRelease(_ context.Context, id string) (Charge, bool, error) {
	e := s.entry(id, false)
	if e == nil {
		return Charge{}, false, ErrNotFound
	}
	defer e.mu.Unlock()
	if e.charge.CreatedAt.IsZero() {
		return Charge{}, false, ErrNotFound
	}
	claimed := claim(&e.charge)
	return e.charge.clone(), claimed, nil
}

func (s *MemoryStore) EvictExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			// busy entries are being written and therefore fresh
			continue
		}
		if e.charge.CreatedAt.IsZero() || s.opts.stale(e.charge) {
			e.deleted = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored charges.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
