package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/pickup-presence/internal/models"
)

type memEntry struct {
	mu   sync.Mutex
	rec  Record
	gone bool
}

// MemoryStore keeps records in process. The map lock only guards the set of
// entries; record mutations lock the entry, so different passengers never
// wait on each other.
type MemoryStore struct {
	policy Policy
	clock  clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*memEntry
}

func NewMemoryStore(policy Policy, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{policy: policy, clock: clock, entries: make(map[string]*memEntry)}
}

func (m *MemoryStore) lookup(id string) *memEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *MemoryStore) mutate(id string, fn func(*Record) error) (Record, error) {
	e := m.lookup(id)
	if e == nil {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Record{}, ErrNotFound
	}
	next := e.rec
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	next.UpdatedAt = m.clock.Now()
	e.rec = next
	return next, nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, id string, loc models.Coord, dayCardID string) (Record, error) {
	for {
		if e := m.lookup(id); e != nil {
			e.mu.Lock()
			if e.gone {
				// deleted between lookup and lock; start over
				e.mu.Unlock()
				continue
			}
			m.policy.applyLocation(&e.rec, loc, dayCardID)
			e.rec.UpdatedAt = m.clock.Now()
			out := e.rec
			e.mu.Unlock()
			return out, nil
		}

		m.mu.Lock()
		if _, exists := m.entries[id]; exists {
			m.mu.Unlock()
			continue
		}
		rec := m.policy.newRecord(id, loc, dayCardID, m.clock.Now())
		m.entries[id] = &memEntry{rec: rec}
		m.mu.Unlock()
		return rec, nil
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	e := m.lookup(id)
	if e == nil {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, driverID string) (Record, error) {
	return m.mutate(id, func(r *Record) error { return m.policy.applyClaim(r, driverID) })
}

func (m *MemoryStore) Unclaim(_ context.Context, id, driverID string) (Record, error) {
	return m.mutate(id, func(r *Record) error { return m.policy.applyUnclaim(r, driverID) })
}

func (m *MemoryStore) Extend(_ context.Context, id string) (Record, error) {
	return m.mutate(id, m.policy.applyExtend)
}

func (m *MemoryStore) StartTimer(_ context.Context, id string, at time.Time) (Record, error) {
	return m.mutate(id, func(r *Record) error {
		m.policy.applyStartTimer(r, at)
		return nil
	})
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PassengerID < out[j].PassengerID })
	return out, nil
}
