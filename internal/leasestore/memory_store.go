package leasestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
)

// MemoryStore is an in-process Store implementation for unit tests that
// don't need to exercise SQL. It honors the same invariants as SqliteStore
// (one row per owner is not enforced here -- that invariant belongs to the
// Admission Controller's duplicate-owner check, not the store).
type MemoryStore struct {
	mu         sync.Mutex
	leases     map[string]model.Lease
	rateEvents []model.RateEvent
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]model.Lease)}
}

func (m *MemoryStore) InsertLease(ctx context.Context, lease model.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[lease.ID] = lease
	return nil
}

func (m *MemoryStore) GetLeaseByOwner(ctx context.Context, owner string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leases {
		if l.Owner == owner {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetLeaseByID(ctx context.Context, id string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (m *MemoryStore) LeaseExists(ctx context.Context, leaseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[leaseID]
	return ok, nil
}

func (m *MemoryStore) UpdateExpiresAt(ctx context.Context, id string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return model.NewError(model.KindNotFound, "lease %s not found", id)
	}
	l.ExpiresAt = newExpiry
	m.leases[id] = l
	return nil
}

func (m *MemoryStore) DeleteLease(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[id]; !ok {
		return false, nil
	}
	delete(m.leases, id)
	return true, nil
}

func (m *MemoryStore) ScanExpired(ctx context.Context, now time.Time) ([]model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Lease
	for _, l := range m.leases {
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) CountLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases), nil
}

func (m *MemoryStore) CountLeasesByClient(ctx context.Context, clientAddr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leases {
		if l.ClientAddr == clientAddr {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordRateEvent(ctx context.Context, clientAddr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.rateEvents {
		if e.ClientAddr == clientAddr && e.RequestTime.Equal(at) {
			return nil // duplicate key, ignored
		}
	}
	m.rateEvents = append(m.rateEvents, model.RateEvent{ClientAddr: clientAddr, RequestTime: at})
	return nil
}

func (m *MemoryStore) CountRateEvents(ctx context.Context, clientAddr string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.rateEvents {
		if e.ClientAddr == clientAddr && e.RequestTime.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PruneRateEvents(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rateEvents[:0]
	for _, e := range m.rateEvents {
		if !e.RequestTime.Before(before) {
			kept = append(kept, e)
		}
	}
	m.rateEvents = kept
	return nil
}

func (m *MemoryStore) Close() error { return nil }
