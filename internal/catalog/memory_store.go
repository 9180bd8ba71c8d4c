package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory catalog store for development and tests.
type MemoryStore struct {
	services  map[string]*Service
	overrides map[overrideKey]*Override
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  make(map[string]*Service),
		overrides: make(map[overrideKey]*Override),
	}
}

func (m *MemoryStore) UpsertService(_ context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) GetService(_ context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) ListServices(_ context.Context) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Service, 0, len(m.services))
	for _, svc := range m.services {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertOverride(_ context.Context, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.overrides[overrideKey{o.SponsorID, o.ServiceID}] = &cp
	return nil
}

func (m *MemoryStore) DeleteOverride(_ context.Context, sponsorID, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := overrideKey{sponsorID, serviceID}
	if _, ok := m.overrides[k]; !ok {
		return ErrOverrideNotFound
	}
	delete(m.overrides, k)
	return nil
}

func (m *MemoryStore) ListOverrides(_ context.Context) ([]*Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Override, 0, len(m.overrides))
	for _, o := range m.overrides {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SponsorID != out[j].SponsorID {
			return out[i].SponsorID < out[j].SponsorID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
