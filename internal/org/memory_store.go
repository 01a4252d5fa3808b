package org

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory org store for demo/development mode.
type MemoryStore struct {
	orgs        map[string]*Organization
	memberships []*Membership
	profiles    map[string]*BillingProfile // by org ID
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory org store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[string]*Organization),
		profiles: make(map[string]*BillingProfile),
	}
}

func (m *MemoryStore) CreateOrganization(ctx context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateMembership(ctx context.Context, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mem
	m.memberships = append(m.memberships, &cp)
	return nil
}

func (m *MemoryStore) CreateProfile(ctx context.Context, p *BillingProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.OrganizationID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, orgID string) (*BillingProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[orgID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListReloadCandidates(ctx context.Context, reloadedBefore time.Time, limit int) ([]*BillingProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []*BillingProfile
	for _, id := range ids {
		p := m.profiles[id]
		if !p.AutoReloadEnabled {
			continue
		}
		if !p.LastAutoReloadAt.IsZero() && !p.LastAutoReloadAt.Before(reloadedBefore) {
			continue
		}
		cp := *p
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkReloaded(ctx context.Context, orgID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[orgID]
	if !ok {
		return ErrProfileNotFound
	}
	p.LastAutoReloadAt = at
	return nil
}

func (m *MemoryStore) ListMultiOrgOwners(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, mem := range m.memberships {
		if mem.Role != RoleOwner {
			continue
		}
		o, ok := m.orgs[mem.OrgID]
		if !ok || !o.CreatedAt.Before(createdBefore) {
			continue
		}
		counts[mem.UserID]++
	}

	var users []string
	for userID, n := range counts {
		if n > 1 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (m *MemoryStore) ListOwnedOrganizations(ctx context.Context, userID string, createdBefore time.Time) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Organization
	for _, mem := range m.memberships {
		if mem.UserID != userID || mem.Role != RoleOwner {
			continue
		}
		o, ok := m.orgs[mem.OrgID]
		if !ok || !o.CreatedAt.Before(createdBefore) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) DeleteOrganization(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.orgs, orgID)
	delete(m.profiles, orgID)

	kept := m.memberships[:0]
	for _, mem := range m.memberships {
		if mem.OrgID != orgID {
			kept = append(kept, mem)
		}
	}
	m.memberships = kept
	return nil
}
