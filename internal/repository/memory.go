package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/model"
)

// Memory is an in-memory Repository for tests and single-node runs.
// All methods copy records on the way in and out so callers never share
// mutable state with the store.
type Memory struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]model.Tenant
	posts   map[uuid.UUID]model.Post
	// order preserves post insertion order for RecentPublishedTexts.
	order []uuid.UUID
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[uuid.UUID]model.Tenant),
		posts:   make(map[uuid.UUID]model.Post),
	}
}

// ListTenants implements Repository.
func (m *Memory) ListTenants(_ context.Context) ([]model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// GetTenant implements Repository.
func (m *Memory) GetTenant(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// UpsertTenant implements Repository.
func (m *Memory) UpsertTenant(_ context.Context, tenant *model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tenants[tenant.ID] = *tenant
	return nil
}

// UpdateTenantActivity implements Repository.
func (m *Memory) UpdateTenantActivity(_ context.Context, id uuid.UUID, lastActedAt time.Time, counters model.DailyCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.LastActedAt = &lastActedAt
	t.Counters = counters
	t.UpdatedAt = lastActedAt
	m.tenants[id] = t
	return nil
}

// InsertPost implements Repository.
func (m *Memory) InsertPost(_ context.Context, post *model.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.posts[post.ID] = *post
	m.order = append(m.order, post.ID)
	return nil
}

// GetPost implements Repository.
func (m *Memory) GetPost(_ context.Context, id uuid.UUID) (*model.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// UpdatePostStatus implements Repository.
func (m *Memory) UpdatePostStatus(_ context.Context, id uuid.UUID, from, to model.PostStatus, fields PostFields) error {
	if !from.CanTransition(to) {
		return ErrIllegalTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrIllegalTransition
	}

	p.Status = to
	if fields.Text != "" {
		p.Text = fields.Text
	}
	if fields.ExternalID != "" {
		p.ExternalID = fields.ExternalID
	}
	if fields.PublishedAt != nil {
		t := *fields.PublishedAt
		p.PublishedAt = &t
	}
	if fields.Failure != nil {
		f := *fields.Failure
		p.Failure = &f
	}
	m.posts[id] = p
	return nil
}

// RecentPublishedTexts implements Repository.
func (m *Memory) RecentPublishedTexts(_ context.Context, tenantID uuid.UUID, n int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for i := len(m.order) - 1; i >= 0 && len(out) < n; i-- {
		p := m.posts[m.order[i]]
		if p.TenantID == tenantID && p.Status == model.StatusPublished {
			out = append(out, p.Text)
		}
	}
	return out, nil
}

// Ping implements Repository.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close implements Repository.
func (m *Memory) Close() {}
