package requests

import (
	"context"
	"sort"
	"sync"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

// MemoryStore is an in-memory implementation of Store. Row locking relies
// on the memory txn runner serializing units of work.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[int64]*Request
	nextID   int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[int64]*Request)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	m.nextID++
	r.ID = m.nextID
	cp := *r
	m.requests[r.ID] = &cp
	m.mu.Unlock()

	id := r.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.requests, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id int64) (*Request, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	prev := *existing
	cp := *r
	m.requests[r.ID] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.requests[prev.ID] = &prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.requests, id)

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.requests[id] = r
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Request, error) {
	m.mu.RLock()
	all := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		if f.UserID != 0 && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if !after.Before(r.CreatedAt, r.ID) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
