package listings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

// MemoryStore is an in-memory implementation of Store. Row locking relies
// on the memory txn runner serializing units of work.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[int64]*Listing
	nextID   int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[int64]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	m.nextID++
	l.ID = m.nextID
	cp := *l
	m.listings[l.ID] = &cp
	m.mu.Unlock()

	id := l.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.listings, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id int64) (*Listing, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) MarkClaimed(ctx context.Context, id, claimant int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if !l.Available {
		return ErrAlreadyClaimed
	}
	l.Available = false
	l.ClaimedBy = &claimant
	l.ClaimedAt = &at

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		if l, ok := m.listings[id]; ok {
			l.Available = true
			l.ClaimedBy = nil
			l.ClaimedAt = nil
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) MarkUnavailable(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if !l.Available {
		return ErrUnavailable
	}
	prevUpdated := l.UpdatedAt
	l.Available = false
	l.UpdatedAt = at

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		if l, ok := m.listings[id]; ok {
			l.Available = true
			l.UpdatedAt = prevUpdated
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	prev := *existing
	existing.Title = l.Title
	existing.Description = l.Description
	existing.Category = l.Category
	existing.Location = l.Location
	existing.PriceCents = l.PriceCents
	existing.UpdatedAt = l.UpdatedAt

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		if cur, ok := m.listings[prev.ID]; ok {
			*cur = prev
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.listings, id)

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.listings[id] = l
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Listing, error) {
	m.mu.RLock()
	all := make([]*Listing, 0, len(m.listings))
	for _, l := range m.listings {
		if f.OwnerID != 0 && l.OwnerID != f.OwnerID {
			continue
		}
		if f.AvailableOnly && !l.Available {
			continue
		}
		cp := *l
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	out := make([]*Listing, 0, limit)
	for _, l := range all {
		if !after.Before(l.CreatedAt, l.ID) {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
