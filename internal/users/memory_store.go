package users

import (
	"context"
	"sort"
	"sync"

	"github.com/shareandsave/marketplace/internal/txn"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[int64]*User
	byEmail map[string]int64
	nextID  int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*User),
		byEmail: make(map[string]int64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byEmail[u.Email]; taken {
		return ErrEmailTaken
	}
	m.nextID++
	u.ID = m.nextID
	cp := *u
	m.byID[u.ID] = &cp
	m.byEmail[u.Email] = u.ID

	id, email := u.ID, u.Email
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.byID, id)
		delete(m.byEmail, email)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryStore) UpdateProfile(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	existing.DisplayName = u.DisplayName
	existing.Bio = u.Bio
	existing.PhoneNumber = u.PhoneNumber
	existing.Address = u.Address
	existing.UpdatedAt = u.UpdatedAt
	return nil
}

func (m *MemoryStore) ListIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
