package notifications

import (
	"context"
	"sort"
	"sync"

	"github.com/shareandsave/marketplace/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	notes  map[int64]*Notification
	nextID int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[int64]*Notification)}
}

func (m *MemoryStore) Fanout(_ context.Context, recipients []int64, n Notification) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range recipients {
		m.nextID++
		cp := n
		cp.ID = m.nextID
		cp.UserID = uid
		cp.Read = false
		m.notes[cp.ID] = &cp
	}
	return len(recipients), nil
}

func (m *MemoryStore) DeleteRelated(_ context.Context, typ string, relatedID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, n := range m.notes {
		if n.Type == typ && n.RelatedItemID != nil && *n.RelatedItemID == relatedID {
			delete(m.notes, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) List(_ context.Context, userID int64, unreadOnly bool, after *pagination.Cursor, limit int) ([]*Notification, error) {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.notes {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		if !after.Before(n.CreatedAt, n.ID) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notes {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

func (m *MemoryStore) MarkAllRead(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marked := 0
	for _, n := range m.notes {
		if n.UserID == userID && !n.Read {
			n.Read = true
			marked++
		}
	}
	return marked, nil
}
