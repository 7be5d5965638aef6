package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

type pair struct{ a, b int64 }

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[int64]*Room
	byPair   map[pair]int64
	messages map[int64][]*Message
	roomSeq  int64
	msgSeq   int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[int64]*Room),
		byPair:   make(map[pair]int64),
		messages: make(map[int64][]*Message),
	}
}

func (m *MemoryStore) GetOrCreateRoom(_ context.Context, a, b int64, listingID *int64, now time.Time) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPair[pair{a, b}]; ok {
		cp := *m.rooms[id]
		return &cp, nil
	}
	m.roomSeq++
	r := &Room{ID: m.roomSeq, UserA: a, UserB: b, ListingID: listingID, CreatedAt: now}
	m.rooms[r.ID] = r
	m.byPair[pair{a, b}] = r.ID
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetRoom(_ context.Context, id int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRooms(_ context.Context, userID int64) ([]*Room, error) {
	m.mu.RLock()
	out := make([]*Room, 0)
	for _, r := range m.rooms {
		if r.HasParticipant(userID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	if _, ok := m.rooms[msg.RoomID]; !ok {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	m.msgSeq++
	msg.ID = m.msgSeq
	cp := *msg
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], &cp)
	m.mu.Unlock()

	roomID, id := msg.RoomID, msg.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		msgs := m.messages[roomID]
		for i, x := range msgs {
			if x.ID == id {
				m.messages[roomID] = append(msgs[:i:i], msgs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, roomID int64, after *pagination.Cursor, limit int) ([]*Message, error) {
	m.mu.RLock()
	msgs := m.messages[roomID]
	out := make([]*Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if !after.Before(msgs[i].CreatedAt, msgs[i].ID) {
			continue
		}
		cp := *msgs[i]
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, roomID, reader int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages[roomID] {
		if msg.SenderID != reader && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}
