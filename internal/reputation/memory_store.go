package reputation

import (
	"context"
	"sort"
	"sync"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/syncutil"
	"github.com/shareandsave/marketplace/internal/txn"
)

// MemoryStore is an in-memory Store for development and tests.
//
// Writes made inside LockUser are staged and published together when fn
// returns nil. If an enclosing txn unit later fails, a compensation removes
// the published entries and reverts their effect on the counters.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[int64]*State
	entries map[int64][]*Entry
	nextID  int64

	locks syncutil.KeyLock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[int64]*State),
		entries: make(map[int64][]*Entry),
	}
}

type stageKey struct{}

type stage struct {
	userID  int64
	entries []*Entry
	state   *State
}

func (m *MemoryStore) InitState(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[userID]; ok {
		return nil
	}
	m.states[userID] = &State{UserID: userID}
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.states, userID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) LockUser(ctx context.Context, userID int64, fn func(ctx context.Context, current *State) error) error {
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	s, ok := m.states[userID]
	var current State
	if ok {
		current = *s
	}
	m.mu.RUnlock()
	if !ok {
		return ErrUserNotFound
	}

	st := &stage{userID: userID}
	if err := fn(context.WithValue(ctx, stageKey{}, st), &current); err != nil {
		return err
	}
	m.publish(ctx, st)
	return nil
}

func (m *MemoryStore) publish(ctx context.Context, st *stage) {
	m.mu.Lock()
	for _, e := range st.entries {
		m.nextID++
		e.ID = m.nextID
		cp := *e
		m.entries[st.userID] = append(m.entries[st.userID], &cp)
	}
	if st.state != nil {
		cp := *st.state
		m.states[st.userID] = &cp
	}
	m.mu.Unlock()

	published := st.entries
	txn.OnRollback(ctx, func() { m.unpublish(st.userID, published) })
}

// unpublish reverses a publish relative to the current counters, so awards
// committed for the same user in the meantime are preserved.
func (m *MemoryStore) unpublish(userID int64, entries []*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[int64]bool, len(entries))
	for _, e := range entries {
		drop[e.ID] = true
		if s, ok := m.states[userID]; ok {
			s.revert(e.Action, e.PointsEarned)
		}
	}
	kept := m.entries[userID][:0]
	for _, e := range m.entries[userID] {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	m.entries[userID] = kept
}

func stageFrom(ctx context.Context, userID int64) (*stage, error) {
	st, ok := ctx.Value(stageKey{}).(*stage)
	if !ok || st.userID != userID {
		return nil, ErrNotLocked
	}
	return st, nil
}

func (m *MemoryStore) AppendEntry(ctx context.Context, e *Entry) error {
	st, err := stageFrom(ctx, e.UserID)
	if err != nil {
		return err
	}
	st.entries = append(st.entries, e)
	return nil
}

func (m *MemoryStore) SaveState(ctx context.Context, s *State) error {
	st, err := stageFrom(ctx, s.UserID)
	if err != nil {
		return err
	}
	cp := *s
	st.state = &cp
	return nil
}

func (m *MemoryStore) GetState(_ context.Context, userID int64) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, userID int64, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	all := make([]*Entry, len(m.entries[userID]))
	copy(all, m.entries[userID])
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	out := make([]*Entry, 0, limit)
	for _, e := range all {
		if !after.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Top(ctx context.Context, limit int) ([]*State, error) {
	all, _ := m.AllStates(ctx)
	sort.Slice(all, func(i, j int) bool {
		if all[i].ReputationPoints == all[j].ReputationPoints {
			return all[i].UserID < all[j].UserID
		}
		return all[i].ReputationPoints > all[j].ReputationPoints
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) AllStates(_ context.Context) ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) LedgerTotals(_ context.Context) (map[int64]Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]Totals, len(m.entries))
	for userID, entries := range m.entries {
		var t Totals
		for _, e := range entries {
			t.Add(e)
		}
		out[userID] = t
	}
	return out, nil
}
