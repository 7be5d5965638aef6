package reputation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/txn"
)

func newTestEngine(t *testing.T, users ...int64) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, id := range users {
		require.NoError(t, store.InitState(context.Background(), id))
	}
	return NewEngine(store, WithLogger(logging.Discard()), WithRetry(3, time.Millisecond)), store
}

// assertInvariants checks stored counters against the ledger for every user.
func assertInvariants(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	states, err := store.AllStates(ctx)
	require.NoError(t, err)
	totals, err := store.LedgerTotals(ctx)
	require.NoError(t, err)
	for _, s := range states {
		tot := totals[s.UserID]
		assert.True(t, tot.Matches(s), "user %d: state %+v, ledger %+v", s.UserID, *s, tot)
	}
}

func TestAward_UpdatesPointsAndCounters(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()

	total, err := e.Award(ctx, NewAward(1, ActionItemShared, "Shared food item: Bread").About(10, ItemTypeFood))
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	total, err = e.Award(ctx, NewAward(1, ActionItemReceived, "Received: Soup").About(11, ItemTypeFree))
	require.NoError(t, err)
	assert.Equal(t, 15, total)

	s, err := e.Apply(ctx, NewAward(1, ActionTransactionCompleted, "Completed exchange"))
	require.NoError(t, err)
	assert.Equal(t, State{UserID: 1, ReputationPoints: 30, TotalItemsShared: 1, TotalItemsReceived: 1, SuccessfulTransactions: 1}, *s)

	stored, err := store.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, *s, *stored)
	assertInvariants(t, store)
}

func TestAward_NonCounterActionsOnlyMovePoints(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()

	for _, a := range []ActionKind{ActionPositiveFeedback, ActionProfileCompleted, ActionFirstListing, ActionCommunityInteraction} {
		_, err := e.Award(ctx, NewAward(1, a, "x"))
		require.NoError(t, err)
	}

	s, _ := store.GetState(ctx, 1)
	assert.Equal(t, 20+10+25+5, s.ReputationPoints)
	assert.Zero(t, s.TotalItemsShared)
	assert.Zero(t, s.TotalItemsReceived)
	assert.Zero(t, s.SuccessfulTransactions)
}

func TestScenarioB_FirstShare(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()

	s, err := e.Apply(ctx, NewAward(1, ActionItemShared, "Shared food item: Apples").About(1, ItemTypeFood))
	require.NoError(t, err)
	require.Equal(t, 1, s.TotalItemsShared)

	s, err = e.Apply(ctx, NewAward(1, ActionFirstListing, "First item shared!").About(1, ItemTypeFood))
	require.NoError(t, err)

	assert.Equal(t, 35, s.ReputationPoints)
	assert.Equal(t, 1, s.TotalItemsShared)
	assert.Equal(t, "New Member", Level(s.ReputationPoints))
	assertInvariants(t, store)
}

func TestNegativeFeedback(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()

	_, err := e.Award(ctx, NewAward(1, ActionItemShared, "Shared"))
	require.NoError(t, err)
	before, _ := store.GetState(ctx, 1)

	total, err := e.Award(ctx, NewAward(1, ActionNegativeFeedback, "Received negative feedback"))
	require.NoError(t, err)

	after, _ := store.GetState(ctx, 1)
	assert.Equal(t, before.ReputationPoints-10, total)
	assert.Equal(t, before.TotalItemsShared, after.TotalItemsShared)
	assert.Equal(t, before.TotalItemsReceived, after.TotalItemsReceived)
	assert.Equal(t, before.SuccessfulTransactions, after.SuccessfulTransactions)

	// Points may go negative.
	for i := 0; i < 3; i++ {
		total, err = e.Award(ctx, NewAward(1, ActionNegativeFeedback, "Received negative feedback"))
		require.NoError(t, err)
	}
	assert.Equal(t, before.ReputationPoints-40, total)
	assert.Equal(t, -30, total)
	assertInvariants(t, store)
}

func TestAward_ConcurrentSameUser(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()
	const n = 200

	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() {
			a := NewAward(1, ActionCommunityInteraction, "ping")
			a.Points = 1
			_, err := e.Award(ctx, a)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	s, err := store.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, n, s.ReputationPoints)
	assertInvariants(t, store)
}

func TestAward_ConcurrentManyUsers(t *testing.T) {
	users := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	e, store := newTestEngine(t, users...)
	ctx := context.Background()

	var wg conc.WaitGroup
	for _, id := range users {
		for i := 0; i < 25; i++ {
			wg.Go(func() {
				_, err := e.Award(ctx, NewAward(id, ActionItemShared, "Shared"))
				assert.NoError(t, err)
			})
		}
	}
	wg.Wait()

	for _, id := range users {
		s, _ := store.GetState(ctx, id)
		assert.Equal(t, 250, s.ReputationPoints)
		assert.Equal(t, 25, s.TotalItemsShared)
	}
	assertInvariants(t, store)
}

func TestAward_Validation(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()
	food := ItemTypeFood
	bogus := "spaceship"
	id := int64(5)

	tests := []struct {
		name  string
		award Award
	}{
		{"zero user", Award{UserID: 0, Action: ActionItemShared, Points: 10, Description: "x"}},
		{"empty description", Award{UserID: 1, Action: ActionItemShared, Points: 10, Description: "  "}},
		{"long description", Award{UserID: 1, Action: ActionItemShared, Points: 10, Description: strings.Repeat("a", MaxDescriptionLength+1)}},
		{"empty action", Award{UserID: 1, Points: 10, Description: "x"}},
		{"long action", Award{UserID: 1, Action: ActionKind(strings.Repeat("a", MaxActionLength+1)), Description: "x"}},
		{"item id without type", Award{UserID: 1, Action: ActionItemShared, Description: "x", RelatedItemID: &id}},
		{"unknown item type", Award{UserID: 1, Action: ActionItemShared, Description: "x", RelatedItemID: &id, RelatedItemType: &bogus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Award(ctx, tt.award)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// A type without an id is accepted.
	_, err := e.Award(ctx, Award{UserID: 1, Action: ActionItemShared, Points: 10, Description: "x", RelatedItemType: &food})
	require.NoError(t, err)

	entries, _ := store.ListEntries(ctx, 1, nil, 100)
	assert.Len(t, entries, 1, "rejected awards must not write")
}

func TestAward_UserNotFound(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.Award(context.Background(), NewAward(404, ActionItemShared, "Shared"))
	assert.ErrorIs(t, err, ErrUserNotFound)

	totals, _ := store.LedgerTotals(context.Background())
	assert.Empty(t, totals)
}

func TestAward_UnknownActionAllowedWithBespokePoints(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()

	a := NewAward(1, ActionKind("moderator_bonus"), "Thanks for helping")
	assert.Zero(t, a.Points)
	a.Points = 42

	total, err := e.Award(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 42, total)
	assertInvariants(t, store)
}

func TestApply_RecordsLedgerEntry(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	require.NoError(t, store.InitState(context.Background(), 1))
	e := NewEngine(store, WithLogger(logging.Discard()), WithClock(func() time.Time { return fixed }))

	_, err := e.Award(context.Background(), NewAward(1, ActionItemShared, "Shared discount item: Shoes").About(77, ItemTypeDiscount))
	require.NoError(t, err)

	entries, err := store.ListEntries(context.Background(), 1, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.NotZero(t, got.ID)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, ActionItemShared, got.Action)
	assert.Equal(t, 10, got.PointsEarned)
	assert.Equal(t, "Shared discount item: Shoes", got.Description)
	assert.Equal(t, fixed, got.CreatedAt)
	require.NotNil(t, got.RelatedItemID)
	assert.Equal(t, int64(77), *got.RelatedItemID)
	assert.Equal(t, ItemTypeDiscount, *got.RelatedItemType)
}

// conflictStore fails the first n LockUser calls with ErrConflict.
type conflictStore struct {
	*MemoryStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictStore) LockUser(ctx context.Context, userID int64, fn func(context.Context, *State) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return ErrConflict
	}
	return s.MemoryStore.LockUser(ctx, userID, fn)
}

func TestAward_RetriesConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.InitState(context.Background(), 1))
	store.remaining.Store(2)
	e := NewEngine(store, WithLogger(logging.Discard()), WithRetry(3, time.Millisecond))

	total, err := e.Award(context.Background(), NewAward(1, ActionItemShared, "Shared"))
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestAward_ExhaustedRetriesAreTransient(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.InitState(context.Background(), 1))
	store.remaining.Store(100)
	e := NewEngine(store, WithLogger(logging.Discard()), WithRetry(3, time.Millisecond))

	_, err := e.Award(context.Background(), NewAward(1, ActionItemShared, "Shared"))
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.Equal(t, int32(3), store.calls.Load())

	s, _ := store.GetState(context.Background(), 1)
	assert.Zero(t, s.ReputationPoints)
}

func TestAward_NoRetryInsideOuterTransaction(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.InitState(context.Background(), 1))
	store.remaining.Store(1)
	e := NewEngine(store, WithLogger(logging.Discard()), WithRetry(5, time.Millisecond))

	err := txn.NewMemoryRunner().RunInTx(context.Background(), func(ctx context.Context) error {
		_, err := e.Award(ctx, NewAward(1, ActionItemShared, "Shared"))
		return err
	})
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestAward_NotRetriedOnPermanentErrors(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	e := NewEngine(store, WithLogger(logging.Discard()), WithRetry(5, time.Millisecond))

	_, err := e.Award(context.Background(), NewAward(1, ActionItemShared, "Shared"))
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestAward_OuterRollbackUndoesAward(t *testing.T) {
	e, store := newTestEngine(t, 1)
	ctx := context.Background()
	runner := txn.NewMemoryRunner()

	_, err := e.Award(ctx, NewAward(1, ActionItemShared, "kept"))
	require.NoError(t, err)

	boom := errors.New("listing insert failed")
	err = runner.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := e.Award(ctx, NewAward(1, ActionItemShared, "rolled back")); err != nil {
			return err
		}
		if _, err := e.Award(ctx, NewAward(1, ActionFirstListing, "rolled back")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	s, _ := store.GetState(ctx, 1)
	assert.Equal(t, 10, s.ReputationPoints)
	assert.Equal(t, 1, s.TotalItemsShared)
	entries, _ := store.ListEntries(ctx, 1, nil, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Description)
	assertInvariants(t, store)
}

func TestListener_FiresOnlyAfterCommit(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.InitState(context.Background(), 1))

	var (
		mu   sync.Mutex
		seen []int
	)
	e := NewEngine(store, WithLogger(logging.Discard()), WithListener(func(_ context.Context, entry Entry, s State) {
		mu.Lock()
		seen = append(seen, s.ReputationPoints)
		mu.Unlock()
	}))
	runner := txn.NewMemoryRunner()
	ctx := context.Background()

	_, err := e.Award(ctx, NewAward(1, ActionItemShared, "standalone"))
	require.NoError(t, err)

	_ = runner.RunInTx(ctx, func(ctx context.Context) error {
		_, _ = e.Award(ctx, NewAward(1, ActionItemShared, "doomed"))
		return errors.New("abort")
	})

	err = runner.RunInTx(ctx, func(ctx context.Context) error {
		_, err := e.Award(ctx, NewAward(1, ActionItemShared, "committed"))
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, 1, "listener must wait for commit")
		return err
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 20}, seen)
}
