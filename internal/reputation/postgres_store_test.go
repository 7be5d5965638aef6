package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/testutil"
	"github.com/shareandsave/marketplace/internal/txn"
)

func insertUser(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO users (email, display_name, password_hash) VALUES ($1, $2, 'x') RETURNING id
	`, email, email).Scan(&id)
	require.NoError(t, err)
	return id
}

func newPGEngine(t *testing.T) (*Engine, *PostgresStore, *sql.DB, *txn.SQLRunner) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	db.SetMaxOpenConns(20)

	runner := txn.NewSQLRunner(db)
	store := NewPostgresStore(db, runner)
	engine := NewEngine(store, WithLogger(logging.Discard()), WithRetry(10, 5*time.Millisecond))
	return engine, store, db, runner
}

func TestPostgres_AwardAndRead(t *testing.T) {
	engine, store, db, _ := newPGEngine(t)
	ctx := context.Background()
	uid := insertUser(t, db, "ana@example.com")
	require.NoError(t, store.InitState(ctx, uid))

	_, err := engine.Award(ctx, NewAward(uid, ActionItemShared, "Shared food item: Pears").About(3, ItemTypeFood))
	require.NoError(t, err)
	s, err := engine.Apply(ctx, NewAward(uid, ActionFirstListing, "First item shared!").About(3, ItemTypeFood))
	require.NoError(t, err)
	assert.Equal(t, 35, s.ReputationPoints)
	assert.Equal(t, 1, s.TotalItemsShared)

	stored, err := store.GetState(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, *s, *stored)

	entries, err := store.ListEntries(ctx, uid, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionFirstListing, entries[0].Action)
	require.NotNil(t, entries[0].RelatedItemType)
	assert.Equal(t, ItemTypeFood, *entries[0].RelatedItemType)

	totals, err := store.LedgerTotals(ctx)
	require.NoError(t, err)
	assert.True(t, totals[uid].Matches(stored))
}

func TestPostgres_UnknownUser(t *testing.T) {
	engine, store, _, _ := newPGEngine(t)
	ctx := context.Background()

	_, err := engine.Award(ctx, NewAward(987654, ActionItemShared, "Shared"))
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, store.InitState(ctx, 987654), ErrUserNotFound)
}

func TestPostgres_ConcurrentAwardsSameUser(t *testing.T) {
	engine, store, db, _ := newPGEngine(t)
	ctx := context.Background()
	uid := insertUser(t, db, "bo@example.com")
	const n = 50

	p := pool.New().WithErrors().WithMaxGoroutines(10)
	for i := 0; i < n; i++ {
		p.Go(func() error {
			a := NewAward(uid, ActionCommunityInteraction, fmt.Sprintf("ping %d", i))
			a.Points = 1
			_, err := engine.Award(ctx, a)
			return err
		})
	}
	require.NoError(t, p.Wait())

	s, err := store.GetState(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, n, s.ReputationPoints)
}

func TestPostgres_OuterRollback(t *testing.T) {
	engine, store, db, runner := newPGEngine(t)
	ctx := context.Background()
	uid := insertUser(t, db, "cy@example.com")

	boom := errors.New("boom")
	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := engine.Award(ctx, NewAward(uid, ActionItemShared, "Shared")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	s, err := store.GetState(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, s.ReputationPoints)
	entries, _ := store.ListEntries(ctx, uid, nil, 10)
	assert.Empty(t, entries)
}

func TestPostgres_TopAndPagination(t *testing.T) {
	engine, store, db, _ := newPGEngine(t)
	ctx := context.Background()
	a := insertUser(t, db, "a@example.com")
	b := insertUser(t, db, "b@example.com")

	for i := 0; i < 3; i++ {
		_, err := engine.Award(ctx, NewAward(b, ActionItemShared, fmt.Sprintf("share %d", i)))
		require.NoError(t, err)
	}
	_, err := engine.Award(ctx, NewAward(a, ActionItemShared, "share"))
	require.NoError(t, err)

	top, err := store.Top(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, b, top[0].UserID)

	first, err := store.ListEntries(ctx, b, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	last := first[len(first)-1]

	rest, err := store.ListEntries(ctx, b, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "share 0", rest[0].Description)
}
