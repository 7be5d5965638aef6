package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Aggregate state lives in
// the reputation columns of users; the ledger is reputation_history.
type PostgresStore struct {
	db     *sql.DB
	runner txn.Runner
}

// NewPostgresStore creates a new PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB, runner txn.Runner) *PostgresStore {
	return &PostgresStore{db: db, runner: runner}
}

// InitState checks the user row exists. The reputation columns default to
// zero when the row is inserted.
func (p *PostgresStore) InitState(ctx context.Context, userID int64) error {
	var one int
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}

// LockUser holds a NO KEY UPDATE lock on the user row, which serializes
// award writers without blocking foreign key checks from other tables.
func (p *PostgresStore) LockUser(ctx context.Context, userID int64, fn func(ctx context.Context, current *State) error) error {
	err := p.runner.RunInTx(ctx, func(ctx context.Context) error {
		s := &State{UserID: userID}
		err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
			SELECT reputation_points, total_items_shared, total_items_received, successful_transactions
			FROM users WHERE id = $1
			FOR NO KEY UPDATE
		`, userID).Scan(&s.ReputationPoints, &s.TotalItemsShared, &s.TotalItemsReceived, &s.SuccessfulTransactions)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lock user %d: %w", userID, err)
		}
		return fn(ctx, s)
	})
	if txn.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	if !txn.InTx(ctx) {
		return ErrNotLocked
	}
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO reputation_history
			(user_id, action, points_earned, description, created_at, related_item_id, related_item_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.UserID, string(e.Action), e.PointsEarned, e.Description, e.CreatedAt,
		nullInt64(e.RelatedItemID), nullString(e.RelatedItemType)).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveState(ctx context.Context, s *State) error {
	if !txn.InTx(ctx) {
		return ErrNotLocked
	}
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE users SET
			reputation_points = $2,
			total_items_shared = $3,
			total_items_received = $4,
			successful_transactions = $5
		WHERE id = $1
	`, s.UserID, s.ReputationPoints, s.TotalItemsShared, s.TotalItemsReceived, s.SuccessfulTransactions)
	if err != nil {
		return fmt.Errorf("save reputation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) GetState(ctx context.Context, userID int64) (*State, error) {
	s := &State{UserID: userID}
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT reputation_points, total_items_shared, total_items_received, successful_transactions
		FROM users WHERE id = $1
	`, userID).Scan(&s.ReputationPoints, &s.TotalItemsShared, &s.TotalItemsReceived, &s.SuccessfulTransactions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID int64, after *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, user_id, action, points_earned, description, created_at, related_item_id, related_item_type`
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM reputation_history
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM reputation_history
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			action   string
			itemID   sql.NullInt64
			itemType sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.PointsEarned, &e.Description, &e.CreatedAt, &itemID, &itemType); err != nil {
			return nil, err
		}
		e.Action = ActionKind(action)
		if itemID.Valid {
			e.RelatedItemID = &itemID.Int64
		}
		if itemType.Valid {
			e.RelatedItemType = &itemType.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Top(ctx context.Context, limit int) ([]*State, error) {
	return p.queryStates(ctx, `
		SELECT id, reputation_points, total_items_shared, total_items_received, successful_transactions
		FROM users
		ORDER BY reputation_points DESC, id ASC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) AllStates(ctx context.Context) ([]*State, error) {
	return p.queryStates(ctx, `
		SELECT id, reputation_points, total_items_shared, total_items_received, successful_transactions
		FROM users
		ORDER BY id
	`)
}

func (p *PostgresStore) queryStates(ctx context.Context, query string, args ...any) ([]*State, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		s := &State{}
		if err := rows.Scan(&s.UserID, &s.ReputationPoints, &s.TotalItemsShared, &s.TotalItemsReceived, &s.SuccessfulTransactions); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LedgerTotals(ctx context.Context) (map[int64]Totals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id,
			COALESCE(SUM(points_earned), 0),
			COUNT(*) FILTER (WHERE action = $1),
			COUNT(*) FILTER (WHERE action = $2),
			COUNT(*) FILTER (WHERE action = $3)
		FROM reputation_history
		GROUP BY user_id
	`, string(ActionItemShared), string(ActionItemReceived), string(ActionTransactionCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]Totals)
	for rows.Next() {
		var (
			userID int64
			t      Totals
		)
		if err := rows.Scan(&userID, &t.Points, &t.ItemsShared, &t.ItemsReceived, &t.SuccessfulTransactions); err != nil {
			return nil, err
		}
		out[userID] = t
	}
	return out, rows.Err()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
