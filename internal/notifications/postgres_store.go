package notifications

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/shareandsave/marketplace/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Fanout(ctx context.Context, recipients []int64, n Notification) (int, error) {
	var related sql.NullInt64
	if n.RelatedItemID != nil {
		related = sql.NullInt64{Int64: *n.RelatedItemID, Valid: true}
	}
	// Recipients deleted since they were listed are skipped by the join.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, type, message, related_item_id, created_at)
		SELECT u.id, $2, $3, $4, $5
		FROM unnest($1::bigint[]) AS r(id)
		JOIN users u ON u.id = r.id
	`, pq.Array(recipients), n.Type, n.Message, related, n.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("fan out notifications: %w", err)
	}
	stored, _ := res.RowsAffected()
	return int(stored), nil
}

func (p *PostgresStore) DeleteRelated(ctx context.Context, typ string, relatedID int64) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE type = $1 AND related_item_id = $2`, typ, relatedID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

func (p *PostgresStore) List(ctx context.Context, userID int64, unreadOnly bool, after *pagination.Cursor, limit int) ([]*Notification, error) {
	query := `SELECT id, user_id, type, message, read, related_item_id, created_at
		FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if unreadOnly {
		query += ` AND NOT read`
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var related sql.NullInt64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.Read, &related, &n.CreatedAt); err != nil {
			return nil, err
		}
		if related.Valid {
			n.RelatedItemID = &related.Int64
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&count)
	return count, err
}

func (p *PostgresStore) MarkRead(ctx context.Context, userID, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	marked, _ := res.RowsAffected()
	return int(marked), nil
}
