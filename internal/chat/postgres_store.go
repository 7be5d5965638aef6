package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed chat store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const roomColumns = `id, user_a, user_b, listing_id, created_at`

func (p *PostgresStore) GetOrCreateRoom(ctx context.Context, a, b int64, listingID *int64, now time.Time) (*Room, error) {
	var listing sql.NullInt64
	if listingID != nil {
		listing = sql.NullInt64{Int64: *listingID, Valid: true}
	}
	conn := txn.Conn(ctx, p.db)
	r, err := scanRoom(conn.QueryRowContext(ctx, `
		INSERT INTO chat_rooms (user_a, user_b, listing_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_a, user_b) DO NOTHING
		RETURNING `+roomColumns, a, b, listing, now))
	if errors.Is(err, sql.ErrNoRows) {
		r, err = scanRoom(conn.QueryRowContext(ctx,
			`SELECT `+roomColumns+` FROM chat_rooms WHERE user_a = $1 AND user_b = $2`, a, b))
	}
	if txn.IsForeignKeyViolation(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get or create room: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	r, err := scanRoom(txn.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRooms(ctx context.Context, userID int64) ([]*Room, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM chat_rooms
		WHERE user_a = $1 OR user_b = $1
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Room, 0)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertMessage(ctx context.Context, m *Message) error {
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO chat_messages (room_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, m.RoomID, m.SenderID, m.Content, m.CreatedAt).Scan(&m.ID)
	if txn.IsForeignKeyViolation(err) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, roomID int64, after *pagination.Cursor, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, room_id, sender_id, content, is_read, created_at`
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM chat_messages
			WHERE room_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, roomID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+` FROM chat_messages
			WHERE room_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, roomID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, roomID, reader int64) (int, error) {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE chat_messages SET is_read = TRUE
		WHERE room_id = $1 AND sender_id <> $2 AND NOT is_read
	`, roomID, reader)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*Room, error) {
	r := &Room{}
	var listing sql.NullInt64
	if err := row.Scan(&r.ID, &r.UserA, &r.UserB, &listing, &r.CreatedAt); err != nil {
		return nil, err
	}
	if listing.Valid {
		r.ListingID = &listing.Int64
	}
	return r, nil
}
