package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

const requestColumns = `id, user_id, title, description, category, location, status,
	fulfilled_at, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO requests (user_id, title, description, category, location, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, r.UserID, r.Title, r.Description, string(r.Category), r.Location, string(r.Status), r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
	if txn.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: unknown user %d", ErrInvalidInput, r.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Request, error) {
	return p.get(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id int64) (*Request, error) {
	return p.get(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id)
}

func (p *PostgresStore) get(ctx context.Context, query string, id int64) (*Request, error) {
	r, err := scanRequest(txn.Conn(ctx, p.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	var fulfilledAt sql.NullTime
	if r.FulfilledAt != nil {
		fulfilledAt = sql.NullTime{Time: *r.FulfilledAt, Valid: true}
	}
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE requests
		SET title = $2, description = $3, category = $4, location = $5, status = $6, fulfilled_at = $7, updated_at = $8
		WHERE id = $1
	`, r.ID, r.Title, r.Description, string(r.Category), r.Location, string(r.Status), fulfilledAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Request, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != 0 {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(string(f.Category)))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	r := &Request{}
	var (
		category, status string
		fulfilledAt      sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &category, &r.Location, &status,
		&fulfilledAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Category = Category(category)
	r.Status = Status(status)
	if fulfilledAt.Valid {
		r.FulfilledAt = &fulfilledAt.Time
	}
	return r, nil
}
