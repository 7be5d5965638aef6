package listings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shareandsave/marketplace/internal/pagination"
	"github.com/shareandsave/marketplace/internal/txn"
)

const listingColumns = `id, owner_id, kind, title, description, category, location,
	price_cents, available, claimed_by, claimed_at, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	var price sql.NullInt64
	if l.PriceCents != nil {
		price = sql.NullInt64{Int64: *l.PriceCents, Valid: true}
	}
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO listings (owner_id, kind, title, description, category, location, price_cents, available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id
	`, l.OwnerID, string(l.Kind), l.Title, l.Description, l.Category, l.Location, price, l.Available, l.CreatedAt).Scan(&l.ID)
	if txn.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: unknown owner %d", ErrInvalidInput, l.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Listing, error) {
	return p.get(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id int64) (*Listing, error) {
	return p.get(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
}

func (p *PostgresStore) get(ctx context.Context, query string, id int64) (*Listing, error) {
	l, err := scanListing(txn.Conn(ctx, p.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) MarkClaimed(ctx context.Context, id, claimant int64, at time.Time) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE listings SET available = FALSE, claimed_by = $2, claimed_at = $3
		WHERE id = $1 AND available
	`, id, claimant, at)
	if err != nil {
		return fmt.Errorf("claim listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (p *PostgresStore) MarkUnavailable(ctx context.Context, id int64, at time.Time) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE listings SET available = FALSE, updated_at = $2
		WHERE id = $1 AND available
	`, id, at)
	if err != nil {
		return fmt.Errorf("withdraw listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnavailable
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	var price sql.NullInt64
	if l.PriceCents != nil {
		price = sql.NullInt64{Int64: *l.PriceCents, Valid: true}
	}
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE listings
		SET title = $2, description = $3, category = $4, location = $5, price_cents = $6, updated_at = $7
		WHERE id = $1
	`, l.ID, l.Title, l.Description, l.Category, l.Location, price, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter, after *pagination.Cursor, limit int) ([]*Listing, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != 0 {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if f.AvailableOnly {
		where = append(where, "available")
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*Listing, error) {
	l := &Listing{}
	var (
		kind      string
		price     sql.NullInt64
		claimedBy sql.NullInt64
		claimedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.OwnerID, &kind, &l.Title, &l.Description, &l.Category, &l.Location,
		&price, &l.Available, &claimedBy, &claimedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Kind = Kind(kind)
	if price.Valid {
		l.PriceCents = &price.Int64
	}
	if claimedBy.Valid {
		l.ClaimedBy = &claimedBy.Int64
	}
	if claimedAt.Valid {
		l.ClaimedAt = &claimedAt.Time
	}
	return l, nil
}
