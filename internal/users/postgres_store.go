package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shareandsave/marketplace/internal/txn"
)

// PostgresStore persists users in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO users (email, display_name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, u.Email, u.DisplayName, u.PasswordHash, u.CreatedAt).Scan(&u.ID)
	if txn.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id int64) (*User, error) {
	return p.getOne(ctx, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.getOne(ctx, `WHERE email = $1`, email)
}

func (p *PostgresStore) getOne(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	err := txn.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, bio, phone_number, address, created_at, updated_at
		FROM users `+where, arg,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Bio, &u.PhoneNumber, &u.Address,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) UpdateProfile(ctx context.Context, u *User) error {
	res, err := txn.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE users
		SET display_name = $2, bio = $3, phone_number = $4, address = $5, updated_at = $6
		WHERE id = $1
	`, u.ID, u.DisplayName, u.Bio, u.PhoneNumber, u.Address, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := txn.Conn(ctx, p.db).QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
