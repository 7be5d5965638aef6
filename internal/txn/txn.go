// Package txn provides units of work spanning several stores.
//
// A Runner opens a transaction and carries it on the context; stores pick
// it up with Conn (SQL) or OnRollback (memory). Nested RunInTx calls join
// the outermost unit. Hooks registered with AfterCommit run only once the
// outermost unit has committed.
package txn

import (
	"context"
	"database/sql"
	"sync"
)

// Runner executes fn as a single all-or-nothing unit.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type unitKey struct{}

// unit is the per-transaction bookkeeping carried on the context.
type unit struct {
	tx          *sql.Tx
	mu          sync.Mutex
	undo        []func()
	afterCommit []func()
}

func current(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// InTx reports whether ctx is inside a unit of work.
func InTx(ctx context.Context) bool {
	return current(ctx) != nil
}

// Conn returns the transaction on ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) DBTX {
	if u := current(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// OnRollback registers a compensation for in-memory writes. Compensations
// run in reverse registration order if the unit fails. Outside a unit it is
// a no-op.
func OnRollback(ctx context.Context, fn func()) {
	if u := current(ctx); u != nil {
		u.mu.Lock()
		u.undo = append(u.undo, fn)
		u.mu.Unlock()
	}
}

// AfterCommit defers fn until the enclosing unit commits. Outside a unit fn
// runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	u := current(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.afterCommit = append(u.afterCommit, fn)
	u.mu.Unlock()
}

func (u *unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo = nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (u *unit) committed() {
	u.mu.Lock()
	hooks := u.afterCommit
	u.afterCommit = nil
	u.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// SQLRunner runs units of work as database/sql transactions.
type SQLRunner struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLRunner creates a runner using READ COMMITTED transactions. Stores
// that need per-row serialization take explicit row locks.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	u := &unit{tx: tx}
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	u.committed()
	return nil
}

// MemoryRunner serializes units of work over in-memory stores and replays
// registered compensations when a unit fails.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a runner for in-memory stores.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	r.mu.Lock()
	u := &unit{}
	err := fn(context.WithValue(ctx, unitKey{}, u))
	if err != nil {
		u.rollback()
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	u.committed()
	return nil
}
