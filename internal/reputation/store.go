package reputation

import (
	"context"

	"github.com/shareandsave/marketplace/internal/pagination"
)

// Store persists the ledger and the aggregate state on the users row.
type Store interface {
	// InitState prepares zeroed state for a newly created user.
	InitState(ctx context.Context, userID int64) error

	// LockUser runs fn with the user's state held for update. current is a
	// fresh read taken after the lock was acquired. AppendEntry and
	// SaveState calls made with the ctx passed to fn commit or roll back
	// together with it.
	LockUser(ctx context.Context, userID int64, fn func(ctx context.Context, current *State) error) error
	AppendEntry(ctx context.Context, e *Entry) error
	SaveState(ctx context.Context, s *State) error

	GetState(ctx context.Context, userID int64) (*State, error)
	// ListEntries returns a user's entries newest first, strictly after the
	// cursor position.
	ListEntries(ctx context.Context, userID int64, after *pagination.Cursor, limit int) ([]*Entry, error)
	// Top returns states ordered by points descending, ties by user id.
	Top(ctx context.Context, limit int) ([]*State, error)

	// AllStates and LedgerTotals feed reconciliation.
	AllStates(ctx context.Context) ([]*State, error)
	LedgerTotals(ctx context.Context) (map[int64]Totals, error)
}
