package reputation

import "errors"

var (
	// ErrValidation means the award request was malformed. Nothing was written.
	ErrValidation = errors.New("reputation: invalid award")

	// ErrConflict means a concurrent update won a race on the user's state.
	// The engine retries it internally.
	ErrConflict = errors.New("reputation: concurrent update conflict")

	// ErrTransientFailure means retries were exhausted. Safe to retry later.
	ErrTransientFailure = errors.New("reputation: transient failure")

	// ErrUserNotFound means the award targets a user that does not exist.
	ErrUserNotFound = errors.New("reputation: user not found")
)

// ErrNotLocked means a store write was attempted outside LockUser for that user.
var ErrNotLocked = errors.New("reputation: write outside user lock")
