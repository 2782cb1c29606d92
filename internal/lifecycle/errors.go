package lifecycle

import (
	"errors"
	"fmt"

	"workspaces/internal/model"
	"workspaces/internal/pool"
	"workspaces/internal/store"
)

var (
	ErrPermissionDenied = errors.New("you are not allowed to perform this operation")
	ErrPoolDisabled     = errors.New("pool is disabled")
	ErrInvalidName      = errors.New("invalid workspace name")
	ErrInconsistent     = errors.New("storage and metadata are out of sync")
	ErrUnrecoverable    = errors.New("internal invariant violated")

	// Re-exported so callers of this package need not import every layer.
	ErrUnknownPool      = pool.ErrUnknownPool
	ErrNoPoolSelected   = pool.ErrNoPoolSelected
	ErrDurationExceeded = pool.ErrDurationExceeded
	ErrConflict         = store.ErrConflict
	ErrNotFound         = store.ErrNotFound
	ErrStateMismatch    = store.ErrStateMismatch
)

// InconsistentError reports that the storage side effect of an operation was
// applied but neither committed to the metadata store nor undone.
type InconsistentError struct {
	Op  string
	Key model.Key
	// Applied describes the storage effect that is in place.
	Applied string
	Err     error
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("%s %s: %s, but recording it failed: %v", e.Op, e.Key, e.Applied, e.Err)
}

func (e *InconsistentError) Unwrap() error {
	return e.Err
}

// Is makes every InconsistentError match ErrInconsistent.
func (e *InconsistentError) Is(target error) bool {
	return target == ErrInconsistent
}
