package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a workspace.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateDeleted State = "deleted"
)

// Key identifies a workspace within the metadata store.
type Key struct {
	Pool string
	Name string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Pool, k.Name)
}

// Workspace is the authoritative metadata record of a workspace.
type Workspace struct {
	ID        int64     `gorm:"primaryKey"`
	Pool      string    `gorm:"size:64;not null;uniqueIndex:idx_workspaces_pool_name,priority:1"`
	Name      string    `gorm:"size:64;not null;uniqueIndex:idx_workspaces_pool_name,priority:2"`
	Owner     string    `gorm:"size:64;not null;index"`
	State     State     `gorm:"size:16;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	ExpiredAt *time.Time
	// LastNotifiedOffset is the schedule offset (in days) of the most recent
	// reminder that fired for the current expiry, if any.
	LastNotifiedOffset *int
	// Revision increases on every committed change and guards CAS updates.
	Revision  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Key returns the (pool, name) key of w.
func (w Workspace) Key() Key {
	return Key{Pool: w.Pool, Name: w.Name}
}

// Validate checks the record invariants that hold in every state.
func (w Workspace) Validate() error {
	if !w.ExpiresAt.After(w.CreatedAt) {
		return fmt.Errorf("workspace %s: expires_at %s is not after created_at %s", w.Key(), w.ExpiresAt.Format(time.RFC3339), w.CreatedAt.Format(time.RFC3339))
	}
	switch w.State {
	case StateActive:
		if w.ExpiredAt != nil {
			return fmt.Errorf("workspace %s: active workspace has expired_at set", w.Key())
		}
	case StateExpired:
		if w.ExpiredAt == nil {
			return fmt.Errorf("workspace %s: expired workspace has no expired_at", w.Key())
		}
		if w.ExpiredAt.Before(w.ExpiresAt) {
			return fmt.Errorf("workspace %s: expired_at %s is before expires_at %s", w.Key(), w.ExpiredAt.Format(time.RFC3339), w.ExpiresAt.Format(time.RFC3339))
		}
	case StateDeleted:
		return fmt.Errorf("workspace %s: deleted records do not live in the workspaces table", w.Key())
	default:
		return fmt.Errorf("workspace %s: unknown state %q", w.Key(), w.State)
	}
	return nil
}

// ArchivedWorkspace is the terminal record left behind once a workspace and its
// volume have been deleted.
type ArchivedWorkspace struct {
	ID          int64     `gorm:"primaryKey"`
	WorkspaceID int64     `gorm:"not null;index"`
	Pool        string    `gorm:"size:64;not null;index:idx_archived_pool_name,priority:1"`
	Name        string    `gorm:"size:64;not null;index:idx_archived_pool_name,priority:2"`
	Owner       string    `gorm:"size:64;not null"`
	State       State     `gorm:"size:16;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	ExpiredAt   time.Time `gorm:"not null"`
	DeletedAt   time.Time `gorm:"not null"`
}
