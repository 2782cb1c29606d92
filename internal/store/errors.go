package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrConflict is returned when a live record with the same (pool, name) exists.
	ErrConflict = errors.New("workspace already exists")
	// ErrNotFound is returned when no live record matches the key.
	ErrNotFound = errors.New("no such workspace")
	// ErrStateMismatch is returned when a compare-and-swap lost against a
	// concurrent transition.
	ErrStateMismatch = errors.New("workspace was modified concurrently")
	// ErrInvalidRecord is returned when a write would break a record invariant.
	ErrInvalidRecord = errors.New("invalid workspace record")
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
