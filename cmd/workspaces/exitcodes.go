package main

import (
	"errors"

	"workspaces/config"
	"workspaces/internal/lifecycle"
	"workspaces/internal/maintenance"
	"workspaces/internal/notify"
	"workspaces/internal/privilege"
	"workspaces/internal/volume"
)

// Process exit codes. They are part of the command-line contract and must not
// be renumbered.
const (
	exitOK                = 0
	exitFailure           = 1
	exitUsage             = 2
	exitConfig            = 3
	exitUnknownPool       = 10
	exitNoPoolSelected    = 11
	exitInvalidName       = 12
	exitDurationExceeded  = 13
	exitConflict          = 14
	exitNotFound          = 15
	exitStateMismatch     = 16
	exitPermissionDenied  = 17
	exitPoolDisabled      = 18
	exitPassInProgress    = 19
	exitStorageUnavail    = 20
	exitStorageBusy       = 21
	exitStorageDenied     = 22
	exitInconsistent      = 23
	exitUnrecoverable     = 24
	exitNotElevated       = 25
	exitNoRecipient       = 26
	exitStorageNotFound   = 27
	exitStorageDuplicated = 28
)

// errUsage marks a malformed command line.
var errUsage = errors.New("usage")

// configError marks a configuration that could not be loaded.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// exitCode maps an error to its exit code. Inconsistent is checked first
// because it wraps the metadata error that caused it.
func exitCode(err error) int {
	var cfgErr configError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, lifecycle.ErrInconsistent):
		return exitInconsistent
	case errors.Is(err, lifecycle.ErrUnrecoverable):
		return exitUnrecoverable
	case errors.Is(err, privilege.ErrNotElevated):
		return exitNotElevated
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.Is(err, lifecycle.ErrUnknownPool):
		return exitUnknownPool
	case errors.Is(err, lifecycle.ErrNoPoolSelected):
		return exitNoPoolSelected
	case errors.Is(err, lifecycle.ErrPoolDisabled):
		return exitPoolDisabled
	case errors.Is(err, lifecycle.ErrInvalidName):
		return exitInvalidName
	case errors.Is(err, lifecycle.ErrDurationExceeded):
		return exitDurationExceeded
	case errors.Is(err, lifecycle.ErrConflict):
		return exitConflict
	case errors.Is(err, lifecycle.ErrNotFound):
		return exitNotFound
	case errors.Is(err, lifecycle.ErrStateMismatch):
		return exitStateMismatch
	case errors.Is(err, maintenance.ErrPassInProgress):
		return exitPassInProgress
	case errors.Is(err, notify.ErrNoRecipient):
		return exitNoRecipient
	case errors.Is(err, volume.ErrAlreadyExists):
		return exitStorageDuplicated
	case errors.Is(err, volume.ErrNotFound):
		return exitStorageNotFound
	case errors.Is(err, volume.ErrBusy):
		return exitStorageBusy
	case errors.Is(err, volume.ErrPermissionDenied):
		return exitStorageDenied
	case errors.Is(err, volume.ErrUnavailable):
		return exitStorageUnavail
	default:
		return exitFailure
	}
}

// hint adds an actionable line for errors that need more than their message.
func hint(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrInconsistent):
		return "storage was changed but the metadata was not updated; the next maintenance pass reports the drift, or ask an administrator"
	case errors.Is(err, lifecycle.ErrNoPoolSelected):
		return "select a pool with -f/--pool; see 'workspaces pools'"
	case errors.Is(err, lifecycle.ErrStateMismatch):
		return "the workspace is not in the state this command needs; check 'workspaces list'"
	case errors.Is(err, maintenance.ErrPassInProgress):
		return "another maintenance pass holds the lock; try again later"
	case errors.Is(err, privilege.ErrNotElevated), errors.Is(err, volume.ErrPermissionDenied):
		return "the binary must be installed setuid root"
	case errors.Is(err, config.ErrPermissions):
		return "run: chmod 600 <config file>"
	}
	return ""
}
