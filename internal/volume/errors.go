package volume

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Kind is the closed set of storage failures the rest of the program may
// branch on.
type Kind int

const (
	KindUnavailable Kind = iota
	KindAlreadyExists
	KindNotFound
	KindPermissionDenied
	KindBusy
)

var (
	ErrAlreadyExists    = errors.New("volume already exists")
	ErrNotFound         = errors.New("volume not found")
	ErrPermissionDenied = errors.New("storage permission denied")
	ErrBusy             = errors.New("volume busy")
	ErrUnavailable      = errors.New("storage unavailable")
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyExists:
		return "already exists"
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindBusy:
		return "busy"
	default:
		return "unavailable"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindNotFound:
		return ErrNotFound
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindBusy:
		return ErrBusy
	default:
		return ErrUnavailable
	}
}

// Error is a failed storage manager call.
type Error struct {
	Op      string
	Dataset string
	Kind    Kind
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("zfs %s %s: %s", e.Op, e.Dataset, e.Kind)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindUnavailable if err did not come
// from this package.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnavailable
}

// classify maps a failed zfs invocation onto a Kind using its stderr.
func classify(stderr string, runErr error) Kind {
	if errors.Is(runErr, exec.ErrNotFound) {
		return KindUnavailable
	}
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "no such pool"):
		// An exported pool still holds its datasets.
		return KindUnavailable
	case strings.Contains(s, "already exists"):
		return KindAlreadyExists
	case strings.Contains(s, "does not exist"):
		return KindNotFound
	case strings.Contains(s, "permission denied"), strings.Contains(s, "insufficient privileges"):
		return KindPermissionDenied
	case strings.Contains(s, "busy"):
		return KindBusy
	default:
		return KindUnavailable
	}
}
