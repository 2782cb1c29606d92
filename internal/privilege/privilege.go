// Package privilege decides whether an invoking identity may act on a
// workspace. Identities are plain values so the decision stays a pure
// function of its inputs.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"slices"
	"strconv"
)

// Scope is the kind of access an operation requires.
type Scope int

const (
	// ScopeOwner covers operations on the invoker's own workspaces.
	ScopeOwner Scope = iota
	// ScopeAdmin covers maintenance and any cross-user operation.
	ScopeAdmin
)

func (s Scope) String() string {
	if s == ScopeAdmin {
		return "admin"
	}
	return "owner"
}

var ErrNotElevated = errors.New("insufficient privileges: the program must run as root (setuid) to manage storage")

// Identity describes who is invoking the program.
type Identity struct {
	// User is the login name belonging to RealUID.
	User         string
	RealUID      int
	EffectiveUID int
	// Admin is set when User is listed as an administrator in the
	// configuration.
	Admin bool
}

// Root reports whether the real invoker is uid 0.
func (id Identity) Root() bool {
	return id.RealUID == 0
}

// Elevated reports whether the process holds root privileges.
func (id Identity) Elevated() bool {
	return id.EffectiveUID == 0
}

func (id Identity) administrative() bool {
	return id.Elevated() && (id.Root() || id.Admin)
}

// Authorize reports whether id may perform an operation of the given scope on
// a workspace owned by owner. Administrative scope needs an elevated process
// invoked by root or a configured administrator. Owner scope also admits the
// owner themselves.
func Authorize(id Identity, owner string, scope Scope) bool {
	if id.administrative() {
		return true
	}
	if scope == ScopeAdmin {
		return false
	}
	return id.User != "" && id.User == owner
}

// ScopeFor returns the scope needed for id to act on owner's workspace.
func ScopeFor(id Identity, owner string) Scope {
	if id.User == owner {
		return ScopeOwner
	}
	return ScopeAdmin
}

// Current resolves the identity of the running process. The login name comes
// from the real uid, so a setuid binary still sees who invoked it.
func Current(admins []string) (Identity, error) {
	uid := os.Getuid()
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return Identity{}, fmt.Errorf("resolve invoking user (uid %d): %w", uid, err)
	}
	return Identity{
		User:         u.Username,
		RealUID:      uid,
		EffectiveUID: os.Geteuid(),
		Admin:        slices.Contains(admins, u.Username),
	}, nil
}
