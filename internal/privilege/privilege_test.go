package privilege

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize(t *testing.T) {
	alice := Identity{User: "alice", RealUID: 1000, EffectiveUID: 0}
	aliceUnprivileged := Identity{User: "alice", RealUID: 1000, EffectiveUID: 1000}
	root := Identity{User: "root", RealUID: 0, EffectiveUID: 0}
	admin := Identity{User: "ops", RealUID: 1001, EffectiveUID: 0, Admin: true}
	adminUnprivileged := Identity{User: "ops", RealUID: 1001, EffectiveUID: 1001, Admin: true}

	testCases := []struct {
		name     string
		id       Identity
		owner    string
		scope    Scope
		expected bool
	}{
		{"owner acts on own workspace", alice, "alice", ScopeOwner, true},
		{"owner without setuid still passes the predicate", aliceUnprivileged, "alice", ScopeOwner, true},
		{"setuid does not grant access to others", alice, "bob", ScopeOwner, false},
		{"user cannot take admin scope", alice, "alice", ScopeAdmin, false},
		{"root acts on anyone", root, "bob", ScopeOwner, true},
		{"root has admin scope", root, "", ScopeAdmin, true},
		{"configured admin with elevation", admin, "bob", ScopeAdmin, true},
		{"configured admin without elevation", adminUnprivileged, "bob", ScopeAdmin, false},
		{"empty user never owns", Identity{RealUID: 1002, EffectiveUID: 1002}, "", ScopeOwner, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Authorize(tc.id, tc.owner, tc.scope))
		})
	}
}

func TestScopeFor(t *testing.T) {
	id := Identity{User: "alice"}
	assert.Equal(t, ScopeOwner, ScopeFor(id, "alice"))
	assert.Equal(t, ScopeAdmin, ScopeFor(id, "bob"))
	assert.Equal(t, "admin", ScopeAdmin.String())
}

func TestCurrent(t *testing.T) {
	id, err := Current(nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), id.RealUID)
	assert.Equal(t, os.Geteuid(), id.EffectiveUID)
	assert.NotEmpty(t, id.User)
	assert.False(t, id.Admin)

	id, err = Current([]string{id.User})
	require.NoError(t, err)
	assert.True(t, id.Admin)
}
