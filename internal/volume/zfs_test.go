package volume

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner records every invocation and answers through RunFunc.
type scriptedRunner struct {
	calls   [][]string
	RunFunc func(args []string) (stdout, stderr string, err error)
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) ([]byte, []byte, error) {
	r.calls = append(r.calls, args)
	if r.RunFunc == nil {
		return nil, nil, nil
	}
	stdout, stderr, err := r.RunFunc(args)
	return []byte(stdout), []byte(stderr), err
}

var errExit = errors.New("exit status 1")

func TestLocation_Dataset(t *testing.T) {
	assert.Equal(t, "tank/ws/alice/sim1", Location{Root: "tank/ws", Owner: "alice", Name: "sim1"}.Dataset())
	assert.Equal(t, "tank/ws/alice", Location{Root: "tank/ws", Owner: "alice"}.Dataset())
	assert.Equal(t, "tank/ws", Location{Root: "tank/ws"}.Dataset())
}

func TestZFS_CreateVolume(t *testing.T) {
	r := &scriptedRunner{RunFunc: func(args []string) (string, string, error) {
		if args[0] == "get" {
			return "/ws/alice/sim1\n", "", nil
		}
		return "", "", nil
	}}
	z := NewZFS(r)
	var prepared, preparedFor string
	z.prepare = func(mountpoint, owner string) error {
		prepared, preparedFor = mountpoint, owner
		return nil
	}

	err := z.CreateVolume(context.Background(), Location{Root: "tank/ws", Owner: "alice", Name: "sim1"}, 1<<30)
	require.NoError(t, err)
	require.Len(t, r.calls, 3)
	assert.Equal(t, []string{"create", "-p", "tank/ws/alice"}, r.calls[0])
	assert.Equal(t, []string{"create", "-o", "quota=1073741824", "tank/ws/alice/sim1"}, r.calls[1])
	assert.Equal(t, []string{"get", "-H", "-o", "value", "mountpoint", "tank/ws/alice/sim1"}, r.calls[2])
	assert.Equal(t, "/ws/alice/sim1", prepared)
	assert.Equal(t, "alice", preparedFor)
}

func TestZFS_CreateVolume_MountpointFailureIsNotFatal(t *testing.T) {
	r := &scriptedRunner{RunFunc: func(args []string) (string, string, error) {
		if args[0] == "get" {
			return "/ws/alice/sim1\n", "", nil
		}
		return "", "", nil
	}}
	z := NewZFS(r)
	z.prepare = func(string, string) error { return errors.New("unknown user alice") }

	assert.NoError(t, z.CreateVolume(context.Background(), Location{Root: "tank/ws", Owner: "alice", Name: "sim1"}, 0))
}

func TestZFS_CreateVolume_AlreadyExists(t *testing.T) {
	r := &scriptedRunner{RunFunc: func(args []string) (string, string, error) {
		if args[1] == "-p" {
			return "", "", nil
		}
		return "", "cannot create 'tank/ws/alice/sim1': dataset already exists\n", errExit
	}}
	z := NewZFS(r)

	err := z.CreateVolume(context.Background(), Location{Root: "tank/ws", Owner: "alice", Name: "sim1"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, KindAlreadyExists, KindOf(err))
	assert.Equal(t, []string{"create", "tank/ws/alice/sim1"}, r.calls[1], "leaf must be created without -p")
}

func TestZFS_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name     string
		stderr   string
		runErr   error
		expected error
	}{
		{"missing dataset", "cannot open 'tank/ws/alice/x': dataset does not exist", errExit, ErrNotFound},
		{"permission", "cannot destroy 'tank/ws/alice/x': permission denied", errExit, ErrPermissionDenied},
		{"privileges", "cannot set property: insufficient privileges", errExit, ErrPermissionDenied},
		{"busy", "cannot unmount '/ws/alice/x': pool or dataset is busy", errExit, ErrBusy},
		{"pool not imported", "cannot open 'tank/ws/alice/x': no such pool 'tank'", errExit, ErrUnavailable},
		{"no binary", "", exec.ErrNotFound, ErrUnavailable},
		{"no module", "The ZFS modules are not loaded.\nTry running '/sbin/modprobe zfs' as root to load them.", errExit, ErrUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			z := NewZFS(&scriptedRunner{RunFunc: func([]string) (string, string, error) {
				return "", tc.stderr, tc.runErr
			}})
			err := z.DestroyVolume(context.Background(), Location{Root: "tank/ws", Owner: "alice", Name: "x"})
			assert.ErrorIs(t, err, tc.expected)

			var ve *Error
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "destroy", ve.Op)
			assert.Equal(t, "tank/ws/alice/x", ve.Dataset)
		})
	}
}

func TestZFS_SetReadOnly(t *testing.T) {
	r := &scriptedRunner{}
	z := NewZFS(r)
	loc := Location{Root: "tank/ws", Owner: "alice", Name: "sim1"}

	require.NoError(t, z.SetReadOnly(context.Background(), loc, true))
	require.NoError(t, z.SetReadOnly(context.Background(), loc, false))
	assert.Equal(t, []string{"set", "readonly=on", "tank/ws/alice/sim1"}, r.calls[0])
	assert.Equal(t, []string{"set", "readonly=off", "tank/ws/alice/sim1"}, r.calls[1])
}

func TestZFS_Usage(t *testing.T) {
	r := &scriptedRunner{RunFunc: func([]string) (string, string, error) {
		return "1024\n3072\n", "", nil
	}}
	z := NewZFS(r)

	u, err := z.Usage(context.Background(), Location{Root: "tank/ws"})
	require.NoError(t, err)
	assert.Equal(t, Usage{Used: 1024, Free: 3072, Total: 4096}, u)
	assert.Equal(t, []string{"get", "-Hp", "-o", "value", "used,available", "tank/ws"}, r.calls[0])

	r.RunFunc = func([]string) (string, string, error) { return "garbage\n", "", nil }
	_, err = z.Usage(context.Background(), Location{Root: "tank/ws"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestZFS_RenameVolume(t *testing.T) {
	r := &scriptedRunner{}
	z := NewZFS(r)

	require.NoError(t, z.RenameVolume(context.Background(), Location{Root: "tank/ws", Owner: "alice", Name: "old"}, "new"))
	assert.Equal(t, []string{"rename", "tank/ws/alice/old", "tank/ws/alice/new"}, r.calls[0])
}

func TestZFS_ListVolumes(t *testing.T) {
	listing := strings.Join([]string{
		"tank/ws",
		"tank/ws/alice",
		"tank/ws/alice/sim1",
		"tank/ws/alice/sim1/nested",
		"tank/ws/bob",
		"tank/ws/bob/data",
	}, "\n") + "\n"
	r := &scriptedRunner{RunFunc: func([]string) (string, string, error) { return listing, "", nil }}
	z := NewZFS(r)

	vols, err := z.ListVolumes(context.Background(), "tank/ws")
	require.NoError(t, err)
	assert.Equal(t, []Location{
		{Root: "tank/ws", Owner: "alice", Name: "sim1"},
		{Root: "tank/ws", Owner: "bob", Name: "data"},
	}, vols)
}

func TestZFS_Snapshot(t *testing.T) {
	r := &scriptedRunner{}
	z := NewZFS(r)
	at := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

	name, err := z.Snapshot(context.Background(), "tank/ws", at)
	require.NoError(t, err)
	assert.Equal(t, "tank/ws@2026-03-01T04:00:00Z", name)
	assert.Equal(t, []string{"snapshot", "-r", "tank/ws@2026-03-01T04:00:00Z"}, r.calls[0])
}
