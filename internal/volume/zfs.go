// Package volume wraps the ZFS command line behind the few primitives the
// workspace lifecycle needs. Nothing outside this package parses zfs output.
package volume

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path"
	"strconv"
	"strings"
	"time"

	"workspaces/internal/log"
)

// Location addresses a dataset as <root>/<owner>/<name>. Empty trailing parts
// address the owner or pool root dataset.
type Location struct {
	Root  string
	Owner string
	Name  string
}

// Dataset returns the ZFS dataset name of l.
func (l Location) Dataset() string {
	parts := []string{l.Root}
	if l.Owner != "" {
		parts = append(parts, l.Owner)
		if l.Name != "" {
			parts = append(parts, l.Name)
		}
	}
	return path.Join(parts...)
}

// Usage is the space accounting of a dataset in bytes.
type Usage struct {
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
	Total uint64 `json:"total"`
}

// Manager is the storage adapter used by lifecycle operations and the
// maintenance engine. Calls are synchronous and never retried internally.
type Manager interface {
	CreateVolume(ctx context.Context, loc Location, quota uint64) error
	DestroyVolume(ctx context.Context, loc Location) error
	SetReadOnly(ctx context.Context, loc Location, readOnly bool) error
	Usage(ctx context.Context, loc Location) (Usage, error)
	RenameVolume(ctx context.Context, from Location, newName string) error
	ListVolumes(ctx context.Context, root string) ([]Location, error)
	Snapshot(ctx context.Context, root string, at time.Time) (string, error)
}

// Runner executes the zfs binary.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs zfs as a child process.
type ExecRunner struct {
	// Path of the binary; "zfs" is looked up in PATH when empty.
	Path string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	bin := r.Path
	if bin == "" {
		bin = "zfs"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ZFS implements Manager on top of a Runner.
type ZFS struct {
	runner Runner
	logger *slog.Logger
	// prepare hands a freshly created mountpoint over to its owner.
	prepare func(mountpoint, owner string) error
}

// NewZFS returns a Manager shelling out through runner.
func NewZFS(runner Runner) *ZFS {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ZFS{runner: runner, logger: log.WithComponent("zfs"), prepare: chownMountpoint}
}

// chownMountpoint gives owner the mountpoint with mode 0750.
func chownMountpoint(mountpoint, owner string) error {
	u, err := user.Lookup(owner)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if err := os.Chmod(mountpoint, 0o750); err != nil {
		return err
	}
	return os.Chown(mountpoint, uid, gid)
}

func (z *ZFS) run(ctx context.Context, op, dataset string, args ...string) ([]byte, error) {
	z.logger.Debug("running zfs", "args", strings.Join(args, " "))
	stdout, stderr, err := z.runner.Run(ctx, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		return nil, &Error{Op: op, Dataset: dataset, Kind: classify(msg, err), Stderr: msg, Err: err}
	}
	return stdout, nil
}

// CreateVolume creates the owner dataset if needed, then the workspace
// dataset. The leaf is created without -p so that zfs itself refuses an
// existing dataset.
func (z *ZFS) CreateVolume(ctx context.Context, loc Location, quota uint64) error {
	parent := Location{Root: loc.Root, Owner: loc.Owner}.Dataset()
	if _, err := z.run(ctx, "create", parent, "create", "-p", parent); err != nil {
		return err
	}

	dataset := loc.Dataset()
	args := []string{"create"}
	if quota > 0 {
		args = append(args, "-o", "quota="+strconv.FormatUint(quota, 10))
	}
	args = append(args, dataset)
	if _, err := z.run(ctx, "create", dataset, args...); err != nil {
		return err
	}

	// The volume exists from here on; a mountpoint that cannot be handed
	// over is left for an administrator.
	out, err := z.run(ctx, "get", dataset, "get", "-H", "-o", "value", "mountpoint", dataset)
	if err != nil {
		z.logger.Warn("could not read mountpoint of new volume", "dataset", dataset, "error", err)
		return nil
	}
	mountpoint := strings.TrimSpace(string(out))
	if !strings.HasPrefix(mountpoint, "/") {
		return nil
	}
	if err := z.prepare(mountpoint, loc.Owner); err != nil {
		z.logger.Warn("could not hand mountpoint to owner", "mountpoint", mountpoint, "owner", loc.Owner, "error", err)
	}
	return nil
}

// DestroyVolume recursively destroys the dataset and its snapshots.
func (z *ZFS) DestroyVolume(ctx context.Context, loc Location) error {
	dataset := loc.Dataset()
	_, err := z.run(ctx, "destroy", dataset, "destroy", "-r", dataset)
	return err
}

func (z *ZFS) SetReadOnly(ctx context.Context, loc Location, readOnly bool) error {
	value := "off"
	if readOnly {
		value = "on"
	}
	dataset := loc.Dataset()
	_, err := z.run(ctx, "set", dataset, "set", "readonly="+value, dataset)
	return err
}

func (z *ZFS) Usage(ctx context.Context, loc Location) (Usage, error) {
	dataset := loc.Dataset()
	out, err := z.run(ctx, "get", dataset, "get", "-Hp", "-o", "value", "used,available", dataset)
	if err != nil {
		return Usage{}, err
	}

	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return Usage{}, &Error{Op: "get", Dataset: dataset, Kind: KindUnavailable, Err: fmt.Errorf("unexpected output %q", string(out))}
	}
	used, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Usage{}, &Error{Op: "get", Dataset: dataset, Kind: KindUnavailable, Err: fmt.Errorf("parse used: %w", err)}
	}
	free, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Usage{}, &Error{Op: "get", Dataset: dataset, Kind: KindUnavailable, Err: fmt.Errorf("parse available: %w", err)}
	}
	return Usage{Used: used, Free: free, Total: used + free}, nil
}

// RenameVolume renames the dataset within its owner directory.
func (z *ZFS) RenameVolume(ctx context.Context, from Location, newName string) error {
	to := from
	to.Name = newName
	_, err := z.run(ctx, "rename", from.Dataset(), "rename", from.Dataset(), to.Dataset())
	return err
}

// ListVolumes returns every <root>/<owner>/<name> dataset below root.
func (z *ZFS) ListVolumes(ctx context.Context, root string) ([]Location, error) {
	out, err := z.run(ctx, "list", root, "list", "-H", "-o", "name", "-r", "-t", "filesystem", root)
	if err != nil {
		return nil, err
	}

	var vols []Location
	prefix := strings.TrimSuffix(root, "/") + "/"
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(line, prefix), "/")
		if len(parts) != 2 {
			continue
		}
		vols = append(vols, Location{Root: root, Owner: parts[0], Name: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Op: "list", Dataset: root, Kind: KindUnavailable, Err: err}
	}
	return vols, nil
}

// Snapshot takes a recursive snapshot of root named after at and returns its
// full name.
func (z *ZFS) Snapshot(ctx context.Context, root string, at time.Time) (string, error) {
	name := root + "@" + at.UTC().Format(time.RFC3339)
	if _, err := z.run(ctx, "snapshot", root, "snapshot", "-r", name); err != nil {
		return "", err
	}
	return name, nil
}
