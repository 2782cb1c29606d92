// Package volumetest provides an in-memory volume.Manager for tests.
package volumetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"workspaces/internal/volume"
)

// Volume is the state the fake keeps per dataset.
type Volume struct {
	Quota    uint64
	ReadOnly bool
	Used     uint64
}

// Manager is a concurrency-safe in-memory volume.Manager. Fail, when set, is
// consulted before every operation and its error returned as is.
type Manager struct {
	mu        sync.Mutex
	volumes   map[string]*Volume
	snapshots []string

	// Fail lets a test inject an error for an operation ("create",
	// "destroy", "set", "get", "rename", "list", "snapshot") on a dataset.
	Fail func(op, dataset string) error
	// PoolFree is reported as free space by Usage.
	PoolFree uint64
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{volumes: make(map[string]*Volume), PoolFree: 1 << 40}
}

// Err builds the typed error the real adapter would return.
func Err(kind volume.Kind, op, dataset string) error {
	return &volume.Error{Op: op, Dataset: dataset, Kind: kind}
}

func (m *Manager) fail(op, dataset string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, dataset)
}

// Add places a volume directly, bypassing CreateVolume.
func (m *Manager) Add(loc volume.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[loc.Dataset()] = &Volume{}
}

// Get returns a copy of the volume at loc.
func (m *Manager) Get(loc volume.Location) (Volume, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[loc.Dataset()]
	if !ok {
		return Volume{}, false
	}
	return *v, true
}

// Len returns the number of volumes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.volumes)
}

// Snapshots returns the names of all snapshots taken.
func (m *Manager) Snapshots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.snapshots...)
}

func (m *Manager) CreateVolume(_ context.Context, loc volume.Location, quota uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dataset := loc.Dataset()
	if err := m.fail("create", dataset); err != nil {
		return err
	}
	if _, ok := m.volumes[dataset]; ok {
		return Err(volume.KindAlreadyExists, "create", dataset)
	}
	m.volumes[dataset] = &Volume{Quota: quota}
	return nil
}

func (m *Manager) DestroyVolume(_ context.Context, loc volume.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dataset := loc.Dataset()
	if err := m.fail("destroy", dataset); err != nil {
		return err
	}
	if _, ok := m.volumes[dataset]; !ok {
		return Err(volume.KindNotFound, "destroy", dataset)
	}
	delete(m.volumes, dataset)
	return nil
}

func (m *Manager) SetReadOnly(_ context.Context, loc volume.Location, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dataset := loc.Dataset()
	if err := m.fail("set", dataset); err != nil {
		return err
	}
	v, ok := m.volumes[dataset]
	if !ok {
		return Err(volume.KindNotFound, "set", dataset)
	}
	v.ReadOnly = readOnly
	return nil
}

// Usage reports pool-wide figures when loc has no owner, otherwise the
// volume's own.
func (m *Manager) Usage(_ context.Context, loc volume.Location) (volume.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dataset := loc.Dataset()
	if err := m.fail("get", dataset); err != nil {
		return volume.Usage{}, err
	}
	if loc.Owner == "" {
		var used uint64
		for _, v := range m.volumes {
			used += v.Used
		}
		return volume.Usage{Used: used, Free: m.PoolFree, Total: used + m.PoolFree}, nil
	}
	v, ok := m.volumes[dataset]
	if !ok {
		return volume.Usage{}, Err(volume.KindNotFound, "get", dataset)
	}
	free := m.PoolFree
	if v.Quota > 0 && v.Quota-v.Used < free {
		free = v.Quota - v.Used
	}
	return volume.Usage{Used: v.Used, Free: free, Total: v.Used + free}, nil
}

func (m *Manager) RenameVolume(_ context.Context, from volume.Location, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := from.Dataset()
	to := from
	to.Name = newName
	dst := to.Dataset()
	if err := m.fail("rename", src); err != nil {
		return err
	}
	v, ok := m.volumes[src]
	if !ok {
		return Err(volume.KindNotFound, "rename", src)
	}
	if _, ok := m.volumes[dst]; ok {
		return Err(volume.KindAlreadyExists, "rename", dst)
	}
	delete(m.volumes, src)
	m.volumes[dst] = v
	return nil
}

func (m *Manager) ListVolumes(_ context.Context, root string) ([]volume.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list", root); err != nil {
		return nil, err
	}
	var out []volume.Location
	for dataset := range m.volumes {
		if loc, ok := split(root, dataset); ok {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset() < out[j].Dataset() })
	return out, nil
}

func (m *Manager) Snapshot(_ context.Context, root string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("snapshot", root); err != nil {
		return "", err
	}
	name := root + "@" + at.UTC().Format(time.RFC3339)
	m.snapshots = append(m.snapshots, name)
	return name, nil
}

func split(root, dataset string) (volume.Location, bool) {
	rest, ok := strings.CutPrefix(dataset, root+"/")
	if !ok {
		return volume.Location{}, false
	}
	owner, name, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return volume.Location{}, false
	}
	return volume.Location{Root: root, Owner: owner, Name: name}, true
}

var _ volume.Manager = (*Manager)(nil)
