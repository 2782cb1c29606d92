// Package pool holds the storage pools loaded from configuration.
package pool

import (
	"errors"
	"fmt"
	"path"
	"time"

	"workspaces/config"
	"workspaces/internal/volume"
)

// Day is the unit of every duration and retention setting.
const Day = 24 * time.Hour

var (
	ErrUnknownPool      = errors.New("unknown pool")
	ErrNoPoolSelected   = errors.New("no pool selected and no default pool configured")
	ErrDurationExceeded = errors.New("duration exceeds pool policy")
)

// Pool is an immutable, validated pool definition.
type Pool struct {
	Name            string        `json:"name"`
	Root            string        `json:"root"`
	MountRoot       string        `json:"mount_root,omitempty"`
	DefaultDuration time.Duration `json:"default_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	Retention       time.Duration `json:"retention"`
	Quota           uint64        `json:"quota,omitempty"`
	Snapshot        bool          `json:"snapshot"`
	Disabled        bool          `json:"disabled"`
}

// Location returns where the volume of owner's workspace name lives.
func (p Pool) Location(owner, name string) volume.Location {
	return volume.Location{Root: p.Root, Owner: owner, Name: name}
}

// Mountpoint returns the path users see for a workspace, or "" if the pool
// has no mount root configured.
func (p Pool) Mountpoint(owner, name string) string {
	if p.MountRoot == "" {
		return ""
	}
	return path.Join(p.MountRoot, owner, name)
}

// ClampDuration returns the duration a request actually gets: the default
// when requested is zero, otherwise at most MaxDuration.
func (p Pool) ClampDuration(requested time.Duration) (time.Duration, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: negative duration %s", ErrDurationExceeded, requested)
	case requested == 0:
		return p.DefaultDuration, nil
	case requested > p.MaxDuration:
		return p.MaxDuration, nil
	default:
		return requested, nil
	}
}

// Registry resolves pool names. It is read-only once built.
type Registry struct {
	pools    map[string]Pool
	names    []string
	fallback string
}

// NewRegistry builds a registry from a validated configuration.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("no pools configured")
	}
	r := &Registry{
		pools: make(map[string]Pool, len(cfg.Pools)),
		names: cfg.PoolNames(),
	}
	for _, name := range r.names {
		pc := cfg.Pools[name]
		r.pools[name] = Pool{
			Name:            name,
			Root:            pc.Root,
			MountRoot:       pc.MountRoot,
			DefaultDuration: time.Duration(pc.DefaultDurationDays) * Day,
			MaxDuration:     time.Duration(pc.MaxDurationDays) * Day,
			Retention:       time.Duration(pc.RetentionDays) * Day,
			Quota:           pc.QuotaBytes,
			Snapshot:        pc.Snapshot,
			Disabled:        pc.Disabled,
		}
	}
	switch {
	case cfg.DefaultPool != "":
		r.fallback = cfg.DefaultPool
	case len(r.names) == 1:
		r.fallback = r.names[0]
	}
	return r, nil
}

// Resolve looks a pool up by name. An empty name selects the default pool.
func (r *Registry) Resolve(name string) (Pool, error) {
	if name == "" {
		if r.fallback == "" {
			return Pool{}, ErrNoPoolSelected
		}
		name = r.fallback
	}
	p, ok := r.pools[name]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	return p, nil
}

// ClampDuration resolves poolName and clamps requested against it.
func (r *Registry) ClampDuration(poolName string, requested time.Duration) (time.Duration, error) {
	p, err := r.Resolve(poolName)
	if err != nil {
		return 0, err
	}
	return p.ClampDuration(requested)
}

// Default returns the pool used when none is named, if any.
func (r *Registry) Default() (string, bool) {
	return r.fallback, r.fallback != ""
}

// Names returns the pool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// All returns every pool in name order.
func (r *Registry) All() []Pool {
	out := make([]Pool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.pools[name])
	}
	return out
}
