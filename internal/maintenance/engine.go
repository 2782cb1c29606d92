// Package maintenance runs the privileged periodic pass that ages out
// workspaces, deletes retired ones, sends reminders and reports drift between
// metadata and storage.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workspaces/internal/lifecycle"
	"workspaces/internal/log"
	"workspaces/internal/model"
	"workspaces/internal/notify"
	"workspaces/internal/pool"
	"workspaces/internal/privilege"
	"workspaces/internal/store"
	"workspaces/internal/volume"
)

// Summary counts what one pass did.
type Summary struct {
	Expired   int       `json:"expired"`
	Deleted   int       `json:"deleted"`
	Reminded  int       `json:"reminded"`
	Failed    int       `json:"failed"`
	Orphans   int       `json:"orphans"`
	Missing   int       `json:"missing"`
	Snapshots int       `json:"snapshots"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Engine runs maintenance passes.
type Engine struct {
	lifecycle *lifecycle.Service
	store     store.Store
	volumes   volume.Manager
	events    notify.Emitter
	schedule  notify.Schedule
	identity  privilege.Identity
	lockPath  string
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockPath sets the pass lock file. Without one no lock is taken.
func WithLockPath(path string) Option {
	return func(e *Engine) { e.lockPath = path }
}

// WithMetrics records pass results.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEmitter sets where reminder and deletion events go.
func WithEmitter(em notify.Emitter) Option {
	return func(e *Engine) { e.events = em }
}

// WithSchedule sets the reminder schedule.
func WithSchedule(s notify.Schedule) Option {
	return func(e *Engine) { e.schedule = s }
}

// NewEngine creates an engine acting as id, which must hold admin scope.
func NewEngine(svc *lifecycle.Service, st store.Store, volumes volume.Manager, id privilege.Identity, opts ...Option) *Engine {
	e := &Engine{
		lifecycle: svc,
		store:     st,
		volumes:   volumes,
		events:    notify.Discard,
		identity:  id,
		logger:    log.WithComponent("maintenance"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type poolCounts struct {
	orphans int
	missing int
	states  map[string]int
}

// RunOnce performs a single pass. Workspaces are processed independently; a
// failure on one is counted and the pass goes on. An error is returned only
// when the pass could not run at all.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	if !privilege.Authorize(e.identity, "", privilege.ScopeAdmin) {
		return Summary{}, fmt.Errorf("%w: maintenance requires root", lifecycle.ErrPermissionDenied)
	}
	if e.lockPath != "" {
		lock, err := AcquirePassLock(e.lockPath)
		if err != nil {
			e.metrics.observe(Summary{}, nil, "locked")
			return Summary{}, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				e.logger.Warn("failed to release pass lock", "path", e.lockPath, "error", err)
			}
		}()
	}

	sum := Summary{Started: e.lifecycle.Now()}
	e.logger.Info("maintenance pass started")

	records, err := e.store.Scan(ctx, store.Filter{})
	if err != nil {
		e.metrics.observe(sum, nil, "error")
		return sum, fmt.Errorf("scan workspaces: %w", err)
	}

	pools := e.lifecycle.Pools()
	remaining := make([]model.Workspace, 0, len(records))
	for _, ws := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		logger := log.WithWorkspace(e.logger, ws.Pool, ws.Name, ws.Owner)
		p, err := pools.Resolve(ws.Pool)
		if err != nil {
			logger.Error("workspace references an unknown pool, skipping", "error", err)
			sum.Failed++
			continue
		}
		if kept := e.process(ctx, logger, p, ws, &sum); kept != nil {
			remaining = append(remaining, *kept)
		}
	}

	byPool := e.reconcile(ctx, pools, remaining, &sum)
	e.snapshot(ctx, pools, &sum)

	sum.Finished = e.lifecycle.Now()
	e.metrics.observe(sum, byPool, "ok")
	e.logger.Info("maintenance pass finished",
		"expired", sum.Expired,
		"deleted", sum.Deleted,
		"reminded", sum.Reminded,
		"failed", sum.Failed,
		"orphans", sum.Orphans,
		"missing", sum.Missing,
		"snapshots", sum.Snapshots,
	)
	return sum, nil
}

// process applies at most one step to ws and returns the record as it stands
// afterwards, or nil once it has been removed.
func (e *Engine) process(ctx context.Context, logger *slog.Logger, p pool.Pool, ws model.Workspace, sum *Summary) *model.Workspace {
	now := e.lifecycle.Now()

	switch ws.State {
	case model.StateActive:
		if !now.Before(ws.ExpiresAt) {
			updated, err := e.lifecycle.ExpireDue(ctx, e.identity, ws)
			switch {
			case err == nil:
				sum.Expired++
				e.metrics.action(p.Name, "expired")
				return &updated
			case errors.Is(err, lifecycle.ErrStateMismatch), errors.Is(err, lifecycle.ErrNotFound):
				logger.Info("workspace changed concurrently, leaving it for the next pass", "error", err)
				return &ws
			default:
				logger.Error("failed to expire workspace", "error", err)
				sum.Failed++
				e.metrics.action(p.Name, "failed")
				return &ws
			}
		}
		return e.remind(ctx, logger, p, ws, now, sum)

	case model.StateExpired:
		if ws.ExpiredAt == nil {
			logger.Error("expired workspace has no expiry time", "error", lifecycle.ErrUnrecoverable)
			sum.Failed++
			return &ws
		}
		if now.Before(ws.ExpiredAt.Add(p.Retention)) {
			return &ws
		}
		return e.delete(ctx, logger, p, ws, now, sum)

	default:
		logger.Error("workspace in unexpected state", "state", ws.State)
		sum.Failed++
		return &ws
	}
}

func (e *Engine) remind(ctx context.Context, logger *slog.Logger, p pool.Pool, ws model.Workspace, now time.Time, sum *Summary) *model.Workspace {
	offset, due := e.schedule.Due(ws.ExpiresAt, now, ws.LastNotifiedOffset)
	if !due {
		return &ws
	}

	next := ws
	next.LastNotifiedOffset = &offset
	updated, err := e.store.CompareAndSwap(ctx, ws, next)
	if err != nil {
		if errors.Is(err, store.ErrStateMismatch) || errors.Is(err, store.ErrNotFound) {
			logger.Info("workspace changed concurrently, reminder deferred", "error", err)
			return &ws
		}
		logger.Error("failed to record reminder", "offset_days", offset, "error", err)
		sum.Failed++
		e.metrics.action(p.Name, "failed")
		return &ws
	}

	ev := notify.NewEvent(notify.KindReminderDue, updated, now)
	ev.DaysRemaining = notify.DaysRemaining(updated.ExpiresAt, now)
	e.events.Emit(ev)
	logger.Info("reminder due", "offset_days", offset, "days_remaining", ev.DaysRemaining)
	sum.Reminded++
	e.metrics.action(p.Name, "reminded")
	return &updated
}

// delete destroys the volume of a retired workspace and then removes its
// record. A volume that is already gone still lets the record go.
func (e *Engine) delete(ctx context.Context, logger *slog.Logger, p pool.Pool, ws model.Workspace, now time.Time, sum *Summary) *model.Workspace {
	loc := p.Location(ws.Owner, ws.Name)
	if err := e.volumes.DestroyVolume(ctx, loc); err != nil {
		if !errors.Is(err, volume.ErrNotFound) {
			logger.Error("failed to destroy volume, retrying next pass", "dataset", loc.Dataset(), "error", err)
			sum.Failed++
			e.metrics.action(p.Name, "failed")
			return &ws
		}
		logger.Warn("volume already gone, removing record", "dataset", loc.Dataset())
	}

	if err := e.store.Remove(ctx, ws, now); err != nil {
		logger.Error("volume destroyed but record removal failed", "dataset", loc.Dataset(), "error", err)
		sum.Failed++
		e.metrics.action(p.Name, "failed")
		return &ws
	}

	e.events.Emit(notify.NewEvent(notify.KindDeleted, ws, now))
	logger.Info("workspace deleted", "dataset", loc.Dataset())
	sum.Deleted++
	e.metrics.action(p.Name, "deleted")
	return nil
}

// reconcile reports volumes without a record and records without a volume.
// It never changes either side.
func (e *Engine) reconcile(ctx context.Context, pools *pool.Registry, records []model.Workspace, sum *Summary) map[string]*poolCounts {
	byPool := make(map[string]*poolCounts)
	recorded := make(map[string]model.Workspace, len(records))
	for _, p := range pools.All() {
		byPool[p.Name] = &poolCounts{states: map[string]int{
			string(model.StateActive):  0,
			string(model.StateExpired): 0,
		}}
	}
	for _, ws := range records {
		p, err := pools.Resolve(ws.Pool)
		if err != nil {
			continue
		}
		recorded[p.Location(ws.Owner, ws.Name).Dataset()] = ws
		byPool[p.Name].states[string(ws.State)]++
	}

	for _, p := range pools.All() {
		vols, err := e.volumes.ListVolumes(ctx, p.Root)
		if err != nil {
			e.logger.Error("cannot list volumes, skipping reconciliation", "pool", p.Name, "error", err)
			continue
		}
		present := make(map[string]bool, len(vols))
		for _, v := range vols {
			dataset := v.Dataset()
			present[dataset] = true
			if _, ok := recorded[dataset]; !ok {
				e.logger.Warn("orphan volume has no workspace record", "pool", p.Name, "dataset", dataset)
				sum.Orphans++
				byPool[p.Name].orphans++
			}
		}
		for dataset, ws := range recorded {
			if ws.Pool != p.Name || present[dataset] {
				continue
			}
			log.WithWorkspace(e.logger, ws.Pool, ws.Name, ws.Owner).
				Warn("workspace record has no volume", "dataset", dataset, "state", ws.State)
			sum.Missing++
			byPool[p.Name].missing++
		}
	}
	return byPool
}

func (e *Engine) snapshot(ctx context.Context, pools *pool.Registry, sum *Summary) {
	for _, p := range pools.All() {
		if !p.Snapshot {
			continue
		}
		name, err := e.volumes.Snapshot(ctx, p.Root, e.lifecycle.Now())
		if err != nil {
			e.logger.Error("snapshot failed", "pool", p.Name, "error", err)
			e.metrics.action(p.Name, "snapshot_failed")
			continue
		}
		e.logger.Info("snapshot taken", "pool", p.Name, "snapshot", name)
		sum.Snapshots++
		e.metrics.action(p.Name, "snapshot")
	}
}
