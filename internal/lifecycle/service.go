// Package lifecycle implements the guarded state transitions of a workspace:
// create, extend, expire and rename. Every transition applies its storage
// effect first and then commits a compare-and-swap on the metadata record.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workspaces/internal/log"
	"workspaces/internal/model"
	"workspaces/internal/notify"
	"workspaces/internal/parse"
	"workspaces/internal/pool"
	"workspaces/internal/privilege"
	"workspaces/internal/store"
	"workspaces/internal/volume"
)

// DefaultMaxCASRetries is how often a transition re-reads and retries after
// losing a revision race.
const DefaultMaxCASRetries = 1

// Service runs lifecycle operations.
type Service struct {
	store    store.Store
	pools    *pool.Registry
	volumes  volume.Manager
	events   notify.Emitter
	schedule notify.Schedule
	now      func() time.Time
	retries  int
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEmitter sets where events go after a transition commits.
func WithEmitter(e notify.Emitter) Option {
	return func(s *Service) { s.events = e }
}

// WithSchedule sets the reminder schedule used to seed the watermark.
func WithSchedule(sched notify.Schedule) Option {
	return func(s *Service) { s.schedule = sched }
}

// WithMaxCASRetries bounds the re-read-and-retry loop.
func WithMaxCASRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// NewService wires a Service.
func NewService(st store.Store, pools *pool.Registry, volumes volume.Manager, opts ...Option) *Service {
	s := &Service{
		store:   st,
		pools:   pools,
		volumes: volumes,
		events:  notify.Discard,
		now:     time.Now,
		retries: DefaultMaxCASRetries,
		logger:  log.WithComponent("lifecycle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current time in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Pools returns the registry the service resolves pools from.
func (s *Service) Pools() *pool.Registry {
	return s.pools
}

// CreateRequest describes a new workspace.
type CreateRequest struct {
	Pool  string
	Name  string
	Owner string
	// Duration is clamped to the pool policy; zero selects the default.
	Duration time.Duration
}

// Create makes a volume and records it as an Active workspace.
func (s *Service) Create(ctx context.Context, id privilege.Identity, req CreateRequest) (model.Workspace, error) {
	name, err := parse.Name(req.Name)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	owner, err := parse.Owner(req.Owner)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	p, err := s.pools.Resolve(req.Pool)
	if err != nil {
		return model.Workspace{}, err
	}
	if err := s.authorize(id, owner, p); err != nil {
		return model.Workspace{}, err
	}
	duration, err := p.ClampDuration(req.Duration)
	if err != nil {
		return model.Workspace{}, err
	}

	now := s.Now()
	expiresAt := now.Add(duration)
	ws := model.Workspace{
		Pool:               p.Name,
		Name:               name,
		Owner:              owner,
		State:              model.StateActive,
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
		LastNotifiedOffset: s.schedule.Watermark(expiresAt, now),
	}
	if err := ws.Validate(); err != nil {
		return model.Workspace{}, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	logger := log.WithWorkspace(s.logger, ws.Pool, ws.Name, ws.Owner)

	// Records are keyed by pool and name while volumes also carry the owner,
	// so another owner's workspace of the same name is only visible here.
	if _, err := s.store.Get(ctx, ws.Key()); err == nil {
		return model.Workspace{}, fmt.Errorf("%w: %s", ErrConflict, ws.Key())
	} else if !errors.Is(err, ErrNotFound) {
		return model.Workspace{}, err
	}

	loc := p.Location(owner, name)
	if err := s.volumes.CreateVolume(ctx, loc, p.Quota); err != nil {
		if errors.Is(err, volume.ErrAlreadyExists) {
			return model.Workspace{}, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return model.Workspace{}, err
	}

	if err := s.store.Insert(ctx, &ws); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost to a concurrent create of the same name: the volume is ours.
			destroyErr := s.volumes.DestroyVolume(ctx, loc)
			if destroyErr == nil {
				logger.Info("name taken concurrently, volume removed", "dataset", loc.Dataset())
				return model.Workspace{}, fmt.Errorf("%w: %s", ErrConflict, ws.Key())
			}
			logger.Error("failed to remove volume after name conflict", "dataset", loc.Dataset(), "error", destroyErr)
		} else {
			logger.Error("volume created but metadata insert failed", "dataset", loc.Dataset(), "error", err)
		}
		return model.Workspace{}, &InconsistentError{
			Op:      "create",
			Key:     ws.Key(),
			Applied: fmt.Sprintf("volume %s was created", loc.Dataset()),
			Err:     err,
		}
	}

	logger.Info("workspace created", "expires_at", ws.ExpiresAt)
	s.events.Emit(notify.NewEvent(notify.KindCreated, ws, now))
	return ws, nil
}

// Extend pushes the expiry of an Active workspace out by requested, counted
// from the later of now and the current expiry, capped at created_at plus the
// pool's maximum duration.
func (s *Service) Extend(ctx context.Context, id privilege.Identity, key model.Key, requested time.Duration) (model.Workspace, error) {
	p, err := s.pools.Resolve(key.Pool)
	if err != nil {
		return model.Workspace{}, err
	}
	key.Pool = p.Name
	duration, err := p.ClampDuration(requested)
	if err != nil {
		return model.Workspace{}, err
	}

	writable := false
	updated, err := s.withRetry(ctx, key, func(ws model.Workspace) (model.Workspace, error) {
		if err := s.authorize(id, ws.Owner, p); err != nil {
			return model.Workspace{}, err
		}
		if ws.State != model.StateActive {
			return model.Workspace{}, fmt.Errorf("%w: %s is already %s", ErrStateMismatch, key, ws.State)
		}

		now := s.Now()
		base := ws.ExpiresAt
		if now.After(base) {
			base = now
		}
		expiresAt := base.Add(duration)
		if limit := ws.CreatedAt.Add(p.MaxDuration); expiresAt.After(limit) {
			expiresAt = limit
		}
		if !expiresAt.After(ws.ExpiresAt) {
			return model.Workspace{}, fmt.Errorf("%w: %s already expires at %s, the latest allowed for pool %s",
				ErrDurationExceeded, key, ws.ExpiresAt.Format(time.RFC3339), p.Name)
		}

		// Undo a read-only flag left behind by an expire whose commit failed.
		if !writable {
			if err := s.volumes.SetReadOnly(ctx, p.Location(ws.Owner, ws.Name), false); err != nil {
				return model.Workspace{}, err
			}
			writable = true
		}

		next := ws
		next.ExpiresAt = expiresAt
		next.LastNotifiedOffset = s.schedule.Watermark(expiresAt, now)
		updated, err := s.store.CompareAndSwap(ctx, ws, next)
		if err != nil {
			return model.Workspace{}, retryable(err)
		}
		return updated, nil
	})
	if err != nil {
		if writable && !errors.Is(err, ErrInconsistent) {
			err = s.settleReadOnly(ctx, p, "extend", key, "read-only was cleared", err)
		}
		return model.Workspace{}, err
	}

	log.WithWorkspace(s.logger, updated.Pool, updated.Name, updated.Owner).
		Info("workspace extended", "expires_at", updated.ExpiresAt)
	s.events.Emit(notify.NewEvent(notify.KindExtended, updated, s.Now()))
	return updated, nil
}

// Expire manually retires an Active workspace: its volume becomes read-only
// and the retention period starts now.
func (s *Service) Expire(ctx context.Context, id privilege.Identity, key model.Key) (model.Workspace, error) {
	p, err := s.pools.Resolve(key.Pool)
	if err != nil {
		return model.Workspace{}, err
	}
	key.Pool = p.Name

	readOnly := false
	updated, err := s.withRetry(ctx, key, func(ws model.Workspace) (model.Workspace, error) {
		if !privilege.Authorize(id, ws.Owner, privilege.ScopeFor(id, ws.Owner)) {
			return model.Workspace{}, fmt.Errorf("%w: %s belongs to %s", ErrPermissionDenied, key, ws.Owner)
		}
		return s.expire(ctx, p, ws, &readOnly)
	})
	if err != nil {
		if readOnly && !errors.Is(err, ErrInconsistent) {
			err = s.settleReadOnly(ctx, p, "expire", key, "volume was made read-only", err)
		}
		return model.Workspace{}, err
	}
	s.emitExpired(notify.KindManuallyExpired, p, updated)
	return updated, nil
}

// ExpireDue retires a workspace whose expiry has passed. ws is the record
// the caller observed; the due check runs against a fresh read of it.
func (s *Service) ExpireDue(ctx context.Context, id privilege.Identity, ws model.Workspace) (model.Workspace, error) {
	if !privilege.Authorize(id, ws.Owner, privilege.ScopeAdmin) {
		return model.Workspace{}, ErrPermissionDenied
	}
	p, err := s.pools.Resolve(ws.Pool)
	if err != nil {
		return model.Workspace{}, err
	}

	readOnly := false
	updated, err := s.withRetry(ctx, ws.Key(), func(current model.Workspace) (model.Workspace, error) {
		if s.Now().Before(current.ExpiresAt) {
			return model.Workspace{}, fmt.Errorf("%w: %s is not due until %s", ErrStateMismatch, current.Key(), current.ExpiresAt.Format(time.RFC3339))
		}
		return s.expire(ctx, p, current, &readOnly)
	})
	if err != nil {
		if readOnly && !errors.Is(err, ErrInconsistent) {
			err = s.settleReadOnly(ctx, p, "expire", ws.Key(), "volume was made read-only", err)
		}
		return model.Workspace{}, err
	}
	s.emitExpired(notify.KindAutoExpired, p, updated)
	return updated, nil
}

// expire is the single Active -> Expired transition shared by the manual and
// automatic paths. readOnly is set once the volume has been made read-only.
func (s *Service) expire(ctx context.Context, p pool.Pool, ws model.Workspace, readOnly *bool) (model.Workspace, error) {
	if ws.State != model.StateActive {
		return model.Workspace{}, fmt.Errorf("%w: %s is already %s", ErrStateMismatch, ws.Key(), ws.State)
	}

	loc := p.Location(ws.Owner, ws.Name)
	if err := s.volumes.SetReadOnly(ctx, loc, true); err != nil {
		return model.Workspace{}, err
	}
	*readOnly = true

	now := s.Now()
	next := ws
	next.State = model.StateExpired
	// An early expiry moves expires_at back to now so that expired_at never
	// precedes it.
	if now.Before(next.ExpiresAt) {
		next.ExpiresAt = now
		if !next.ExpiresAt.After(next.CreatedAt) {
			next.ExpiresAt = next.CreatedAt.Add(time.Second)
		}
	}
	expiredAt := now
	if expiredAt.Before(next.ExpiresAt) {
		expiredAt = next.ExpiresAt
	}
	next.ExpiredAt = &expiredAt

	updated, err := s.store.CompareAndSwap(ctx, ws, next)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, ErrStateMismatch) {
		return model.Workspace{}, retryable(err)
	}
	log.WithWorkspace(s.logger, ws.Pool, ws.Name, ws.Owner).Error("volume made read-only but metadata commit failed", "error", err)
	return model.Workspace{}, &InconsistentError{
		Op:      "expire",
		Key:     ws.Key(),
		Applied: fmt.Sprintf("volume %s was made read-only", loc.Dataset()),
		Err:     err,
	}
}

// settleReadOnly runs after a transition flipped the read-only flag and then
// gave up without committing. The flag is set to match the state the record
// holds now; cause is returned unless that fails.
func (s *Service) settleReadOnly(ctx context.Context, p pool.Pool, op string, key model.Key, applied string, cause error) error {
	current, err := s.store.Get(ctx, key)
	if err == nil {
		err = s.volumes.SetReadOnly(ctx, p.Location(current.Owner, current.Name), current.State == model.StateExpired)
	}
	if err != nil {
		s.logger.Error("could not restore read-only flag after abandoned transition", "op", op, "workspace", key.String(), "error", err)
		return &InconsistentError{Op: op, Key: key, Applied: applied, Err: cause}
	}
	s.logger.Debug("read-only flag restored after abandoned transition", "op", op, "workspace", key.String(), "expired", current.State == model.StateExpired)
	return cause
}

func (s *Service) emitExpired(kind notify.Kind, p pool.Pool, ws model.Workspace) {
	log.WithWorkspace(s.logger, ws.Pool, ws.Name, ws.Owner).
		Info("workspace expired", "kind", kind, "expired_at", ws.ExpiredAt)
	e := notify.NewEvent(kind, ws, s.Now())
	e.Retention = p.Retention
	s.events.Emit(e)
}

// Rename gives a workspace a new name in the same pool. The volume is renamed
// first so the on-disk path always matches the recorded name.
func (s *Service) Rename(ctx context.Context, id privilege.Identity, key model.Key, newName string) (model.Workspace, error) {
	newName, err := parse.Name(newName)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	p, err := s.pools.Resolve(key.Pool)
	if err != nil {
		return model.Workspace{}, err
	}
	key.Pool = p.Name
	target := model.Key{Pool: p.Name, Name: newName}

	ws, err := s.store.Get(ctx, key)
	if err != nil {
		return model.Workspace{}, err
	}
	if err := s.authorize(id, ws.Owner, p); err != nil {
		return model.Workspace{}, err
	}
	// An expired workspace may be mid-deletion.
	if ws.State != model.StateActive {
		return model.Workspace{}, fmt.Errorf("%w: %s is %s", ErrStateMismatch, key, ws.State)
	}
	if newName == ws.Name {
		return model.Workspace{}, fmt.Errorf("%w: %s", ErrConflict, target)
	}
	if _, err := s.store.Get(ctx, target); err == nil {
		return model.Workspace{}, fmt.Errorf("%w: %s", ErrConflict, target)
	} else if !errors.Is(err, ErrNotFound) {
		return model.Workspace{}, err
	}

	from := p.Location(ws.Owner, ws.Name)
	if err := s.volumes.RenameVolume(ctx, from, newName); err != nil {
		if errors.Is(err, volume.ErrAlreadyExists) {
			return model.Workspace{}, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return model.Workspace{}, err
	}

	renamed, err := s.store.Rename(ctx, ws, newName)
	for attempt := 0; errors.Is(err, ErrStateMismatch) && attempt < s.retries; attempt++ {
		// The volume already moved; only the record needs a fresh revision.
		current, getErr := s.store.Get(ctx, key)
		if getErr != nil {
			err = getErr
			break
		}
		renamed, err = s.store.Rename(ctx, current, newName)
	}
	if err != nil {
		log.WithWorkspace(s.logger, ws.Pool, ws.Name, ws.Owner).Error("volume renamed but metadata update failed", "new_name", newName, "error", err)
		return model.Workspace{}, &InconsistentError{
			Op:      "rename",
			Key:     key,
			Applied: fmt.Sprintf("volume %s was renamed to %s", from.Dataset(), p.Location(ws.Owner, newName).Dataset()),
			Err:     err,
		}
	}

	log.WithWorkspace(s.logger, renamed.Pool, renamed.Name, renamed.Owner).Info("workspace renamed", "old_name", key.Name)
	return renamed, nil
}

// Get returns the record of key.
func (s *Service) Get(ctx context.Context, key model.Key) (model.Workspace, error) {
	p, err := s.pools.Resolve(key.Pool)
	if err != nil {
		return model.Workspace{}, err
	}
	key.Pool = p.Name
	return s.store.Get(ctx, key)
}

// authorize applies the ownership check and the disabled-pool rule.
func (s *Service) authorize(id privilege.Identity, owner string, p pool.Pool) error {
	if !privilege.Authorize(id, owner, privilege.ScopeFor(id, owner)) {
		return fmt.Errorf("%w: workspace owner is %s", ErrPermissionDenied, owner)
	}
	if p.Disabled && !privilege.Authorize(id, "", privilege.ScopeAdmin) {
		return fmt.Errorf("%w: %s", ErrPoolDisabled, p.Name)
	}
	return nil
}

// lostRace marks a compare-and-swap that lost to a concurrent writer.
type lostRace struct {
	err error
}

func (e *lostRace) Error() string { return e.err.Error() }
func (e *lostRace) Unwrap() error { return e.err }

func retryable(err error) error {
	if errors.Is(err, ErrStateMismatch) {
		return &lostRace{err: err}
	}
	return err
}

// withRetry runs attempt against the current record of key. When the commit
// loses a race it re-reads the record and tries again, at most s.retries
// times; attempt re-checks its own preconditions on the fresh record.
func (s *Service) withRetry(ctx context.Context, key model.Key, attempt func(model.Workspace) (model.Workspace, error)) (model.Workspace, error) {
	for i := 0; ; i++ {
		ws, err := s.store.Get(ctx, key)
		if err != nil {
			return model.Workspace{}, err
		}

		out, err := attempt(ws)
		var lost *lostRace
		if !errors.As(err, &lost) {
			return out, err
		}
		if i >= s.retries {
			return model.Workspace{}, lost.err
		}
		s.logger.Debug("lost compare-and-swap, retrying", "workspace", key.String(), "attempt", i+1)
	}
}
