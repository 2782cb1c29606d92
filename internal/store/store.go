package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"workspaces/internal/db"
	"workspaces/internal/model"
)

// Filter narrows a Scan. Zero fields match everything.
type Filter struct {
	Pool   string
	Owner  string
	States []model.State
	// Match is applied after the SQL filter.
	Match func(model.Workspace) bool
}

// Store defines the interface for all metadata operations. It is the only
// writer of the workspaces tables.
type Store interface {
	Insert(ctx context.Context, ws *model.Workspace) error
	Get(ctx context.Context, key model.Key) (model.Workspace, error)
	CompareAndSwap(ctx context.Context, expected, next model.Workspace) (model.Workspace, error)
	UpdateIfState(ctx context.Context, key model.Key, expected model.State, mutate func(*model.Workspace) error) (model.Workspace, error)
	Rename(ctx context.Context, expected model.Workspace, newName string) (model.Workspace, error)
	Scan(ctx context.Context, filter Filter) ([]model.Workspace, error)
	Remove(ctx context.Context, expected model.Workspace, deletedAt time.Time) error

	PutSubscription(ctx context.Context, sub model.PushSubscription) error
	DeleteSubscription(ctx context.Context, owner, endpoint string) error
	SubscriptionsFor(ctx context.Context, owner string) ([]model.PushSubscription, error)

	DB() *gorm.DB
	Close() error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) Close() error {
	return db.Close(s.db)
}

// Insert adds a new Active record. Uniqueness of (pool, name) is enforced by
// the index, not by a prior read.
func (s *gormStore) Insert(ctx context.Context, ws *model.Workspace) error {
	if ws.State != model.StateActive {
		return fmt.Errorf("%w: new workspace %s must be active, got %q", ErrInvalidRecord, ws.Key(), ws.State)
	}
	if err := ws.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	ws.ID = 0
	ws.Revision = 1
	if err := s.db.WithContext(ctx).Create(ws).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConflict, ws.Key())
		}
		return fmt.Errorf("insert workspace %s: %w", ws.Key(), err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, key model.Key) (model.Workspace, error) {
	var ws model.Workspace
	err := s.db.WithContext(ctx).
		Where("pool = ? AND name = ?", key.Pool, key.Name).
		First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return model.Workspace{}, fmt.Errorf("read workspace %s: %w", key, err)
	}
	return ws, nil
}

// CompareAndSwap writes next only if the stored record still has expected's
// state and revision. The loser of a race gets ErrStateMismatch.
func (s *gormStore) CompareAndSwap(ctx context.Context, expected, next model.Workspace) (model.Workspace, error) {
	if next.Key() != expected.Key() {
		return model.Workspace{}, fmt.Errorf("%w: compare-and-swap cannot change the key (%s -> %s)", ErrInvalidRecord, expected.Key(), next.Key())
	}
	if !allowedTransition(expected.State, next.State) {
		return model.Workspace{}, fmt.Errorf("%w: transition %s -> %s is not allowed", ErrInvalidRecord, expected.State, next.State)
	}
	if err := next.Validate(); err != nil {
		return model.Workspace{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	res := s.db.WithContext(ctx).
		Model(&model.Workspace{}).
		Where("pool = ? AND name = ? AND state = ? AND revision = ?", expected.Pool, expected.Name, expected.State, expected.Revision).
		Updates(map[string]any{
			"owner":                next.Owner,
			"state":                next.State,
			"expires_at":           next.ExpiresAt,
			"expired_at":           next.ExpiredAt,
			"last_notified_offset": next.LastNotifiedOffset,
			"revision":             expected.Revision + 1,
		})
	if res.Error != nil {
		return model.Workspace{}, fmt.Errorf("update workspace %s: %w", expected.Key(), res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Workspace{}, s.explainMiss(ctx, expected)
	}

	next.ID = expected.ID
	next.Revision = expected.Revision + 1
	return next, nil
}

// UpdateIfState reads the record, checks its state, applies mutate to a copy
// and commits it with CompareAndSwap.
func (s *gormStore) UpdateIfState(ctx context.Context, key model.Key, expected model.State, mutate func(*model.Workspace) error) (model.Workspace, error) {
	current, err := s.Get(ctx, key)
	if err != nil {
		return model.Workspace{}, err
	}
	if current.State != expected {
		return model.Workspace{}, fmt.Errorf("%w: %s is %s, expected %s", ErrStateMismatch, key, current.State, expected)
	}
	next := current
	if err := mutate(&next); err != nil {
		return model.Workspace{}, err
	}
	return s.CompareAndSwap(ctx, current, next)
}

// Rename moves a live record to a new name within its pool.
func (s *gormStore) Rename(ctx context.Context, expected model.Workspace, newName string) (model.Workspace, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Workspace{}).
		Where("pool = ? AND name = ? AND state = ? AND revision = ?", expected.Pool, expected.Name, expected.State, expected.Revision).
		Updates(map[string]any{
			"name":     newName,
			"revision": expected.Revision + 1,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return model.Workspace{}, fmt.Errorf("%w: %s", ErrConflict, model.Key{Pool: expected.Pool, Name: newName})
		}
		return model.Workspace{}, fmt.Errorf("rename workspace %s: %w", expected.Key(), res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Workspace{}, s.explainMiss(ctx, expected)
	}
	renamed := expected
	renamed.Name = newName
	renamed.Revision = expected.Revision + 1
	return renamed, nil
}

// Scan returns a snapshot of the records matching filter, ordered by pool and
// name. Callers re-validate with CompareAndSwap before acting on an entry.
func (s *gormStore) Scan(ctx context.Context, filter Filter) ([]model.Workspace, error) {
	q := s.db.WithContext(ctx).Model(&model.Workspace{})
	if filter.Pool != "" {
		q = q.Where("pool = ?", filter.Pool)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", filter.States)
	}

	var rows []model.Workspace
	if err := q.Order("pool").Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan workspaces: %w", err)
	}
	if filter.Match == nil {
		return rows, nil
	}
	matched := rows[:0]
	for _, ws := range rows {
		if filter.Match(ws) {
			matched = append(matched, ws)
		}
	}
	return matched, nil
}

// Remove retires an Expired record: it is deleted from the live table and
// archived as Deleted in the same transaction.
func (s *gormStore) Remove(ctx context.Context, expected model.Workspace, deletedAt time.Time) error {
	if expected.State != model.StateExpired || expected.ExpiredAt == nil {
		return fmt.Errorf("%w: %s can only be removed from state %s, it is %s", ErrStateMismatch, expected.Key(), model.StateExpired, expected.State)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("pool = ? AND name = ? AND state = ? AND revision = ?", expected.Pool, expected.Name, model.StateExpired, expected.Revision).
			Delete(&model.Workspace{})
		if res.Error != nil {
			return fmt.Errorf("delete workspace %s: %w", expected.Key(), res.Error)
		}
		if res.RowsAffected == 0 {
			return s.explainMissTx(ctx, tx, expected)
		}

		archived := model.ArchivedWorkspace{
			WorkspaceID: expected.ID,
			Pool:        expected.Pool,
			Name:        expected.Name,
			Owner:       expected.Owner,
			State:       model.StateDeleted,
			CreatedAt:   expected.CreatedAt,
			ExpiresAt:   expected.ExpiresAt,
			ExpiredAt:   *expected.ExpiredAt,
			DeletedAt:   deletedAt,
		}
		if err := tx.Create(&archived).Error; err != nil {
			return fmt.Errorf("archive workspace %s: %w", expected.Key(), err)
		}
		return nil
	})
}

// PutSubscription creates or replaces a push subscription.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "p256dh", "auth"}),
	}).Create(&sub).Error
}

// DeleteSubscription removes owner's subscription for endpoint.
func (s *gormStore) DeleteSubscription(ctx context.Context, owner, endpoint string) error {
	res := s.db.WithContext(ctx).Where("owner = ? AND endpoint = ?", owner, endpoint).Delete(&model.PushSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no subscription for endpoint %q", ErrNotFound, endpoint)
	}
	return nil
}

func (s *gormStore) SubscriptionsFor(ctx context.Context, owner string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *gormStore) explainMiss(ctx context.Context, expected model.Workspace) error {
	return s.explainMissTx(ctx, s.db, expected)
}

// explainMissTx turns a zero-row conditional write into ErrNotFound or
// ErrStateMismatch.
func (s *gormStore) explainMissTx(ctx context.Context, tx *gorm.DB, expected model.Workspace) error {
	var current model.Workspace
	err := tx.WithContext(ctx).
		Where("pool = ? AND name = ?", expected.Pool, expected.Name).
		First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, expected.Key())
	}
	if err != nil {
		return fmt.Errorf("re-read workspace %s: %w", expected.Key(), err)
	}
	return fmt.Errorf("%w: %s is %s at revision %d, expected %s at revision %d",
		ErrStateMismatch, expected.Key(), current.State, current.Revision, expected.State, expected.Revision)
}

// allowedTransition encodes the only edges of the lifecycle state machine
// that a compare-and-swap may take. Expired -> Deleted goes through Remove.
func allowedTransition(from, to model.State) bool {
	switch from {
	case model.StateActive:
		return to == model.StateActive || to == model.StateExpired
	case model.StateExpired:
		return to == model.StateExpired
	default:
		return false
	}
}
