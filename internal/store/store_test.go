package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"workspaces/config"
	"workspaces/internal/db"
	"workspaces/internal/model"
)

// newSQLiteStore opens a file-backed SQLite store so that concurrent writers
// behave like separate CLI invocations.
func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "workspaces.db")}, false)
	require.NoError(t, err)
	s := NewGormStore(gormDB)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newMockDB creates a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: conn,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func active(pool, name, owner string) *model.Workspace {
	return &model.Workspace{
		Pool:      pool,
		Name:      name,
		Owner:     owner,
		State:     model.StateActive,
		CreatedAt: t0,
		ExpiresAt: t0.Add(10 * 24 * time.Hour),
	}
}

func TestGormStore_InsertAndGet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ws := active("scratch", "sim1", "alice")
	require.NoError(t, s.Insert(ctx, ws))
	assert.NotZero(t, ws.ID)
	assert.Equal(t, int64(1), ws.Revision)

	got, err := s.Get(ctx, model.Key{Pool: "scratch", Name: "sim1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, model.StateActive, got.State)
	assert.True(t, got.ExpiresAt.Equal(ws.ExpiresAt))
	assert.Nil(t, got.ExpiredAt)
	assert.Nil(t, got.LastNotifiedOffset)

	_, err = s.Get(ctx, model.Key{Pool: "scratch", Name: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_InsertConflict(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, active("scratch", "sim1", "alice")))
	err := s.Insert(ctx, active("scratch", "sim1", "bob"))
	assert.ErrorIs(t, err, ErrConflict)

	// Same name in another pool is a different workspace.
	assert.NoError(t, s.Insert(ctx, active("archive", "sim1", "bob")))
}

func TestGormStore_InsertRejectsInvalidRecord(t *testing.T) {
	s := newSQLiteStore(t)
	ws := active("scratch", "sim1", "alice")
	ws.ExpiresAt = ws.CreatedAt

	err := s.Insert(context.Background(), ws)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestGormStore_ConcurrentInsert(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Insert(ctx, active("scratch", "race", "alice"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)
}

func TestGormStore_CompareAndSwap(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ws := active("scratch", "sim1", "alice")
	require.NoError(t, s.Insert(ctx, ws))
	current, err := s.Get(ctx, ws.Key())
	require.NoError(t, err)

	expiredAt := t0.Add(11 * 24 * time.Hour)
	next := current
	next.State = model.StateExpired
	next.ExpiredAt = &expiredAt

	updated, err := s.CompareAndSwap(ctx, current, next)
	require.NoError(t, err)
	assert.Equal(t, current.Revision+1, updated.Revision)

	stored, err := s.Get(ctx, ws.Key())
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, stored.State)
	require.NotNil(t, stored.ExpiredAt)
	assert.True(t, stored.ExpiredAt.Equal(expiredAt))

	// A second swap from the stale snapshot loses.
	_, err = s.CompareAndSwap(ctx, current, next)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestGormStore_CompareAndSwapRejectsIllegalTransition(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	expiredAt := t0.Add(11 * 24 * time.Hour)
	current := *active("scratch", "sim1", "alice")
	current.State = model.StateExpired
	current.ExpiredAt = &expiredAt

	next := current
	next.State = model.StateActive
	next.ExpiredAt = nil

	_, err := s.CompareAndSwap(ctx, current, next)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestGormStore_ConcurrentCompareAndSwap(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ws := active("scratch", "sim1", "alice")
	require.NoError(t, s.Insert(ctx, ws))
	current, err := s.Get(ctx, ws.Key())
	require.NoError(t, err)

	const writers = 6
	results := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := current
			next.ExpiresAt = current.ExpiresAt.Add(time.Duration(i+1) * time.Hour)
			_, err := s.CompareAndSwap(ctx, current, next)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrStateMismatch)
		lost++
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, writers-1, lost)
}

func TestGormStore_UpdateIfState(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	ws := active("scratch", "sim1", "alice")
	require.NoError(t, s.Insert(ctx, ws))

	offset := 7
	updated, err := s.UpdateIfState(ctx, ws.Key(), model.StateActive, func(w *model.Workspace) error {
		w.LastNotifiedOffset = &offset
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, updated.LastNotifiedOffset)
	assert.Equal(t, 7, *updated.LastNotifiedOffset)

	_, err = s.UpdateIfState(ctx, ws.Key(), model.StateExpired, func(w *model.Workspace) error { return nil })
	assert.ErrorIs(t, err, ErrStateMismatch)

	boom := errors.New("boom")
	_, err = s.UpdateIfState(ctx, ws.Key(), model.StateActive, func(w *model.Workspace) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.UpdateIfState(ctx, model.Key{Pool: "scratch", Name: "nope"}, model.StateActive, func(w *model.Workspace) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_Rename(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, active("scratch", "old", "alice")))
	require.NoError(t, s.Insert(ctx, active("scratch", "taken", "alice")))
	current, err := s.Get(ctx, model.Key{Pool: "scratch", Name: "old"})
	require.NoError(t, err)

	_, err = s.Rename(ctx, current, "taken")
	assert.ErrorIs(t, err, ErrConflict)

	renamed, err := s.Rename(ctx, current, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Name)

	_, err = s.Get(ctx, model.Key{Pool: "scratch", Name: "old"})
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, model.Key{Pool: "scratch", Name: "new"})
	require.NoError(t, err)
	assert.Equal(t, renamed.Revision, got.Revision)
}

func TestGormStore_Scan(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, active("scratch", "b", "alice")))
	require.NoError(t, s.Insert(ctx, active("scratch", "a", "bob")))
	require.NoError(t, s.Insert(ctx, active("archive", "c", "alice")))

	all, err := s.Scan(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "archive/c", all[0].Key().String())
	assert.Equal(t, "scratch/a", all[1].Key().String())

	mine, err := s.Scan(ctx, Filter{Owner: "alice", Pool: "scratch"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "b", mine[0].Name)

	expired, err := s.Scan(ctx, Filter{States: []model.State{model.StateExpired}})
	require.NoError(t, err)
	assert.Empty(t, expired)

	matched, err := s.Scan(ctx, Filter{Match: func(w model.Workspace) bool { return w.Owner == "bob" }})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].Name)
}

func TestGormStore_Remove(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ws := active("scratch", "sim1", "alice")
	require.NoError(t, s.Insert(ctx, ws))
	current, err := s.Get(ctx, ws.Key())
	require.NoError(t, err)

	// Active records cannot be removed.
	err = s.Remove(ctx, current, t0.Add(40*24*time.Hour))
	assert.ErrorIs(t, err, ErrStateMismatch)

	expiredAt := t0.Add(11 * 24 * time.Hour)
	next := current
	next.State = model.StateExpired
	next.ExpiredAt = &expiredAt
	expired, err := s.CompareAndSwap(ctx, current, next)
	require.NoError(t, err)

	deletedAt := t0.Add(40 * 24 * time.Hour)
	require.NoError(t, s.Remove(ctx, expired, deletedAt))

	_, err = s.Get(ctx, ws.Key())
	assert.ErrorIs(t, err, ErrNotFound)

	var archived []model.ArchivedWorkspace
	require.NoError(t, s.DB().Find(&archived).Error)
	require.Len(t, archived, 1)
	assert.Equal(t, model.StateDeleted, archived[0].State)
	assert.Equal(t, ws.ID, archived[0].WorkspaceID)
	assert.True(t, archived[0].DeletedAt.Equal(deletedAt))

	// Removing a stale snapshot finds nothing.
	err = s.Remove(ctx, expired, deletedAt)
	assert.ErrorIs(t, err, ErrNotFound)

	// The key is free again.
	assert.NoError(t, s.Insert(ctx, active("scratch", "sim1", "bob")))
}

func TestGormStore_Subscriptions(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	sub := model.PushSubscription{Endpoint: "https://push.example/1", Owner: "alice", P256DH: "key", Auth: "auth"}
	require.NoError(t, s.PutSubscription(ctx, sub))
	sub.Auth = "auth2"
	require.NoError(t, s.PutSubscription(ctx, sub))

	subs, err := s.SubscriptionsFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "auth2", subs[0].Auth)

	assert.ErrorIs(t, s.DeleteSubscription(ctx, "bob", sub.Endpoint), ErrNotFound)
	require.NoError(t, s.DeleteSubscription(ctx, "alice", sub.Endpoint))

	subs, err = s.SubscriptionsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGormStore_CompareAndSwap_Postgres(t *testing.T) {
	expiredAt := t0.Add(11 * 24 * time.Hour)
	current := *active("scratch", "sim1", "alice")
	current.ID = 7
	current.Revision = 3
	next := current
	next.State = model.StateExpired
	next.ExpiredAt = &expiredAt

	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedRevision int64
		expectedErr      error
	}{
		{
			name: "row matched, revision advances",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "workspaces" SET`)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			expectedRevision: 4,
		},
		{
			name: "lost race, re-read reports mismatch",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "workspaces" SET`)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workspaces"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "pool", "name", "owner", "state", "created_at", "expires_at", "expired_at", "revision"}).
						AddRow(7, "scratch", "sim1", "alice", "expired", current.CreatedAt, current.ExpiresAt, expiredAt, 4))
			},
			expectedErr: ErrStateMismatch,
		},
		{
			name: "lost race, record gone",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "workspaces" SET`)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "workspaces"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			expectedErr: ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newMockDB(t)
			tc.mockExpectations(mock)
			s := NewGormStore(gormDB)

			updated, err := s.CompareAndSwap(context.Background(), current, next)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedRevision, updated.Revision)
				assert.Equal(t, model.StateExpired, updated.State)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: workspaces.pool, workspaces.name")))
	assert.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_workspaces_pool_name" (SQLSTATE 23505)`)))
	assert.False(t, isUniqueViolation(errors.New("disk I/O error")))
	assert.False(t, isUniqueViolation(nil))
}
