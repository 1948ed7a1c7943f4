package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStore creates a Store over an in-memory SQLite DB with the registry
// tables migrated.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

// registerCommitted drives a record through the full happy path so tests can
// start from a committed version.
func registerCommitted(t *testing.T, store *Store, vtype VersionType) *VersionRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := store.Register(ctx, vtype, ExpectedCounts{Groups: 2, Leaves: 10}, "tester", "")
	require.NoError(t, err)
	for _, target := range []State{StateStaging, StateValidating, StateCommitted} {
		rec, err = store.Transition(ctx, rec.ID, target, "")
		require.NoError(t, err)
	}
	return rec
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := registerCommitted(t, store, TypeBaseline)
	second := registerCommitted(t, store, TypeMinor)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	got, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TypeMinor, got.Type)
	assert.Equal(t, int64(10), got.ExpectedLeaves)
	assert.Equal(t, "tester", got.Actor)
}

func TestRegisterRejectsConcurrentActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Register(ctx, TypeBaseline, ExpectedCounts{}, "tester", "")
	require.NoError(t, err)

	_, err = store.Register(ctx, TypeMinor, ExpectedCounts{}, "tester", "")
	var conflict *RegistrationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rec.ID, conflict.ActiveVersionID)

	// Cancelling the pending version frees the slot.
	_, err = store.Transition(ctx, rec.ID, StateCancelled, "operator abort")
	require.NoError(t, err)
	_, err = store.Register(ctx, TypeBaseline, ExpectedCounts{}, "tester", "")
	require.NoError(t, err)
}

func TestRegisterRejectsSecondBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registerCommitted(t, store, TypeBaseline)

	_, err := store.Register(ctx, TypeBaseline, ExpectedCounts{}, "tester", "")
	var exists *BaselineExistsError
	require.ErrorAs(t, err, &exists)
}

func TestTransitionFollowsLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Register(ctx, TypeMinor, ExpectedCounts{}, "tester", "")
	require.NoError(t, err)

	// pending cannot jump straight to committed.
	_, err = store.Transition(ctx, rec.ID, StateCommitted, "")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "ILLEGAL_TRANSITION", terr.Code)

	rec, err = store.Transition(ctx, rec.ID, StateStaging, "writing staging namespaces")
	require.NoError(t, err)
	assert.Equal(t, StateStaging, rec.State)
	assert.Equal(t, "writing staging namespaces", rec.StatusMessage)

	rec, err = store.Transition(ctx, rec.ID, StateValidating, "")
	require.NoError(t, err)
	rec, err = store.Transition(ctx, rec.ID, StateRollingBack, "validation failed")
	require.NoError(t, err)
	rec, err = store.Transition(ctx, rec.ID, StateRolledBack, "")
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, rec.State)
}

func TestTransitionBaselineImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	baseline := registerCommitted(t, store, TypeBaseline)

	_, err := store.Transition(ctx, baseline.ID, StateArchived, "retention sweep")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "BASELINE_IMMUTABLE", terr.Code)

	got, err := store.Get(ctx, baseline.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, got.State)
}

func TestTransitionAppendsOperationLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Register(ctx, TypeMinor, ExpectedCounts{}, "tester", "")
	require.NoError(t, err)
	_, err = store.Transition(ctx, rec.ID, StateStaging, "")
	require.NoError(t, err)

	entries, _, total, err := store.OperationLog().ListByVersion(ctx, rec.ID, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total) // register + transition
	for _, e := range entries {
		assert.Equal(t, OpStatusCompleted, e.Status)
		assert.NotNil(t, e.CompletedAt)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "v9999_20250101_000000")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListPaginationAndQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	baseline := registerCommitted(t, store, TypeBaseline)
	for i := 0; i < 4; i++ {
		// Distinct created_at values keep the page tokens unambiguous.
		time.Sleep(2 * time.Millisecond)
		registerCommitted(t, store, TypeMinor)
	}

	page1, next, total, err := store.List(ctx, ListOptions{PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 3)
	require.NotEmpty(t, next)

	page2, next2, _, err := store.List(ctx, ListOptions{PageSize: 3, PageToken: next})
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.Empty(t, next2)

	// Newest first, no overlap between pages.
	seen := map[string]bool{}
	for _, r := range append(page1, page2...) {
		assert.False(t, seen[r.ID])
		seen[r.ID] = true
	}

	latest, err := store.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.Seq)

	gotBaseline, err := store.Baseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, baseline.ID, gotBaseline.ID)

	active, err := store.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	committed, _, _, err := store.List(ctx, ListOptions{States: []State{StateCommitted}, Type: TypeMinor})
	require.NoError(t, err)
	assert.Len(t, committed, 4)
}

func TestSetFieldHelpers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := registerCommitted(t, store, TypeBaseline)

	require.NoError(t, store.SetSnapshots(ctx, rec.ID, `{"ns":"a"}`, `{"ns":"b"}`, `{"ns":"c"}`))
	require.NoError(t, store.SetValidationResult(ctx, rec.ID, true, "all checks passed"))
	require.NoError(t, store.SetArchiveURI(ctx, rec.ID, "dir://archive/x.tar.zst"))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.ValidationPassed)
	assert.Equal(t, `{"ns":"b"}`, got.VectorSnapshot)
	assert.Equal(t, "dir://archive/x.tar.zst", got.ArchiveURI)

	assert.Error(t, store.SetArchiveURI(ctx, "v9999_20250101_000000", "x"))
}

func TestTransitionMissingVersion(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Transition(context.Background(), "v9999_20250101_000000", StateStaging, "")
	require.Error(t, err)
	var terr *TransitionError
	assert.False(t, errors.As(err, &terr))
}
