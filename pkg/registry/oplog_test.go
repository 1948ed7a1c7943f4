package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationLogAppendAndComplete(t *testing.T) {
	store := newTestStore(t)
	log := store.OperationLog()
	ctx := context.Background()

	entry, err := log.Append(ctx, "v0001_20250101_000000", OpValidation, "running checks")
	require.NoError(t, err)
	assert.Equal(t, OpStatusStarted, entry.Status)
	assert.Nil(t, entry.CompletedAt)

	require.NoError(t, log.Complete(ctx, entry.ID, OpStatusCompleted, "7 checks, 0 critical"))

	got, err := log.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Completed entries are immutable.
	err = log.Complete(ctx, entry.ID, OpStatusFailed, "rewrite attempt")
	require.Error(t, err)
	got, err = log.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, OpStatusCompleted, got.Status)
}

func TestOperationLogListByVersion(t *testing.T) {
	store := newTestStore(t)
	log := store.OperationLog()
	ctx := context.Background()

	const versionID = "v0001_20250101_000000"
	for i := 0; i < 5; i++ {
		entry, err := log.Append(ctx, versionID, OpMigration, "step")
		require.NoError(t, err)
		require.NoError(t, log.Complete(ctx, entry.ID, OpStatusCompleted, "step done"))
		time.Sleep(2 * time.Millisecond)
	}
	_, err := log.Append(ctx, "v0002_20250101_000000", OpMigration, "other version")
	require.NoError(t, err)

	page1, next, total, err := log.ListByVersion(ctx, versionID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 3)
	require.NotEmpty(t, next)

	page2, next2, _, err := log.ListByVersion(ctx, versionID, 3, next)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.Empty(t, next2)
}

func TestOperationLogDeleteOlderThan(t *testing.T) {
	store := newTestStore(t)
	log := store.OperationLog()
	ctx := context.Background()

	done, err := log.Append(ctx, "v0001_20250101_000000", OpArchive, "old completed")
	require.NoError(t, err)
	require.NoError(t, log.Complete(ctx, done.ID, OpStatusCompleted, ""))
	inflight, err := log.Append(ctx, "v0001_20250101_000000", OpMigration, "still running")
	require.NoError(t, err)

	deleted, err := log.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// In-flight entries survive the purge.
	got, err := log.Get(ctx, inflight.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	gone, err := log.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
