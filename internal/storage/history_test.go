package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "metron.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteHistory(zap.NewNop(), db)
	require.NoError(t, err)
	return store
}

func record(alertID string, status model.JobStatus, createdAt time.Time) *model.History {
	return &model.History{
		ID:            uuid.New().String(),
		AlertID:       alertID,
		Status:        status,
		Message:       "Alert was evaluated successfully.",
		ExecutionTime: 120 * time.Millisecond,
		CreatedAt:     createdAt,
	}
}

func TestSQLiteHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendAndList", func(t *testing.T) {
		store := newTestHistory(t)
		now := time.Now().UTC()
		require.NoError(t, store.Append(ctx, record("a1", model.JobStatusSuccess, now.Add(-time.Minute))))
		require.NoError(t, store.Append(ctx, record("a1", model.JobStatusFailure, now)))
		require.NoError(t, store.Append(ctx, record("a2", model.JobStatusSuccess, now)))

		histories, err := store.List(ctx, "a1", 0, 10)
		require.NoError(t, err)
		require.Len(t, histories, 2)
		// Newest first.
		assert.Equal(t, model.JobStatusFailure, histories[0].Status)
		assert.Equal(t, 120*time.Millisecond, histories[0].ExecutionTime)

		count, err := store.Count(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		store := newTestHistory(t)
		now := time.Now().UTC()
		require.NoError(t, store.Append(ctx, record("a1", model.JobStatusSuccess, now.Add(-48*time.Hour))))
		require.NoError(t, store.Append(ctx, record("a1", model.JobStatusSuccess, now)))

		require.NoError(t, store.DeleteBefore(ctx, now.Add(-24*time.Hour)))

		count, err := store.Count(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
