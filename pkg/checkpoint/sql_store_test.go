package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestSQLStoreRejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLStore(nil, "oracle")
	require.Error(t, err)
}

func TestSQLStoreSaveAndLoadLatest(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	cp1 := Checkpoint{ThreadID: "t1", Step: 1, State: []byte(`{"a":1}`), Timestamp: time.Now()}
	cp2 := Checkpoint{ThreadID: "t1", Step: 2, State: []byte(`{"a":2}`), Timestamp: time.Now()}
	require.NoError(t, store.Save(ctx, cp1))
	require.NoError(t, store.Save(ctx, cp2))

	latest, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Step)
	assert.JSONEq(t, `{"a":2}`, string(latest.State))
}

func TestSQLStoreLoadAtStep(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Checkpoint{ThreadID: "t1", Step: 1, State: []byte(`{"a":1}`), Timestamp: time.Now()}))

	cp, err := store.LoadAtStep(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
}

func TestSQLStoreLoadMissingReturnsErrNotFound(t *testing.T) {
	store := newTestSQLStore(t)
	_, err := store.Load(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreSaveOverwritesSameStep(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Checkpoint{ThreadID: "t1", Step: 1, State: []byte(`{"a":1}`), Timestamp: time.Now()}))
	require.NoError(t, store.Save(ctx, Checkpoint{ThreadID: "t1", Step: 1, State: []byte(`{"a":99}`), Timestamp: time.Now()}))

	cp, err := store.LoadAtStep(ctx, "t1", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":99}`, string(cp.State))
}

func TestSQLStoreListCheckpointsOrdered(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Save(ctx, Checkpoint{ThreadID: "t1", Step: i, State: []byte(`{}`), Timestamp: time.Now()}))
	}

	list, err := store.ListCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 1, list[0].Step)
	assert.Equal(t, 3, list[2].Step)
}

func TestSQLStoreDeleteThread(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Checkpoint{ThreadID: "t1", Step: 1, State: []byte(`{}`), Timestamp: time.Now()}))
	require.NoError(t, store.DeleteThread(ctx, "t1"))

	_, err := store.Load(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)
}
