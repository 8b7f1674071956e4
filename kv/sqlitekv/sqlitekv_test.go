package sqlitekv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/turnstream/kv"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "a", []byte("one")))
	value, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one"), value)

	require.NoError(t, store.Set(ctx, "a", []byte("two")))
	value, _, _ = store.Get(ctx, "a")
	require.Equal(t, []byte("two"), value)

	require.NoError(t, store.Delete(ctx, "a"))
	_, found, _ = store.Get(ctx, "a")
	require.False(t, found)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "stream:task-1", []byte(`{"chunkCount":10}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get(ctx, "stream:task-1")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"chunkCount":10}`, string(value))
}

func TestClosedStoreReturnsErrClosed(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "a", []byte("one")))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, _, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, kv.ErrClosed)
	require.ErrorIs(t, store.Set(ctx, "a", []byte("two")), kv.ErrClosed)
	require.ErrorIs(t, store.Delete(ctx, "a"), kv.ErrClosed)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("   ")
	require.Error(t, err)
}
