package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()

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

	// Deleting an absent key is a no-op.
	require.NoError(t, store.Delete(ctx, "a"))
}

func TestStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := New()

	original := []byte("payload")
	require.NoError(t, store.Set(ctx, "k", original))
	original[0] = 'X'

	value, _, _ := store.Get(ctx, "k")
	require.Equal(t, []byte("payload"), value)

	value[0] = 'Y'
	again, _, _ := store.Get(ctx, "k")
	require.Equal(t, []byte("payload"), again)
}
