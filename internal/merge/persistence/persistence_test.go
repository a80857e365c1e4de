package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndLoadUpdates(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, t.TempDir(), "notes", "doc-1")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WhenSynced(ctx))

	has, err := store.HasUserData(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.AppendUpdate(ctx, []byte("u1"), time.Now()))
	require.NoError(t, store.AppendUpdate(ctx, []byte("u2"), time.Now()))

	has, err = store.HasUserData(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	updates, err := store.LoadUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, updates)
}

func TestStore_SaveAndLoadMergeState(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, t.TempDir(), "notes", "doc-2")
	require.NoError(t, err)
	defer store.Close()

	data, err := store.LoadMergeState(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	type state struct {
		Path string `json:"path"`
	}
	marshaled, err := MarshalMergeState(state{Path: "/notes/a.md"})
	require.NoError(t, err)
	require.NoError(t, store.SaveMergeState(ctx, marshaled))

	loaded, err := store.LoadMergeState(ctx)
	require.NoError(t, err)

	var got state
	require.NoError(t, UnmarshalMergeState(loaded, &got))
	assert.Equal(t, "/notes/a.md", got.Path)
}

func TestDBName(t *testing.T) {
	assert.Equal(t, "notes-relay-doc-abc123", DBName("notes", "abc123"))
}
