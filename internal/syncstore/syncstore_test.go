package syncstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetHasDelete(t *testing.T) {
	s := New()
	guid := s.NewEntry("/notes/a.md")
	require.NoError(t, s.Set("/notes/a.md", Meta{ID: guid, Type: KindDocument}))

	assert.True(t, s.Has("/notes/a.md"))
	got, ok := s.Get("/notes/a.md")
	require.True(t, ok)
	assert.Equal(t, guid, got)

	s.Delete("/notes/a.md")
	assert.False(t, s.Has("/notes/a.md"))
}

func TestStore_BinaryMetaRequiresHashAndMimeType(t *testing.T) {
	s := New()
	err := s.Set("/notes/img.png", Meta{ID: "g1", Type: KindImage})
	assert.Error(t, err)

	err = s.Set("/notes/img.png", Meta{ID: "g1", Type: KindImage, Hash: "abc", MimeType: "image/png", SyncTime: 1})
	assert.NoError(t, err)
}

func TestStore_DeleteThenSetIsVisibleAgain(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/a.md", Meta{ID: "g1", Type: KindDocument}))
	s.Commit()

	s.Delete("/a.md")
	assert.False(t, s.Has("/a.md"))

	require.NoError(t, s.Set("/a.md", Meta{ID: "g1", Type: KindDocument}))
	assert.True(t, s.Has("/a.md"))
}

func TestStore_EnsureParentsAutoCreatesFolders(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/a/b/c.md", Meta{ID: "g1", Type: KindDocument}))
	assert.True(t, s.Has("/a"))
	assert.True(t, s.Has("/a/b"))
}

func TestStore_RemoteIDsInvariantUnderFolderRename(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/old", Meta{ID: "folder-1", Type: KindFolder}))
	require.NoError(t, s.Set("/old/doc.md", Meta{ID: "doc-1", Type: KindDocument}))
	s.Commit()

	before := s.RemoteIDs()

	s.MigrateFile("doc-1", "/new/doc.md")
	require.NoError(t, s.MigrateUp())

	after := s.RemoteIDs()
	assert.True(t, before.Equal(after))
	assert.True(t, s.Has("/new/doc.md"))
	assert.False(t, s.Has("/old/doc.md"))
}

// TestStore_S1_NewClientFolderMove mirrors spec scenario S1: a folder
// containing a document and an image is moved by path, and every
// descendant (including the kind a legacy client wouldn't know about)
// must follow it.
func TestStore_S1_NewClientFolderMove(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/wub", Meta{ID: "F", Type: KindFolder}))
	require.NoError(t, s.Set("/wub/a.md", Meta{ID: "D", Type: KindDocument}))
	require.NoError(t, s.Set("/wub/x.png", Meta{ID: "I", Type: KindImage, Hash: "h", MimeType: "image/png", SyncTime: 1}))
	s.Commit()

	before := s.RemoteIDs()
	s.Move("/wub", "/sub")
	s.ResolveAll()

	assert.False(t, s.Has("/wub"))
	got, ok := s.Get("/sub")
	require.True(t, ok)
	assert.Equal(t, "F", got)
	got, ok = s.Get("/sub/a.md")
	require.True(t, ok)
	assert.Equal(t, "D", got)
	got, ok = s.Get("/sub/x.png")
	require.True(t, ok)
	assert.Equal(t, "I", got)

	after := s.RemoteIDs()
	assert.True(t, before.Equal(after))
	assert.ElementsMatch(t, []string{"F", "D", "I"}, after.ToSlice())
}

// TestStore_S2_LegacyClientFolderRename mirrors spec scenario S2: a
// legacy client only learns that one document inside a folder moved
// (via legacy_ids), but migrate_up must infer the folder rename and drag
// every other descendant — including kinds the legacy client has no
// concept of — along with it.
func TestStore_S2_LegacyClientFolderRename(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/grub", Meta{ID: "folder-1", Type: KindFolder}))
	require.NoError(t, s.Set("/grub/rename.md", Meta{ID: "doc-1", Type: KindDocument}))
	require.NoError(t, s.Set("/grub/Pasted.png", Meta{ID: "img-1", Type: KindImage, Hash: "h1", MimeType: "image/png", SyncTime: 1}))
	require.NoError(t, s.Set("/grub/nested/frog.png", Meta{ID: "img-2", Type: KindImage, Hash: "h2", MimeType: "image/png", SyncTime: 1}))
	s.Commit()

	before := s.RemoteIDs()

	s.MigrateFile("doc-1", "/bub/rename.md")
	require.NoError(t, s.MigrateUp())

	after := s.RemoteIDs()
	assert.True(t, before.Equal(after))

	assert.True(t, s.Has("/bub"))
	got, ok := s.Get("/bub/rename.md")
	require.True(t, ok)
	assert.Equal(t, "doc-1", got)
	got, ok = s.Get("/bub/Pasted.png")
	require.True(t, ok)
	assert.Equal(t, "img-1", got)
	got, ok = s.Get("/bub/nested/frog.png")
	require.True(t, ok)
	assert.Equal(t, "img-2", got)

	assert.False(t, s.Has("/grub"))
	assert.False(t, s.Has("/grub/rename.md"))
	assert.False(t, s.Has("/grub/Pasted.png"))
	assert.False(t, s.Has("/grub/nested/frog.png"))
}

func TestStore_ForEachSkipsDeletedAndOverlaysOverridesCommitted(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/a.md", Meta{ID: "g1", Type: KindDocument, Version: 1}))
	s.Commit()

	require.NoError(t, s.Set("/a.md", Meta{ID: "g1", Type: KindDocument, Version: 2}))

	var versions []int
	s.ForEach(func(_ string, m Meta) { versions = append(versions, m.Version) })
	assert.Equal(t, []int{2}, versions)
}
