package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/diff3"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

type fakeDisk struct {
	contents map[string]string
	mtime    map[string]int64
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{contents: map[string]string{}, mtime: map[string]int64{}}
}

func (f *fakeDisk) Read(path string) (string, error) {
	return f.contents[path], nil
}

func (f *fakeDisk) Mtime(path string) (int64, error) {
	return f.mtime[path], nil
}

func (f *fakeDisk) set(path, contents string, mtime int64) {
	f.contents[path] = contents
	f.mtime[path] = mtime
}

func newTestDeps(t *testing.T, disk *fakeDisk) Deps {
	t.Helper()
	baseDir := t.TempDir()
	var nextClientID uint64
	return Deps{
		Disk: disk,
		OpenStore: func(ctx context.Context, guid string) (*persistence.Store, error) {
			return persistence.Open(ctx, baseDir, "mergecore-test", guid)
		},
		ClientIDSeed: func(guid string) uint64 {
			nextClientID++
			return nextClientID
		},
	}
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHSMLoadNewDocumentSettlesIdleSynced(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	remote := crdt.NewDoc(0)

	h := NewHSM("doc-1", filepath.Join("notes", "a.md"), remote, deps)
	h.Send(Event{Kind: EventLoad, GUID: "doc-1", Path: "notes/a.md"})

	require.NoError(t, h.AwaitLoad(awaitCtx(t)))
	require.NoError(t, h.AwaitIdle(awaitCtx(t)))

	snap := h.Snapshot()
	assert.Equal(t, StateIdleSynced, snap.StatePath)
}

func TestHSMAcquireLockEntersTrackingAndAppliesEdits(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	remote := crdt.NewDoc(0)

	h := NewHSM("doc-2", "notes/b.md", remote, deps)
	h.Send(Event{Kind: EventLoad, GUID: "doc-2", Path: "notes/b.md"})
	require.NoError(t, h.AwaitLoad(awaitCtx(t)))
	require.NoError(t, h.AwaitIdle(awaitCtx(t)))
	h.Send(Event{Kind: EventProviderSync})

	var effects []Effect
	h.Subscribe(func(e Effect) { effects = append(effects, e) })

	h.Send(Event{Kind: EventAcquireLock})
	require.NoError(t, h.AwaitActive(awaitCtx(t)))
	assert.Equal(t, StateActiveTracking, h.Snapshot().StatePath)

	h.Send(Event{Kind: EventCM6Change, PositionedChanges: []crdt.PositionedChange{{From: 0, To: 0, Insert: "hello"}}})

	found := false
	for _, e := range effects {
		if e.Kind == EffectSyncToRemote {
			found = true
		}
	}
	assert.True(t, found, "expected a SYNC_TO_REMOTE effect after an editor edit")
	assert.Equal(t, "hello", h.local.Text())
}

func TestHSMTwoWayMergeAdoptsRemoteWholesale(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)

	remote := crdt.NewDoc(99)
	remote.Insert(0, "remote wins\n", crdt.OriginSelf)

	h := NewHSM("doc-3", "notes/c.md", remote, deps)
	h.Send(Event{Kind: EventLoad, GUID: "doc-3", Path: "notes/c.md"})
	require.NoError(t, h.AwaitLoad(awaitCtx(t)))
	require.NoError(t, h.AwaitIdle(awaitCtx(t)))
	h.Send(Event{Kind: EventProviderSync})

	h.Send(Event{Kind: EventAcquireLock})
	require.NoError(t, h.AwaitActive(awaitCtx(t)))

	assert.Equal(t, StateActiveTracking, h.Snapshot().StatePath)
	assert.Equal(t, "remote wins\n", h.local.Text())
}

// TestHSMThreeWayMergeConflictResolvesByHunk drives threeWayMerge and
// handleResolveHunk directly rather than through the full async
// active-entry protocol: the merge outcome depends only on base/local/
// remote text, so seeding the HSM's private state is more direct than
// staging two real sessions against a shared CRDT to provoke the exact
// same hunk boundaries.
func TestHSMThreeWayMergeConflictResolvesByHunk(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)

	remote := crdt.NewDoc(99)
	h := NewHSM("doc-4", "notes/d.md", remote, deps)

	h.state.StatePath = StateActiveEnteringReconciling
	h.local = crdt.NewDoc(1)
	h.local.Insert(0, "local change\n", crdt.OriginSelf)

	// threeWayMerge itself would have produced this MERGE_CONFLICT when
	// base/local/remote all differ on the same line; drive it through the
	// real classifier so the regions below match what production code
	// would compute.
	regions := buildConflictRegions(diff3ConflictHunks(t, "line\n", "local change\n", "remote change\n"))
	require.Len(t, regions, 1)

	conflictEffects := h.dispatch(Event{Kind: EventMergeConflict,
		ConflictBase: "line\n", ConflictLocal: "local change\n", ConflictRemote: "remote change\n",
		ConflictRegions: regions,
	})
	require.Equal(t, StateActiveConflictBannerShown, h.Snapshot().StatePath)
	require.NotEmpty(t, conflictEffects)

	resolveEffects := h.dispatch(Event{Kind: EventResolveHunk, HunkIndex: 0, Resolution: ResolveBoth})
	assert.Equal(t, StateActiveTracking, h.Snapshot().StatePath)

	foundDispatch := false
	for _, e := range resolveEffects {
		if e.Kind == EffectDispatchCM6 {
			foundDispatch = true
		}
	}
	assert.True(t, foundDispatch, "expected RESOLVE_HUNK to dispatch the merged text to the editor")
	assert.Contains(t, h.local.Text(), "local change")
	assert.Contains(t, h.local.Text(), "remote change")
}

func TestHSMDiskChangedWhileIdleMovesToDiskAhead(t *testing.T) {
	disk := newFakeDisk()
	disk.set("notes/e.md", "on disk\n", 1000)
	deps := newTestDeps(t, disk)
	remote := crdt.NewDoc(0)

	h := NewHSM("doc-5", "notes/e.md", remote, deps)
	h.Send(Event{Kind: EventLoad, GUID: "doc-5", Path: "notes/e.md"})
	require.NoError(t, h.AwaitLoad(awaitCtx(t)))
	require.NoError(t, h.AwaitIdle(awaitCtx(t)))

	// A brand-new document has no LCA yet, so its disk content is not
	// compared against anything and cannot make it diskAhead.
	assert.Equal(t, StateIdleSynced, h.Snapshot().StatePath)

	h.state.LCA = &LCAState{Contents: "on disk\n", Meta: MergeMetadata{Hash: deps.hash("on disk\n")}}
	h.state.Disk = &MergeMetadata{Hash: deps.hash("on disk\n")}

	h.Send(Event{Kind: EventDiskChanged, Contents: "edited on disk\n", Hash: deps.hash("edited on disk\n"), Mtime: 2000})
	assert.Equal(t, StateIdleDiskAhead, h.Snapshot().StatePath)
}

func diff3ConflictHunks(t *testing.T, base, local, remote string) []diff3.Hunk {
	t.Helper()
	hunks := diff3.Hunks(base, local, remote)
	for _, hu := range hunks {
		if hu.Kind == diff3.Conflict {
			return hunks
		}
	}
	t.Fatalf("expected at least one conflict hunk for base=%q local=%q remote=%q", base, local, remote)
	return nil
}
