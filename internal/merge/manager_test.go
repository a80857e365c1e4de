package merge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
)

func TestManagerRegisterReachesIdleAndReportsStatus(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)

	var mu sync.Mutex
	var effects []Effect
	m := NewManager(deps, func(guid string, eff Effect) {
		mu.Lock()
		defer mu.Unlock()
		effects = append(effects, eff)
	})

	remote := crdt.NewDoc(0)
	hsm := m.Register("doc-1", "notes/a.md", remote)
	require.NoError(t, hsm.AwaitLoad(awaitCtx(t)))
	require.NoError(t, hsm.AwaitIdle(awaitCtx(t)))

	got, ok := m.Get("doc-1")
	require.True(t, ok)
	assert.Same(t, hsm, got)

	statuses := m.Statuses()
	require.Contains(t, statuses, "doc-1")
	assert.Equal(t, StatusSynced, statuses["doc-1"].Status)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, e := range effects {
		if e.Kind == EffectStatusChanged {
			found = true
		}
	}
	assert.True(t, found, "Manager's onEffect callback should see STATUS_CHANGED effects forwarded from the HSM")
}

func TestManagerRegisterIsIdempotentPerGUID(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	m := NewManager(deps, nil)

	remote := crdt.NewDoc(0)
	first := m.Register("doc-2", "notes/b.md", remote)
	second := m.Register("doc-2", "notes/b.md", remote)
	assert.Same(t, first, second)
}

func TestManagerUnregisterRunsCleanupAndForgetsTheDoc(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	m := NewManager(deps, nil)

	remote := crdt.NewDoc(0)
	hsm := m.Register("doc-3", "notes/c.md", remote)
	require.NoError(t, hsm.AwaitLoad(awaitCtx(t)))
	require.NoError(t, hsm.AwaitIdle(awaitCtx(t)))

	require.NoError(t, m.Unregister(awaitCtx(t), "doc-3"))

	_, ok := m.Get("doc-3")
	assert.False(t, ok)
	assert.Equal(t, StateUnloaded, hsm.Snapshot().StatePath)
}

func TestManagerHandleRemoteUpdateIgnoresUnknownGUID(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	m := NewManager(deps, nil)

	// No registered document for "missing" — this must not panic.
	m.HandleRemoteUpdate("missing", []byte("whatever"))
}

// TestManagerPollAllFansOutAcrossDocuments exercises the errgroup fan-out:
// two documents' disk reads happen concurrently, and each gets its own
// DISK_CHANGED exactly when its own mtime/hash changed, never the other's.
func TestManagerPollAllFansOutAcrossDocuments(t *testing.T) {
	disk := newFakeDisk()
	deps := newTestDeps(t, disk)
	m := NewManager(deps, nil)

	remoteA, remoteB := crdt.NewDoc(0), crdt.NewDoc(0)
	hsmA := m.Register("doc-a", "notes/a.md", remoteA)
	hsmB := m.Register("doc-b", "notes/b.md", remoteB)
	require.NoError(t, hsmA.AwaitIdle(awaitCtx(t)))
	require.NoError(t, hsmB.AwaitIdle(awaitCtx(t)))
	require.Equal(t, StateIdleSynced, hsmA.Snapshot().StatePath)
	require.Equal(t, StateIdleSynced, hsmB.Snapshot().StatePath)

	// Disk is only compared against an LCA, so give both documents one
	// matching their current (empty) disk content.
	for _, h := range []*HSM{hsmA, hsmB} {
		h.mu.Lock()
		h.state.LCA = &LCAState{Meta: MergeMetadata{Hash: deps.hash("")}}
		h.mu.Unlock()
	}

	disk.set("notes/a.md", "changed on disk", 1000)

	m.PollAll()

	assert.Equal(t, StateIdleDiskAhead, hsmA.Snapshot().StatePath, "only doc-a's disk content changed")
	assert.Equal(t, StateIdleSynced, hsmB.Snapshot().StatePath, "doc-b's disk was untouched")
	assert.Equal(t, int64(1000), hsmA.Snapshot().Disk.Mtime)
}
