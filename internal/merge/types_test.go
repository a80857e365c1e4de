package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

// TestPersistedMergeStateRoundTripsGUIDAndPath guards the §8 round-trip
// law ("Serialize -> deserialize PersistedMergeState is the identity").
// GUID and Path once shared a single json tag, which made both fields
// vanish on the wire instead of round-tripping.
func TestPersistedMergeStateRoundTripsGUIDAndPath(t *testing.T) {
	want := PersistedMergeState{
		GUID:      "doc-guid-1",
		Path:      "notes/a.md",
		StatePath: StateIdleSynced,
		ClientID:  42,
	}

	raw, err := persistence.MarshalMergeState(want)
	require.NoError(t, err)

	var got PersistedMergeState
	require.NoError(t, persistence.UnmarshalMergeState(raw, &got))

	assert.Equal(t, want, got)
	assert.Equal(t, "doc-guid-1", got.GUID)
	assert.Equal(t, "notes/a.md", got.Path)
}

// TestSyncStatusEqualsComparesStateVectorContent exercises the map-aware
// equality maybeStatusChanged relies on instead of ==, which cannot
// compile against a struct holding a crdt.StateVector map field.
func TestSyncStatusEqualsComparesStateVectorContent(t *testing.T) {
	a := SyncStatus{GUID: "g", Path: "p", Status: StatusSynced, LocalStateVector: crdt.StateVector{1: 2}}
	b := SyncStatus{GUID: "g", Path: "p", Status: StatusSynced, LocalStateVector: crdt.StateVector{1: 2}}
	c := SyncStatus{GUID: "g", Path: "p", Status: StatusSynced, LocalStateVector: crdt.StateVector{1: 3}}

	assert.True(t, a.equals(b))
	assert.False(t, a.equals(c))
}
