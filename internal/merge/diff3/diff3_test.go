package diff3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_NonConflictingChangesBothApply(t *testing.T) {
	base := "one\ntwo\nthree"
	local := "one\nTWO\nthree"
	remote := "one\ntwo\nTHREE"

	merged, conflicted := Merge(base, local, remote)
	assert.False(t, conflicted)
	assert.Equal(t, "one\nTWO\nTHREE", merged)
}

func TestMerge_SameEditOnBothSidesIsStable(t *testing.T) {
	base := "one\ntwo"
	local := "one\nTWO"
	remote := "one\nTWO"

	merged, conflicted := Merge(base, local, remote)
	assert.False(t, conflicted)
	assert.Equal(t, "one\nTWO", merged)
}

func TestMerge_ConflictingChangesMarked(t *testing.T) {
	base := "one\ntwo\nthree"
	local := "one\nLOCAL\nthree"
	remote := "one\nREMOTE\nthree"

	merged, conflicted := Merge(base, local, remote)
	assert.True(t, conflicted)
	assert.Contains(t, merged, "<<<<<<< local")
	assert.Contains(t, merged, "LOCAL")
	assert.Contains(t, merged, "=======")
	assert.Contains(t, merged, "REMOTE")
	assert.Contains(t, merged, ">>>>>>> remote")
}

func TestStructural_DetectsInsert(t *testing.T) {
	changes := Structural("hello world", "hello brave world")
	var rebuilt string
	for _, c := range changes {
		if c.Kind != Delete {
			rebuilt += c.Text
		}
	}
	assert.Equal(t, "hello brave world", rebuilt)

	hasInsert := false
	for _, c := range changes {
		if c.Kind == Insert {
			hasInsert = true
		}
	}
	assert.True(t, hasInsert)
}

func TestStructural_IdenticalTextIsAllEqual(t *testing.T) {
	changes := Structural("same", "same")
	assert.Len(t, changes, 1)
	assert.Equal(t, Equal, changes[0].Kind)
	assert.Equal(t, "same", changes[0].Text)
}

func TestToPositionedChanges_ReproducesNewText(t *testing.T) {
	changes := Structural("hello world", "hello brave world")
	positioned := ToPositionedChanges(changes)
	require.NotEmpty(t, positioned)

	// Applying every positioned change against the original text must
	// reproduce the new text exactly.
	rebuilt := []rune("hello world")
	// positioned offsets are against the ORIGINAL text, so apply from the
	// end backward to keep earlier offsets valid.
	for i := len(positioned) - 1; i >= 0; i-- {
		c := positioned[i]
		var out []rune
		out = append(out, rebuilt[:c.From]...)
		out = append(out, []rune(c.Insert)...)
		out = append(out, rebuilt[c.To:]...)
		rebuilt = out
	}
	assert.Equal(t, "hello brave world", string(rebuilt))
}

func TestToPositionedChanges_PureInsertHasEmptyRange(t *testing.T) {
	changes := Structural("ac", "abc")
	positioned := ToPositionedChanges(changes)
	require.Len(t, positioned, 1)
	assert.Equal(t, positioned[0].From, positioned[0].To)
	assert.Equal(t, "b", positioned[0].Insert)
}

func TestToPositionedChanges_NoChangesIsEmpty(t *testing.T) {
	changes := Structural("same", "same")
	assert.Empty(t, ToPositionedChanges(changes))
}
