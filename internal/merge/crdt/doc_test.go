package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoc_InsertDeleteLocalText(t *testing.T) {
	d := NewDoc(1)
	d.Insert(0, "hello", OriginSelf)
	assert.Equal(t, "hello", d.Text())

	d.Insert(5, " world", OriginSelf)
	assert.Equal(t, "hello world", d.Text())

	d.Delete(5, 6, OriginSelf)
	assert.Equal(t, "hello", d.Text())
}

func TestDoc_ConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc(1)
	a.Insert(0, "ac", OriginSelf)

	b := NewDoc(2)
	update := a.EncodeStateAsUpdate(nil)
	_, err := b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	require.Equal(t, "ac", b.Text())

	// Both replicas insert at the same position (between 'a' and 'c')
	// concurrently, starting from identical state.
	a.Insert(1, "B", OriginSelf)
	b.Insert(1, "X", OriginSelf)

	aUpdate := a.EncodeStateAsUpdate(StateVector{1: 1})
	bUpdate := b.EncodeStateAsUpdate(StateVector{2: 0, 1: 1})

	_, err = a.ApplyUpdate(bUpdate, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(aUpdate, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), 4)
}

func TestDoc_ApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	a.Insert(0, "abc", OriginSelf)
	update := a.EncodeStateAsUpdate(nil)

	b := NewDoc(2)
	_, err := b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, "abc", b.Text())
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestDoc_EncodeStateAsUpdateFromStateVectorIsIncremental(t *testing.T) {
	a := NewDoc(1)
	a.Insert(0, "ab", OriginSelf)

	b := NewDoc(2)
	first := a.EncodeStateAsUpdate(nil)
	_, err := b.ApplyUpdate(first, OriginRemote)
	require.NoError(t, err)

	a.Insert(2, "c", OriginSelf)
	incremental := a.EncodeStateAsUpdate(b.StateVector())

	_, err = b.ApplyUpdate(incremental, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, "abc", b.Text())
}

func TestDoc_MergeUpdatesDedupes(t *testing.T) {
	a := NewDoc(1)
	a.Insert(0, "hi", OriginSelf)
	u1 := a.EncodeStateAsUpdate(nil)
	u2 := a.EncodeStateAsUpdate(nil)

	merged, err := MergeUpdates([][]byte{u1, u2})
	require.NoError(t, err)

	b := NewDoc(2)
	_, err = b.ApplyUpdate(merged, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, "hi", b.Text())
}

func TestDoc_ObserveReceivesDelta(t *testing.T) {
	d := NewDoc(1)
	done := make(chan Delta, 1)
	d.Observe(func(delta Delta) { done <- delta })

	d.Insert(0, "x", OriginSelf)
	delta := <-done
	assert.Equal(t, OriginSelf, delta.Origin)
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, "x", delta.Changes[0].Insert)
}
