// Package crdt is the injected CRDT contract the MergeHSM is built against:
// updates as opaque byte strings, state-vector encode/decode, merge_updates
// and encode_state_as_update_from(state_vector), and per-client logical
// clocks.
//
// No concrete Yjs-compatible library is present in this module's dependency
// surface, so this package is a reference implementation: a sequence CRDT
// (a simplified RGA, Roh et al. 2011) sufficient to drive the merge state
// machine. It is deliberately not a general CRDT runtime — only
// Text.Insert/Delete/Observe and the document-level encode/merge operations
// are supported.
package crdt

import (
	"fmt"
	"sync"
)

// OpID identifies an operation by the logical clock of the client that
// created it. Clocks are per-client and monotonically increasing.
type OpID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

// zeroID is the "beginning of document" sentinel origin.
var zeroID = OpID{}

func (id OpID) IsZero() bool { return id == zeroID }

// compareID orders two ids by clock then client, used to break ties between
// concurrent inserts sharing the same left origin.
func compareID(a, b OpID) int {
	if a.Clock != b.Clock {
		if a.Clock < b.Clock {
			return -1
		}
		return 1
	}
	if a.Client != b.Client {
		if a.Client < b.Client {
			return -1
		}
		return 1
	}
	return 0
}

// OpKind distinguishes an insert from a delete (tombstone) operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is one unit of the update log. Insert ops carry Value and Origin
// (the left neighbor at the time of insertion); delete ops carry Target,
// the id of the character being tombstoned.
type Op struct {
	ID     OpID   `json:"id"`
	Kind   OpKind `json:"k"`
	Value  rune   `json:"v,omitempty"`
	Origin OpID   `json:"o,omitempty"`
	Target OpID   `json:"t,omitempty"`
}

type node struct {
	op        Op
	tombstone bool
}

// StateVector maps client id to the highest clock observed from that
// client. Clocks within a client increase but may skip values, since a
// Doc's clock also advances past every op it applies, so the entry is the
// highest clock seen, not a count of ops.
type StateVector map[uint64]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Equal reports whether sv and o record the same clock for every client.
// StateVector is a map, so it is not comparable with ==; callers that need
// value equality (e.g. deciding whether a derived status actually changed)
// must go through this instead.
func (sv StateVector) Equal(o StateVector) bool {
	if len(sv) != len(o) {
		return false
	}
	for k, v := range sv {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Doc is the per-document CRDT instance. A Doc is not safe for concurrent
// use from multiple goroutines without external synchronization: mutation
// is exclusive to the single HSM that owns it.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64 // highest clock assigned locally or seen in an applied op

	seq []*node // full causal sequence including tombstones, in document order
	idx map[OpID]int

	// deleteLog records delete ops in application order. Deletes have no
	// document position of their own, so they aren't part of seq; they
	// still need to be replayed/encoded for state-vector completeness.
	deleteLog []Op

	observers []func(Delta)
}

// NewDoc creates an empty CRDT document owned by clientID.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		idx:      make(map[OpID]int),
	}
}

// ClientID returns this replica's client id, reused across sessions to
// avoid re-inserting the same content under a fresh identity.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// StateVector returns the current per-client max-clock map.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateVectorLocked()
}

func (d *Doc) stateVectorLocked() StateVector {
	sv := make(StateVector)
	bump := func(id OpID) {
		if id.Clock > sv[id.Client] {
			sv[id.Client] = id.Clock
		}
	}
	for _, n := range d.seq {
		bump(n.op.ID)
	}
	for _, op := range d.deleteLog {
		bump(op.ID)
	}
	return sv
}

// nextOpID allocates the next local op id and advances the clock.
func (d *Doc) nextOpID() OpID {
	d.clock++
	return OpID{Client: d.clientID, Clock: d.clock}
}

func (d *Doc) String() string {
	return fmt.Sprintf("Doc{client=%d, clock=%d, ops=%d}", d.clientID, d.clock, len(d.seq))
}
