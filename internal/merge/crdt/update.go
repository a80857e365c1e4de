package crdt

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// update is the wire representation of a batch of ops: an opaque byte
// string. Callers never inspect the bytes; they only pass them to
// EncodeStateAsUpdate, ApplyUpdate and MergeUpdates.
type update struct {
	Ops []Op `json:"ops"`
}

// EncodeStateVector returns this Doc's current StateVector as an opaque
// byte string, the compact form peers exchange before requesting a diff
// via EncodeStateAsUpdate.
func (d *Doc) EncodeStateVector() []byte {
	sv := d.StateVector()
	b, err := json.Marshal(sv)
	if err != nil {
		panic(fmt.Errorf("crdt: encode state vector: %w", err))
	}
	return b
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	return sv, nil
}

// EncodeStateAsUpdate returns every op this Doc holds that is not already
// reflected in fromSV, encoded as an opaque update. Passing a nil/empty
// StateVector encodes the full document history.
func (d *Doc) EncodeStateAsUpdate(fromSV StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	have := func(id OpID) bool {
		return id.Clock <= fromSV[id.Client]
	}
	for _, n := range d.seq {
		if !have(n.op.ID) {
			ops = append(ops, n.op)
		}
	}
	for _, op := range d.deleteLog {
		if !have(op.ID) {
			ops = append(ops, op)
		}
	}

	sortOpsCausally(ops)

	b, err := json.Marshal(update{Ops: ops})
	if err != nil {
		// Op only contains scalar/primitive fields; marshal cannot fail.
		panic(fmt.Errorf("crdt: encode update: %w", err))
	}
	return b
}

// sortOpsCausally orders ops so that, within a single client's stream,
// inserts are applied before any delete that targets them and origins are
// seen before the inserts that reference them when both originate from the
// same replica's batch. ApplyUpdate still tolerates out-of-order delivery
// (it buffers and retries), this is only a best-effort ordering to
// minimize buffering.
func sortOpsCausally(ops []Op) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].ID.Client != ops[j].ID.Client {
			return ops[i].ID.Client < ops[j].ID.Client
		}
		return ops[i].ID.Clock < ops[j].ID.Clock
	})
}

// ApplyUpdate decodes and integrates an opaque update produced by
// EncodeStateAsUpdate (from this Doc or a peer replica). Applying the same
// update twice, or an update whose ops are already present, is a no-op:
// applying an update is idempotent.
//
// Ops that reference an origin/target not yet present are buffered and
// retried once the rest of the batch has been integrated, so updates can
// arrive with a different internal op order than they were created in.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) (Delta, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return Delta{}, fmt.Errorf("crdt: decode update: %w", err)
	}

	d.mu.Lock()

	pending := u.Ops
	changed := false
	for len(pending) > 0 {
		progressed := false
		var deferred []Op

		for _, op := range pending {
			if _, ok := d.idx[op.ID]; ok {
				continue // already have it
			}
			if op.ID.Clock > d.clock {
				// Lamport bump: later local ops get clocks past every op seen.
				d.clock = op.ID.Clock
			}
			switch op.Kind {
			case OpInsert:
				if !op.Origin.IsZero() {
					if _, ok := d.idx[op.Origin]; !ok {
						deferred = append(deferred, op)
						continue
					}
				}
				d.integrateLocked(op)
				changed = true
				progressed = true
			case OpDelete:
				if _, ok := d.idx[op.Target]; !ok {
					deferred = append(deferred, op)
					continue
				}
				d.applyDeleteLocked(op)
				changed = true
				progressed = true
			}
		}

		if !progressed {
			// Remaining ops reference ops outside this update and not yet
			// seen locally either; this should not happen for updates
			// produced by EncodeStateAsUpdate against a consistent state
			// vector, but don't spin forever if it does.
			break
		}
		pending = deferred
	}

	text := d.textLocked()
	d.mu.Unlock()

	delta := Delta{Origin: origin}
	if changed {
		// A remote batch may touch disjoint regions; report the whole
		// current text span as the changed range since per-op positions
		// were already consumed during integration. Shims that need
		// precise positions should diff old/new text themselves (see
		// internal/merge/diff3).
		delta.Changes = []PositionedChange{{From: 0, To: len([]rune(text)), Insert: text}}
	}
	d.notifyLocked(delta)
	return delta, nil
}

// MergeUpdates combines multiple opaque updates into one, deduping ops
// that appear in more than one input. It does not require a live Doc and
// is used by transport layers batching several queued updates before a
// single ApplyUpdate/send.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[OpID]Op)
	var order []OpID
	for _, raw := range updates {
		var u update
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("crdt: decode update for merge: %w", err)
		}
		for _, op := range u.Ops {
			if _, ok := seen[op.ID]; !ok {
				order = append(order, op.ID)
			}
			seen[op.ID] = op
		}
	}

	ops := make([]Op, 0, len(order))
	for _, id := range order {
		ops = append(ops, seen[id])
	}
	sortOpsCausally(ops)

	b, err := json.Marshal(update{Ops: ops})
	if err != nil {
		panic(fmt.Errorf("crdt: encode merged update: %w", err))
	}
	return b, nil
}
