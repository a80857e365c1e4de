package diff3

import "github.com/relaynotes/mergecore/internal/merge/crdt"

// ChangeKind classifies one structural diff op.
type ChangeKind int

const (
	Equal ChangeKind = iota
	Insert
	Delete
)

// Change is one op in a structural diff, expressed in the same terms as
// diff_match_patch: a contiguous run of runes that is unchanged, inserted,
// or deleted.
type Change struct {
	Kind ChangeKind
	Text string
}

// Structural computes a minimal rune-level diff between old and new text
// using the Myers O(ND) algorithm, returning Equal/Insert/Delete runs in
// document order. This is the mechanism behind diskAhead reconciliation:
// when a file changes on disk outside the watched write path, the new
// content is diffed against the last-known text and applied as positioned
// CRDT operations, never a wholesale replace.
func Structural(oldText, newText string) []Change {
	a := []rune(oldText)
	b := []rune(newText)

	trace, x, y := myersTrace(a, b)
	ops := backtrack(trace, a, b, x, y)
	return coalesce(ops)
}

// ToCRDTOps converts a structural diff into the sequence of CRDT Insert/
// Delete calls that reproduce newText starting from a document currently
// holding oldText, applied left-to-right against live offsets.
func ToCRDTOps(doc *crdt.Doc, changes []Change, origin crdt.Origin) {
	offset := 0
	for _, c := range changes {
		switch c.Kind {
		case Equal:
			offset += len([]rune(c.Text))
		case Insert:
			doc.Insert(offset, c.Text, origin)
			offset += len([]rune(c.Text))
		case Delete:
			doc.Delete(offset, len([]rune(c.Text)), origin)
		}
	}
}

// ToPositionedChanges converts a structural diff into the positioned
// insert/delete runs an editor-facing effect needs (rune offsets into the
// text the diff started from), rather than the live CRDT offsets
// ToCRDTOps consumes. Equal runs advance the offset without producing an
// entry; each Delete is paired with whatever Insert immediately follows it
// so a replaced run becomes a single positioned change instead of two.
func ToPositionedChanges(changes []Change) []crdt.PositionedChange {
	var out []crdt.PositionedChange
	offset := 0
	i := 0
	for i < len(changes) {
		c := changes[i]
		switch c.Kind {
		case Equal:
			offset += len([]rune(c.Text))
			i++
		case Delete:
			delLen := len([]rune(c.Text))
			insert := ""
			if i+1 < len(changes) && changes[i+1].Kind == Insert {
				insert = changes[i+1].Text
				i++
			}
			out = append(out, crdt.PositionedChange{From: offset, To: offset + delLen, Insert: insert})
			offset += delLen
			i++
		case Insert:
			out = append(out, crdt.PositionedChange{From: offset, To: offset, Insert: c.Text})
			i++
		}
	}
	return out
}

type point struct{ x, y int }

// myersTrace runs the classic Myers diff forward pass, recording the
// frontier (v-array) at each edit distance so backtrack can recover the
// shortest edit script.
func myersTrace(a, b []rune) (trace []map[int]int, fx, fy int) {
	n, m := len(a), len(b)
	max := n + m
	v := map[int]int{1: 0}

	for d := 0; d <= max; d++ {
		snapshot := make(map[int]int, len(v))
		for k, val := range v {
			snapshot[k] = val
		}
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[k-1] < v[k+1]) {
				x = v[k+1]
			} else {
				x = v[k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[k] = x
			if x >= n && y >= m {
				return trace, x, y
			}
		}
	}
	return trace, n, m
}

func backtrack(trace []map[int]int, a, b []rune, fx, fy int) []Change {
	var ops []Change
	x, y := fx, fy

	for d := len(trace) - 1; d >= 0; d-- {
		v := trace[d]
		k := x - y

		var prevK int
		if k == -d || (k != d && v[k-1] < v[k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			ops = append(ops, Change{Kind: Equal, Text: string(a[x-1])})
			x--
			y--
		}

		if d > 0 {
			if x == prevX {
				ops = append(ops, Change{Kind: Insert, Text: string(b[y-1])})
				y--
			} else {
				ops = append(ops, Change{Kind: Delete, Text: string(a[x-1])})
				x--
			}
		}
	}

	// ops were built end-to-start; reverse.
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

// coalesce merges adjacent ops of the same kind into single runs.
func coalesce(ops []Change) []Change {
	if len(ops) == 0 {
		return ops
	}
	out := ops[:1]
	for _, c := range ops[1:] {
		last := &out[len(out)-1]
		if last.Kind == c.Kind {
			last.Text += c.Text
			continue
		}
		out = append(out, c)
	}
	return out
}
