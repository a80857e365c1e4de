// Package diff3 implements the line-based three-way merge and the
// structural text diff the MergeHSM uses in its diverged and threeWay
// states: a longest-common-subsequence hunk matcher over base/local/remote
// line slices, and a Myers-style diff that produces positioned insert/
// delete ops instead of a full-text replace.
package diff3

import "strings"

// HunkKind classifies a merge hunk.
type HunkKind int

const (
	// Stable means local and remote agree (or neither touched the base
	// region); the hunk's Local lines are authoritative.
	Stable HunkKind = iota
	// LocalOnly means only local diverged from base in this region.
	LocalOnly
	// RemoteOnly means only remote diverged from base in this region.
	RemoteOnly
	// Conflict means both local and remote diverged from base, differently.
	Conflict
)

// Hunk is one region of the three-way comparison.
type Hunk struct {
	Kind  HunkKind
	Base  []string
	Local []string
	Remote []string
}

// Merge performs a line-based three-way merge of base/local/remote text.
// It returns the merged text and whether any Conflict hunks remain (in
// which case the merged text interleaves conflict markers for display, and
// callers should route to the HSM's conflict.bannerShown state instead of
// auto-applying).
func Merge(base, local, remote string) (merged string, conflicted bool) {
	hunks := Hunks(base, local, remote)
	var out []string
	for _, h := range hunks {
		switch h.Kind {
		case Stable:
			out = append(out, h.Local...)
		case LocalOnly:
			out = append(out, h.Local...)
		case RemoteOnly:
			out = append(out, h.Remote...)
		case Conflict:
			conflicted = true
			out = append(out, "<<<<<<< local")
			out = append(out, h.Local...)
			out = append(out, "=======")
			out = append(out, h.Remote...)
			out = append(out, ">>>>>>> remote")
		}
	}
	return strings.Join(out, "\n"), conflicted
}

// Hunks splits base/local/remote into aligned regions by first aligning
// base against local and base against remote with an LCS-based matcher,
// then walking all three line cursors together to classify each region.
func Hunks(base, local, remote string) []Hunk {
	baseLines := splitLines(base)
	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	localMatch := lcsMatch(baseLines, localLines)
	remoteMatch := lcsMatch(baseLines, remoteLines)

	var hunks []Hunk
	bi, li, ri := 0, 0, 0
	for bi < len(baseLines) {
		// Find the next base line that is matched identically in both
		// local and remote (an anchor); everything before it is one hunk.
		nextAnchor := bi
		for nextAnchor < len(baseLines) {
			lj, lok := localMatch[nextAnchor]
			rj, rok := remoteMatch[nextAnchor]
			if lok && rok {
				break
			}
			_ = lj
			_ = rj
			nextAnchor++
		}

		baseSeg := baseLines[bi:nextAnchor]
		var localEnd, remoteEnd int
		if lj, ok := localMatch[nextAnchor]; ok {
			localEnd = lj
		} else {
			localEnd = len(localLines)
		}
		if rj, ok := remoteMatch[nextAnchor]; ok {
			remoteEnd = rj
		} else {
			remoteEnd = len(remoteLines)
		}
		localSeg := localLines[li:localEnd]
		remoteSeg := remoteLines[ri:remoteEnd]

		seg := classify(baseSeg, localSeg, remoteSeg)
		if seg.Kind == Conflict && len(baseSeg) == len(localSeg) && len(baseSeg) == len(remoteSeg) {
			// Equal-length regions are compared line by line, so edits to
			// different lines, adjacent ones included, merge without a conflict.
			for i := range baseSeg {
				hunks = append(hunks, classify(baseSeg[i:i+1], localSeg[i:i+1], remoteSeg[i:i+1]))
			}
		} else {
			hunks = append(hunks, seg)
		}

		li, ri = localEnd, remoteEnd
		bi = nextAnchor

		if bi < len(baseLines) {
			// Emit the anchor line itself as a stable hunk of size 1, then
			// advance all three cursors past it.
			hunks = append(hunks, Hunk{Kind: Stable, Base: []string{baseLines[bi]}, Local: []string{localLines[li]}, Remote: []string{remoteLines[ri]}})
			bi++
			li++
			ri++
		}
	}
	// Trailing content after the final anchor (or if base was empty).
	if li < len(localLines) || ri < len(remoteLines) {
		hunks = append(hunks, classify(nil, localLines[li:], remoteLines[ri:]))
	}

	return mergeAdjacentStable(hunks)
}

func classify(base, local, remote []string) Hunk {
	localChanged := !linesEqual(base, local)
	remoteChanged := !linesEqual(base, remote)

	switch {
	case !localChanged && !remoteChanged:
		return Hunk{Kind: Stable, Base: base, Local: local, Remote: remote}
	case localChanged && !remoteChanged:
		return Hunk{Kind: LocalOnly, Base: base, Local: local, Remote: remote}
	case !localChanged && remoteChanged:
		return Hunk{Kind: RemoteOnly, Base: base, Local: local, Remote: remote}
	case linesEqual(local, remote):
		// Both changed identically: not a conflict, converged independently.
		return Hunk{Kind: Stable, Base: base, Local: local, Remote: remote}
	default:
		return Hunk{Kind: Conflict, Base: base, Local: local, Remote: remote}
	}
}

func mergeAdjacentStable(hunks []Hunk) []Hunk {
	if len(hunks) == 0 {
		return hunks
	}
	out := hunks[:1]
	for _, h := range hunks[1:] {
		last := &out[len(out)-1]
		if last.Kind == Stable && h.Kind == Stable {
			last.Base = append(last.Base, h.Base...)
			last.Local = append(last.Local, h.Local...)
			last.Remote = append(last.Remote, h.Remote...)
			continue
		}
		out = append(out, h)
	}
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lcsMatch returns, for each index i into a that participates in the
// longest common subsequence of a and b, the corresponding matched index
// into b.
func lcsMatch(a, b []string) map[int]int {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	match := make(map[int]int)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			match[i] = j
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return match
}
