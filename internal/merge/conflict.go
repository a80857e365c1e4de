package merge

import (
	"log/slog"
	"strings"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/diff3"
)

// handleMergeConflict raises the conflict banner when a real three-way
// conflict surfaces during active-entry reconciliation. The same event can
// in principle arrive while idle (an auto-merge attempt found a genuine
// conflict); idle never shows a banner, so it just stays diverged until a
// user opens the document.
func (h *HSM) handleMergeConflict(ev Event) []Effect {
	if !h.state.StatePath.isActive() {
		slog.Warn("merge: auto-merge hit a real conflict, deferring to next active session", "guid", h.state.GUID)
		return nil
	}

	h.state.conflict = newConflictData(ev.ConflictBase, ev.ConflictLocal, ev.ConflictRemote, ev.ConflictRegions)
	h.transitionTo(StateActiveConflictBannerShown, ev.Kind)
	effects := []Effect{{Kind: EffectShowConflictDecorations, GUID: h.state.GUID, Path: h.state.Path, Regions: ev.ConflictRegions}}
	return h.maybeStatusChanged(effects)
}

// buildConflictRegions walks the three-way hunks in order, keeping a
// running cursor over base lines and local characters, and emits one
// ConflictRegion per Conflict hunk positioned against the local text.
func buildConflictRegions(hunks []diff3.Hunk) []ConflictRegion {
	var regions []ConflictRegion
	baseLine, localChar := 0, 0
	for _, hu := range hunks {
		localLen := linesLen(hu.Local)
		if hu.Kind == diff3.Conflict {
			regions = append(regions, ConflictRegion{
				BaseFrom:       baseLine,
				BaseTo:         baseLine + len(hu.Base),
				Local:          strings.Join(hu.Local, "\n"),
				Remote:         strings.Join(hu.Remote, "\n"),
				PositionedFrom: localChar,
				PositionedTo:   localChar + localLen,
			})
		}
		baseLine += len(hu.Base)
		if len(hu.Local) > 0 {
			localChar += localLen + 1 // the "\n" joining this hunk to the next
		}
	}
	return regions
}

// linesLen returns the rune length of lines joined with "\n".
func linesLen(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	n := len(lines) - 1
	for _, l := range lines {
		n += len([]rune(l))
	}
	return n
}

// handleResolveAccept resolves an entire conflict at once by adopting one
// side wholesale: the disk version, the local version (i.e. dismiss
// remote's changes), or editor-supplied merged content.
func (h *HSM) handleResolveAccept(ev Event) []Effect {
	c := h.state.conflict
	if c == nil {
		return nil
	}

	var target string
	switch ev.Kind {
	case EventResolveAcceptDisk:
		contents, _, _, ok, _ := h.deps.diskState(h.state.Path)
		if !ok {
			return nil
		}
		target = contents
	case EventResolveAcceptLocal:
		target = c.Local
	case EventResolveAcceptMerged:
		target = ev.EditorContent
	default:
		return nil
	}

	current := h.local.Text()
	changes := diff3.Structural(current, target)
	diff3.ToCRDTOps(h.local, changes, crdt.OriginSelf)
	positioned := diff3.ToPositionedChanges(changes)

	h.state.conflict = nil
	h.state.LocalStateVector = h.local.StateVector()
	h.displayedEditorText = h.local.Text()
	h.state.LCA = &LCAState{
		Contents:    target,
		Meta:        MergeMetadata{Hash: h.deps.hash(target), Mtime: h.deps.now()},
		StateVector: h.local.StateVector(),
	}

	effects := []Effect{
		{Kind: EffectHideConflictDecoration, GUID: h.state.GUID, Path: h.state.Path},
	}
	if len(positioned) > 0 {
		effects = append(effects, Effect{Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path, Changes: positioned})
	}
	return append(effects, h.settleTracking(ev.Kind)...)
}

// handleResolveHunk resolves one conflict region, shifting every other
// region that lies after it, resolved or not, by the length delta the
// resolution introduced so later RESOLVE_HUNK calls still land on the
// right text.
func (h *HSM) handleResolveHunk(ev Event) []Effect {
	c := h.state.conflict
	if c == nil || ev.HunkIndex < 0 || ev.HunkIndex >= len(c.Regions) {
		return nil
	}
	region := c.Regions[ev.HunkIndex]

	var replacement string
	switch ev.Resolution {
	case ResolveLocal:
		replacement = region.Local
	case ResolveRemote:
		replacement = region.Remote
	case ResolveBoth:
		replacement = region.Local + "\n" + region.Remote
	default:
		return nil
	}

	oldLen := region.PositionedTo - region.PositionedFrom
	newLen := len([]rune(replacement))
	delta := newLen - oldLen

	if oldLen > 0 {
		h.local.Delete(region.PositionedFrom, oldLen, crdt.OriginSelf)
	}
	if replacement != "" {
		h.local.Insert(region.PositionedFrom, replacement, crdt.OriginSelf)
	}

	c.Resolved[ev.HunkIndex] = struct{}{}
	for i := range c.Regions {
		if i != ev.HunkIndex && c.Regions[i].PositionedFrom > region.PositionedFrom {
			c.Regions[i].PositionedFrom += delta
			c.Regions[i].PositionedTo += delta
		}
	}
	c.Regions[ev.HunkIndex].PositionedTo = c.Regions[ev.HunkIndex].PositionedFrom + newLen

	h.state.LocalStateVector = h.local.StateVector()
	h.displayedEditorText = h.local.Text()

	effects := []Effect{
		{Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path,
			Changes: []crdt.PositionedChange{{From: region.PositionedFrom, To: region.PositionedFrom + oldLen, Insert: replacement}}},
		{Kind: EffectHideConflictDecoration, GUID: h.state.GUID, Path: h.state.Path, Index: ev.HunkIndex},
	}

	if c.allResolved() {
		merged := h.local.Text()
		h.state.conflict = nil
		h.state.LCA = &LCAState{
			Contents:    merged,
			Meta:        MergeMetadata{Hash: h.deps.hash(merged), Mtime: h.deps.now()},
			StateVector: h.local.StateVector(),
		}
		return append(effects, h.settleTracking(ev.Kind)...)
	}

	h.transitionTo(StateActiveConflictResolving, ev.Kind)
	return h.maybeStatusChanged(effects)
}

// handleDismissConflict leaves the conflict unresolved for now, recording
// the (disk hash, local hash) pairing so the same conflict doesn't
// immediately resurface until one side changes again.
func (h *HSM) handleDismissConflict(ev Event) []Effect {
	c := h.state.conflict
	if c == nil {
		return nil
	}
	h.state.DeferredConflict = &DeferredConflict{DiskHash: h.deps.hash(c.Remote), LocalHash: h.deps.hash(c.Local)}
	h.state.conflict = nil
	effects := []Effect{{Kind: EffectHideConflictDecoration, GUID: h.state.GUID, Path: h.state.Path}}
	return append(effects, h.settleTracking(ev.Kind)...)
}

// handleOpenDiffView moves from the conflict banner into per-hunk
// resolving; the diff view itself is rendered entirely from the conflict
// decorations already shown, so this only updates state-path.
func (h *HSM) handleOpenDiffView(ev Event) []Effect {
	if h.state.StatePath != StateActiveConflictBannerShown {
		return nil
	}
	h.transitionTo(StateActiveConflictResolving, ev.Kind)
	return h.maybeStatusChanged(nil)
}

// handleCancel backs out of resolving individual hunks to the banner,
// abandoning any not-yet-committed partial resolution.
func (h *HSM) handleCancel(ev Event) []Effect {
	if h.state.StatePath != StateActiveConflictResolving {
		return nil
	}
	h.transitionTo(StateActiveConflictBannerShown, ev.Kind)
	return h.maybeStatusChanged(nil)
}
