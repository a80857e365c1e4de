package merge

import "context"

// handleReleaseLock gives up the editor lock without dropping the document
// from memory: the local CRDT and its store handle are torn down and the
// document settles back into whichever idle substate its now-frozen local
// state vector implies.
func (h *HSM) handleReleaseLock(ev Event) []Effect {
	if !h.state.StatePath.isActive() {
		return nil
	}
	h.transitionTo(StateUnloading, ev.Kind)
	h.spawnCleanup(false)
	return nil
}

// handleUnload tears the document down entirely: same cleanup as
// RELEASE_LOCK when a session was active, landing in `unloaded` instead of
// an idle substate either way.
func (h *HSM) handleUnload(ev Event) []Effect {
	h.transitionTo(StateUnloading, ev.Kind)
	h.spawnCleanup(true)
	return nil
}

// spawnCleanup closes the store and re-enters via CLEANUP_COMPLETE once
// that I/O finishes. final distinguishes a full UNLOAD (lands in
// `unloaded`) from a RELEASE_LOCK (lands back in idle).
//
// LCA advances to the final content iff disk's last-known hash matches
// it, or the editor's last-known text matches it, i.e. the session
// ended with local, disk, and editor agreeing, even if no prior LCA
// existed. A session that ends mid-divergence leaves LCA untouched (or
// unset) so the next idle substate computation still sees the gap.
func (h *HSM) spawnCleanup(final bool) {
	local, store, lca, disk, lastEditor, deps := h.local, h.store, h.state.LCA, h.state.Disk, h.state.LastKnownEditorText, h.deps

	h.spawnAsync(asyncIDCleanup, func(ctx context.Context) {
		if local != nil {
			finalText := local.Text()
			finalHash := deps.hash(finalText)
			matchesDisk := disk != nil && disk.Hash == finalHash
			matchesEditor := lastEditor != nil && *lastEditor == finalText
			if matchesDisk || matchesEditor {
				mtime := deps.now()
				if disk != nil {
					mtime = disk.Mtime
				}
				lca = &LCAState{
					Contents:    finalText,
					Meta:        MergeMetadata{Hash: finalHash, Mtime: mtime},
					StateVector: local.StateVector(),
				}
			}
		}
		if store != nil {
			store.Close()
		}
		h.Send(Event{Kind: EventCleanupComplete, CleanupLCA: lca, Final: final})
	})
}

// handleCleanupComplete detaches the local CRDT and store and lands the
// document in its post-cleanup state: `unloaded` for a full UNLOAD, or the
// idle substate implied by the frozen state otherwise.
func (h *HSM) handleCleanupComplete(ev Event) []Effect {
	h.local = nil
	h.store = nil
	if ev.CleanupLCA != nil {
		h.state.LCA = ev.CleanupLCA
	}

	if ev.Final {
		h.transitionTo(StateUnloaded, ev.Kind)
		return h.maybeStatusChanged(nil)
	}

	h.state.RemoteStateVector = h.remote.StateVector()
	target := computeIdleSubstate(&h.state)
	h.transitionTo(target, ev.Kind)
	effects := h.maybeStatusChanged([]Effect{h.persistEffect()})
	effects = append(effects, h.drainAccumulated()...)
	effects = append(effects, h.maybeStartIdleAutoMerge()...)
	return effects
}
