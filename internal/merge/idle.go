package merge

import (
	"log/slog"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
)

// handleDiskChanged applies an external disk write. While active.tracking,
// the new content is folded into the local CRDT as a positioned diff
// against the local CRDT's current text rather than adopted wholesale; in
// every idle substate it is just bookkeeping plus a substate
// re-evaluation, since there is no live local document to fold it into.
func (h *HSM) handleDiskChanged(ev Event) []Effect {
	h.state.Disk = &MergeMetadata{Hash: ev.Hash, Mtime: ev.Mtime}

	if h.state.StatePath == StateActiveTracking {
		changes := diff3ChangesForDisk(h, ev.Contents)
		if len(changes) > 0 {
			h.displayedEditorText = h.local.Text()
			return h.maybeStatusChanged([]Effect{h.persistEffect(), {
				Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path, Changes: changes,
			}})
		}
		return h.maybeStatusChanged([]Effect{h.persistEffect()})
	}

	if !h.state.StatePath.isIdle() {
		return nil
	}
	return h.reEvaluateIdle(ev.Kind)
}

// handleRemoteUpdate applies an incoming CRDT update to the remote
// document this HSM was constructed with. While active.tracking the same
// update is folded into the local document and dispatched to the editor;
// otherwise the idle substate is just re-evaluated.
func (h *HSM) handleRemoteUpdate(ev Event) []Effect {
	if _, err := h.remote.ApplyUpdate(ev.Update, crdt.OriginRemote); err != nil {
		return h.asErrorEvent(err)
	}
	h.state.RemoteStateVector = h.remote.StateVector()

	if h.state.StatePath == StateActiveTracking {
		delta, err := h.local.ApplyUpdate(ev.Update, crdt.OriginRemote)
		if err != nil {
			return h.asErrorEvent(err)
		}
		h.state.LocalStateVector = h.local.StateVector()
		h.displayedEditorText = h.local.Text()
		effects := h.maybeStatusChanged([]Effect{h.persistEffect()})
		if len(delta.Changes) > 0 {
			effects = append(effects, Effect{Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path, Changes: delta.Changes})
		}
		return effects
	}

	if !h.state.StatePath.isIdle() {
		return nil
	}
	return h.reEvaluateIdle(ev.Kind)
}

// reEvaluateIdle recomputes the idle substate after a disk or remote
// change, transitions if it moved, and kicks off auto-merge if the new
// substate calls for it.
func (h *HSM) reEvaluateIdle(cause EventKind) []Effect {
	target := computeIdleSubstate(&h.state)
	h.transitionTo(target, cause)
	effects := h.maybeStatusChanged([]Effect{h.persistEffect()})
	effects = append(effects, h.maybeStartIdleAutoMerge()...)
	return effects
}

// handleSaveComplete records the disk metadata produced by a WRITE_DISK
// effect the caller has finished executing.
func (h *HSM) handleSaveComplete(ev Event) []Effect {
	h.state.Disk = &MergeMetadata{Hash: ev.Hash, Mtime: ev.Mtime}
	return h.maybeStatusChanged([]Effect{h.persistEffect()})
}

func (h *HSM) handleConnected(ev Event) []Effect {
	h.state.IsOnline = true
	return h.maybeStatusChanged(nil)
}

func (h *HSM) handleDisconnected(ev Event) []Effect {
	h.state.IsOnline = false
	h.providerSynced = false
	return h.maybeStatusChanged(nil)
}

// handleProviderSynced marks the remote provider's initial backlog replay
// as finished: idle auto-merge only runs once this is true (so a
// remoteAhead verdict computed before the provider is done catching up
// doesn't race ahead of it), and active entry can proceed past
// awaitingRemote.
func (h *HSM) handleProviderSynced(ev Event) []Effect {
	h.providerSynced = true

	if h.state.StatePath == StateActiveEnteringAwaitingRemote {
		return h.enterReconciling(ev.Kind)
	}
	if h.state.StatePath.isIdle() {
		return h.maybeStartIdleAutoMerge()
	}
	return nil
}

// handleRemoteDocUpdated re-syncs bookkeeping after the remote document was
// mutated by something other than this HSM's own REMOTE_UPDATE handling
// (e.g. a peer HSM sharing the same provider connection).
func (h *HSM) handleRemoteDocUpdated(ev Event) []Effect {
	h.state.RemoteStateVector = h.remote.StateVector()
	if !h.state.StatePath.isIdle() {
		return nil
	}
	return h.reEvaluateIdle(ev.Kind)
}

func (h *HSM) handleError(ev Event) []Effect {
	h.state.Error = ev.Err
	slog.Error("merge: document error", "guid", h.state.GUID, "path", h.state.Path, "err", ev.Err)
	if h.state.StatePath.isIdle() {
		h.transitionTo(StateIdleError, ev.Kind)
	}
	return h.maybeStatusChanged([]Effect{h.persistEffect()})
}
