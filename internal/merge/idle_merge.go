package merge

import (
	"context"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/diff3"
)

// maybeStartIdleAutoMerge spawns the background reconciliation appropriate
// for the current idle substate. remoteAhead and diskAhead resolve without
// any user involvement; diverged only resolves automatically when the
// three-way merge is clean, otherwise it is left diverged until a user
// opens the document and works through the conflict banner.
func (h *HSM) maybeStartIdleAutoMerge() []Effect {
	if !h.providerSynced {
		return nil
	}
	switch h.state.StatePath {
	case StateIdleRemoteAhead, StateIdleDiskAhead, StateIdleDiverged:
	default:
		return nil
	}

	guid, path, deps := h.state.GUID, h.state.Path, h.deps
	lca := h.state.LCA
	remoteText := h.remote.Text()
	statePath := h.state.StatePath

	h.spawnAsync(asyncIDIdleMerge, func(ctx context.Context) {
		var base string
		if lca != nil {
			base = lca.Contents
		}
		disk, _, _, diskOK, _ := deps.diskState(path)

		var merged string
		switch statePath {
		case StateIdleRemoteAhead:
			merged = remoteText
		case StateIdleDiskAhead:
			if !diskOK {
				return
			}
			merged = disk
		case StateIdleDiverged:
			localSide := base
			if diskOK {
				localSide = disk
			}
			var conflicted bool
			merged, conflicted = diff3.Merge(base, localSide, remoteText)
			if conflicted {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		doc := deps.freshDoc(guid, 0)
		doc.Insert(0, merged, crdt.OriginSelf)
		update := doc.EncodeStateAsUpdate(nil)

		newLCA := &LCAState{
			Contents:    merged,
			Meta:        MergeMetadata{Hash: deps.hash(merged), Mtime: deps.now()},
			StateVector: doc.StateVector(),
		}

		h.Send(Event{
			Kind:               EventMergeSuccess,
			NewLCA:             newLCA,
			MergeWriteDisk:     &merged,
			MergeSyncUpdate:    update,
			MergePersistUpdate: update,
		})
	})
	return nil
}

// handleMergeSuccess applies the result of an idle auto-merge: the new LCA
// becomes the agreed base, and the merged content is written to disk,
// appended to the local update log, and pushed to the remote.
func (h *HSM) handleMergeSuccess(ev Event) []Effect {
	if ev.NewLCA == nil || !h.state.StatePath.isIdle() {
		// A result that arrives after the document left idle.* is dropped.
		return nil
	}
	h.state.LCA = ev.NewLCA
	h.state.LocalStateVector = ev.NewLCA.StateVector
	h.state.RemoteStateVector = h.remote.StateVector()
	h.state.Disk = &MergeMetadata{Hash: ev.NewLCA.Meta.Hash, Mtime: ev.NewLCA.Meta.Mtime}

	h.transitionTo(StateIdleSynced, ev.Kind)

	var effects []Effect
	if ev.MergeWriteDisk != nil {
		effects = append(effects, Effect{Kind: EffectWriteDisk, GUID: h.state.GUID, Path: h.state.Path, Contents: *ev.MergeWriteDisk})
	}
	if len(ev.MergePersistUpdate) > 0 {
		effects = append(effects, Effect{Kind: EffectPersistUpdates, GUID: h.state.GUID, Update: ev.MergePersistUpdate})
	}
	if len(ev.MergeSyncUpdate) > 0 {
		effects = append(effects, Effect{Kind: EffectSyncToRemote, GUID: h.state.GUID, Update: ev.MergeSyncUpdate})
	}
	effects = h.maybeStatusChanged(append(effects, h.persistEffect()))
	effects = append(effects, h.drainAccumulated()...)
	return effects
}
