package merge

import (
	"context"
	"fmt"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/diff3"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

// handleAcquireLock begins the active-entry protocol: opening (or
// confirming) the local document for editing. Arriving mid-load just
// upgrades the target state that PERSISTENCE_LOADED will land on; arriving
// while an active-entry sequence is already underway is a no-op, since the
// editor only ever holds one lock per document at a time.
func (h *HSM) handleAcquireLock(ev Event) []Effect {
	switch {
	case h.state.StatePath == StateLoading:
		h.transitionTo(StateActiveLoading, ev.Kind)
		return nil
	case h.state.StatePath.isActive():
		return nil
	case h.state.StatePath.isIdle():
		return h.beginActiveEntry(ev)
	default:
		return nil
	}
}

func (h *HSM) beginActiveEntry(ev Event) []Effect {
	h.transitionTo(StateActiveLoading, ev.Kind)
	return h.enterActiveAfterLoad()
}

// enterActiveAfterLoad opens the per-document store for writing and
// replays its update log into a fresh local CRDT, re-entering via
// PERSISTENCE_SYNCED once that I/O completes.
func (h *HSM) enterActiveAfterLoad() []Effect {
	h.transitionTo(StateActiveEnteringAwaitingPersistence, EventAcquireLock)

	guid, clientID, deps := h.state.GUID, h.state.ClientID, h.deps
	h.spawnAsync(asyncIDActive, func(ctx context.Context) {
		store, doc, err := openActiveStore(ctx, guid, clientID, deps)
		if err != nil {
			h.Send(Event{Kind: EventError, Err: err})
			return
		}
		if ctx.Err() != nil {
			store.Close()
			return
		}
		h.Send(Event{Kind: EventPersistenceSynced, ActiveStore: store, ActiveLocalDoc: doc, HasContent: doc.Text() != ""})
	})
	return nil
}

// openActiveStore opens the document's store and replays its update log
// into a fresh CRDT seeded with clientID, reusing a previously recorded
// client id if one exists.
func openActiveStore(ctx context.Context, guid string, clientID uint64, deps Deps) (*persistence.Store, *crdt.Doc, error) {
	store, err := deps.OpenStore(ctx, guid)
	if err != nil {
		return nil, nil, fmt.Errorf("open persistence for active entry: %w", err)
	}
	updates, err := store.LoadUpdates(ctx)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load updates for active entry: %w", err)
	}
	doc := deps.freshDoc(guid, clientID)
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u, crdt.OriginRemote); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("replay update log for active entry: %w", err)
		}
	}
	return store, doc, nil
}

// handlePersistenceSynced attaches the store and local doc enterActiveAfterLoad
// built and proceeds to the next active-entry step.
func (h *HSM) handlePersistenceSynced(ev Event) []Effect {
	if ev.ActiveStore == nil || ev.ActiveLocalDoc == nil {
		return nil
	}
	h.store = ev.ActiveStore
	h.local = ev.ActiveLocalDoc
	h.state.ClientID = h.local.ClientID()
	h.state.LocalStateVector = h.local.StateVector()
	h.displayedEditorText = h.local.Text()

	if !h.providerSynced {
		h.transitionTo(StateActiveEnteringAwaitingRemote, ev.Kind)
		return h.maybeStatusChanged(nil)
	}
	return h.enterReconciling(ev.Kind)
}

// enterReconciling compares local and remote against the last common
// ancestor and picks the cheapest reconciliation that applies: nothing to
// do, adopt remote wholesale, or a full three-way merge.
func (h *HSM) enterReconciling(cause EventKind) []Effect {
	h.transitionTo(StateActiveEnteringReconciling, cause)

	var base string
	if h.state.LCA != nil {
		base = h.state.LCA.Contents
	}
	localText := h.local.Text()
	remoteText := h.remote.Text()

	// With no LCA the base is empty, so an empty side counts as unmoved.
	localMoved := localText != base
	remoteMoved := remoteText != base

	switch {
	case !remoteMoved:
		return h.settleTracking(cause)
	case !localMoved:
		return h.twoWayMergeRemoteIntoLocal(cause)
	default:
		return h.threeWayMerge(cause, base, localText, remoteText)
	}
}

func (h *HSM) settleTracking(cause EventKind) []Effect {
	h.transitionTo(StateActiveTracking, cause)
	effects := h.maybeStatusChanged([]Effect{h.persistEffect()})
	effects = append(effects, h.drainAccumulated()...)
	return effects
}

// twoWayMergeRemoteIntoLocal adopts the remote's updates wholesale: local
// never diverged from the last common ancestor, so there is nothing to
// reconcile against, only to apply.
func (h *HSM) twoWayMergeRemoteIntoLocal(cause EventKind) []Effect {
	h.transitionTo(StateActiveMergingTwoWay, cause)

	update := h.remote.EncodeStateAsUpdate(h.local.StateVector())
	delta, err := h.local.ApplyUpdate(update, crdt.OriginRemote)
	if err != nil {
		return h.asErrorEvent(err)
	}
	h.state.LocalStateVector = h.local.StateVector()
	h.displayedEditorText = h.local.Text()

	var effects []Effect
	if len(delta.Changes) > 0 {
		effects = append(effects, Effect{Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path, Changes: delta.Changes})
	}
	return append(effects, h.settleTracking(cause)...)
}

// threeWayMerge runs the line-based three-way merge; a clean result is
// folded into the local CRDT as a positioned diff and the document
// settles into tracking, while a real conflict routes through
// MERGE_CONFLICT to raise the conflict banner.
func (h *HSM) threeWayMerge(cause EventKind, base, localText, remoteText string) []Effect {
	h.transitionTo(StateActiveMergingThreeWay, cause)

	merged, conflicted := diff3.Merge(base, localText, remoteText)
	if conflicted {
		regions := buildConflictRegions(diff3.Hunks(base, localText, remoteText))
		return h.dispatch(Event{
			Kind:            EventMergeConflict,
			ConflictBase:    base,
			ConflictLocal:   localText,
			ConflictRemote:  remoteText,
			ConflictRegions: regions,
		})
	}

	changes := diff3.Structural(localText, merged)
	diff3.ToCRDTOps(h.local, changes, crdt.OriginSelf)
	positioned := diff3.ToPositionedChanges(changes)

	h.state.LocalStateVector = h.local.StateVector()
	h.displayedEditorText = h.local.Text()
	h.state.LCA = &LCAState{
		Contents:    merged,
		Meta:        MergeMetadata{Hash: h.deps.hash(merged), Mtime: h.deps.now()},
		StateVector: h.local.StateVector(),
	}

	effects := []Effect{{Kind: EffectDispatchCM6, GUID: h.state.GUID, Path: h.state.Path, Changes: positioned}}
	return append(effects, h.settleTracking(cause)...)
}

// handleCM6Change applies an editor-originated edit to the local CRDT and
// mirrors it to the remote side and persistence; CM6_CHANGE is the only
// path by which user keystrokes reach the CRDT.
func (h *HSM) handleCM6Change(ev Event) []Effect {
	if h.state.StatePath != StateActiveTracking || h.local == nil {
		return nil
	}
	if ev.IsFromCRDT {
		// Echo of a change the CRDT itself produced; nothing further to do.
		h.displayedEditorText = ev.DocText
		return nil
	}

	for _, c := range ev.PositionedChanges {
		if c.To > c.From {
			h.local.Delete(c.From, c.To-c.From, crdt.OriginSelf)
		}
		if c.Insert != "" {
			h.local.Insert(c.From, c.Insert, crdt.OriginSelf)
		}
	}
	h.displayedEditorText = h.local.Text()
	h.state.LocalStateVector = h.local.StateVector()

	persistUpdate := h.local.EncodeStateAsUpdate(nil)
	effects := h.maybeStatusChanged([]Effect{
		{Kind: EffectPersistUpdates, GUID: h.state.GUID, Update: persistUpdate},
	})

	// The delta synced to the remote is computed against RemoteCRDT's own
	// state vector, not the full local update, and is applied to
	// RemoteCRDT locally so the sender does not re-send on echo.
	delta := h.local.EncodeStateAsUpdate(h.remote.StateVector())
	if len(delta) > 0 {
		if _, err := h.remote.ApplyUpdate(delta, crdt.OriginSelf); err != nil {
			return h.asErrorEvent(err)
		}
		effects = append(effects, Effect{Kind: EffectSyncToRemote, GUID: h.state.GUID, Update: delta})
	}
	return effects
}

// diff3ChangesForDisk folds an external disk write into the local CRDT as
// a positioned diff against the local CRDT's current text, and returns the
// positioned changes to forward to the editor.
func diff3ChangesForDisk(h *HSM, diskContents string) []crdt.PositionedChange {
	current := h.local.Text()
	if current == diskContents {
		return nil
	}
	changes := diff3.Structural(current, diskContents)
	diff3.ToCRDTOps(h.local, changes, crdt.OriginSelf)
	h.state.LocalStateVector = h.local.StateVector()
	return diff3.ToPositionedChanges(changes)
}
