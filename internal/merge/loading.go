package merge

import (
	"context"
	"fmt"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

// handleLoad begins the loading sequence (`unloaded -> loading`). The
// persistence replay and disk read happen in a spawned goroutine; the
// result re-enters via PERSISTENCE_LOADED so the idle-substate decision
// itself stays on the synchronous Send path.
func (h *HSM) handleLoad(ev Event) []Effect {
	if ev.GUID != "" {
		h.state.GUID = ev.GUID
	}
	if ev.Path != "" {
		h.state.Path = ev.Path
	}
	h.transitionTo(StateLoading, ev.Kind)

	guid, path, deps := h.state.GUID, h.state.Path, h.deps
	h.spawnAsync(asyncIDLoad, func(ctx context.Context) {
		result := loadPersisted(ctx, guid, path, deps)
		if ctx.Err() != nil {
			return // canceled mid-await: abort silently
		}
		h.Send(result)
	})
	return nil
}

// loadPersisted is the suspension-point body of the LOAD sequence: open
// the per-document store, replay its update log into a transient CRDT
// (destroyed before returning — idle substates never hold a live local
// doc, invariant 2), read disk, and load the last PersistedMergeState.
func loadPersisted(ctx context.Context, guid, path string, deps Deps) Event {
	if deps.OpenStore == nil {
		return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("merge: no persistence opener configured")}
	}

	store, err := deps.OpenStore(ctx, guid)
	if err != nil {
		return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("open persistence: %w", err)}
	}
	defer store.Close()

	rawState, err := store.LoadMergeState(ctx)
	if err != nil {
		return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("load merge state: %w", err)}
	}
	var persisted PersistedMergeState
	if err := persistence.UnmarshalMergeState(rawState, &persisted); err != nil {
		return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("unmarshal merge state: %w", err)}
	}

	updates, err := store.LoadUpdates(ctx)
	if err != nil {
		return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("load updates: %w", err)}
	}

	clientID := persisted.ClientID
	doc := deps.freshDoc(guid, clientID)
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u, crdt.OriginRemote); err != nil {
			return Event{Kind: EventPersistenceLoaded, LoadErr: fmt.Errorf("replay update log: %w", err)}
		}
	}
	localSV := doc.StateVector()
	localText := doc.Text()

	var lca *LCAState
	if persisted.LCA != nil {
		lca = &LCAState{Contents: persisted.LCA.Contents, Meta: persisted.LCA.Meta, StateVector: crdt.StateVector(persisted.LCA.StateVector)}
	}

	var diskMeta *MergeMetadata
	if contents, mtime, hash, ok, _ := deps.diskState(path); ok {
		diskMeta = &MergeMetadata{Hash: hash, Mtime: mtime}
		_ = contents
	}

	return Event{
		Kind:            EventPersistenceLoaded,
		LoadedUpdates:   updates,
		LoadedLCA:       lca,
		LoadedDisk:      diskMeta,
		LoadedDeferred:  persisted.Deferred,
		LoadedClientID:  doc.ClientID(),
		LoadedLocalSV:   localSV,
		LoadedLocalText: localText,
	}
}

// handlePersistenceLoaded applies the result gathered by loadPersisted and
// decides the target idle substate, or — if ACQUIRE_LOCK already
// arrived while loading was in flight — proceeds directly into the active
// entry protocol instead of settling into idle first.
func (h *HSM) handlePersistenceLoaded(ev Event) []Effect {
	if h.state.StatePath == StateLoading {
		// loading settles through idle.loading before any idle substate.
		h.transitionTo(StateIdleLoading, ev.Kind)
	}
	if ev.LoadErr != nil {
		h.state.Error = ev.LoadErr
		h.transitionTo(StateIdleError, ev.Kind)
		return h.maybeStatusChanged([]Effect{h.persistEffect()})
	}

	h.state.LCA = ev.LoadedLCA
	h.state.Disk = ev.LoadedDisk
	h.state.DeferredConflict = ev.LoadedDeferred
	h.state.ClientID = ev.LoadedClientID
	h.state.LocalStateVector = ev.LoadedLocalSV
	h.state.RemoteStateVector = h.remote.StateVector()
	h.state.LastKnownEditorText = &ev.LoadedLocalText

	if h.state.StatePath == StateActiveLoading {
		return h.enterActiveAfterLoad()
	}

	target := computeIdleSubstate(&h.state)
	h.transitionTo(target, ev.Kind)
	effects := h.maybeStatusChanged([]Effect{h.persistEffect()})
	effects = append(effects, h.drainAccumulated()...)
	effects = append(effects, h.maybeStartIdleAutoMerge()...)
	return effects
}

// computeIdleSubstate compares local/remote state vectors and disk hash
// against the LCA to pick idle.{synced, localAhead, remoteAhead,
// diskAhead, diverged}.
func computeIdleSubstate(s *MergeState) State {
	if s.LCA == nil {
		// No agreed base yet (brand-new document): any local or remote
		// history counts as divergence, and disk is not compared.
		if localChanged(s) || remoteChanged(s) {
			return StateIdleDiverged
		}
		return StateIdleSynced
	}

	lc := localChanged(s)
	rc := remoteChanged(s)
	dc := diskChanged(s)

	switch {
	case !lc && !rc && !dc:
		return StateIdleSynced
	case lc && !rc && !dc:
		return StateIdleLocalAhead
	case !lc && !rc && dc:
		return StateIdleDiskAhead
	case !lc && rc && !dc:
		return StateIdleRemoteAhead
	default:
		return StateIdleDiverged
	}
}

func localChanged(s *MergeState) bool {
	if s.LCA == nil {
		return len(s.LocalStateVector) > 0
	}
	return svExceeds(s.LocalStateVector, s.LCA.StateVector)
}

func remoteChanged(s *MergeState) bool {
	if s.LCA == nil {
		return len(s.RemoteStateVector) > 0
	}
	return svExceeds(s.RemoteStateVector, s.LCA.StateVector)
}

func diskChanged(s *MergeState) bool {
	if s.Disk == nil || s.LCA == nil {
		return false
	}
	return s.Disk.Hash != s.LCA.Meta.Hash
}

// svExceeds reports whether sv has any client clock strictly greater than
// base's, i.e. sv carries history base does not.
func svExceeds(sv, base crdt.StateVector) bool {
	for client, clock := range sv {
		if clock > base[client] {
			return true
		}
	}
	return false
}
