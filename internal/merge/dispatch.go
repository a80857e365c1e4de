package merge

import "github.com/relaynotes/mergecore/internal/merge/crdt"

// dispatch routes one event to the handler appropriate for the HSM's
// current state. Callers must hold h.mu.
//
// A REMOTE_UPDATE or DISK_CHANGED arriving while mid-reconciliation
// (loading, active.loading, active.entering.*) is queued instead of
// handled immediately; everything else dispatches straight through.
func (h *HSM) dispatch(ev Event) []Effect {
	if h.isMidReconciliation() && h.accumulates(ev) {
		return h.accumulate(ev)
	}

	switch ev.Kind {
	case EventLoad:
		return h.handleLoad(ev)
	case EventUnload:
		return h.handleUnload(ev)
	case EventAcquireLock:
		return h.handleAcquireLock(ev)
	case EventReleaseLock:
		return h.handleReleaseLock(ev)
	case EventDiskChanged:
		return h.handleDiskChanged(ev)
	case EventRemoteUpdate:
		return h.handleRemoteUpdate(ev)
	case EventSaveComplete:
		return h.handleSaveComplete(ev)
	case EventCM6Change:
		return h.handleCM6Change(ev)
	case EventProviderSync:
		return h.handleProviderSynced(ev)
	case EventConnected:
		return h.handleConnected(ev)
	case EventDisconnected:
		return h.handleDisconnected(ev)

	case EventResolveAcceptDisk, EventResolveAcceptLocal, EventResolveAcceptMerged:
		return h.handleResolveAccept(ev)
	case EventResolveHunk:
		return h.handleResolveHunk(ev)
	case EventDismissConflict:
		return h.handleDismissConflict(ev)
	case EventOpenDiffView:
		return h.handleOpenDiffView(ev)
	case EventCancel:
		return h.handleCancel(ev)

	case EventPersistenceLoaded:
		return h.handlePersistenceLoaded(ev)
	case EventPersistenceSynced:
		return h.handlePersistenceSynced(ev)
	case EventMergeSuccess:
		return h.handleMergeSuccess(ev)
	case EventMergeConflict:
		return h.handleMergeConflict(ev)
	case EventRemoteDocUpdated:
		return h.handleRemoteDocUpdated(ev)
	case EventError:
		return h.handleError(ev)
	case EventCleanupComplete:
		return h.handleCleanupComplete(ev)

	default:
		// Input error: unknown event for current state is ignored,
		// logged in debug only.
		return nil
	}
}

func (h *HSM) isMidReconciliation() bool {
	switch h.state.StatePath {
	case StateLoading, StateActiveLoading,
		StateActiveEnteringAwaitingPersistence, StateActiveEnteringAwaitingRemote, StateActiveEnteringReconciling:
		return true
	default:
		return false
	}
}

func (h *HSM) accumulates(ev Event) bool {
	return ev.Kind == EventRemoteUpdate || ev.Kind == EventDiskChanged
}

func (h *HSM) accumulate(ev Event) []Effect {
	switch ev.Kind {
	case EventDiskChanged:
		// The most recent disk change replaces any earlier one.
		cp := ev
		h.accum.diskChanged = &cp
	case EventRemoteUpdate:
		if !h.accum.hasRemote {
			h.accum.remoteBytes = ev.Update
			h.accum.hasRemote = true
			return nil
		}
		merged, err := crdt.MergeUpdates([][]byte{h.accum.remoteBytes, ev.Update})
		if err != nil {
			return h.asErrorEvent(err)
		}
		h.accum.remoteBytes = merged
	}
	return nil
}

// drainAccumulated re-sends any queued events now that reconciliation has
// landed in a settled state (idle.* or active.tracking), in disk-then-
// remote order.
func (h *HSM) drainAccumulated() []Effect {
	var effects []Effect
	if h.accum.diskChanged != nil {
		ev := *h.accum.diskChanged
		h.accum.diskChanged = nil
		effects = append(effects, h.dispatch(ev)...)
	}
	if h.accum.hasRemote {
		update := h.accum.remoteBytes
		h.accum.remoteBytes = nil
		h.accum.hasRemote = false
		effects = append(effects, h.dispatch(Event{Kind: EventRemoteUpdate, Update: update})...)
	}
	return effects
}

func (h *HSM) asErrorEvent(err error) []Effect {
	return h.dispatch(Event{Kind: EventError, Err: err})
}
