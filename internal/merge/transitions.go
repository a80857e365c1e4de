package merge

import "log/slog"

// StrictTransitions controls what happens when a handler attempts an
// illegal from->to transition: panic when true, log-and-continue when
// false. Illegal transitions are always a programming bug, never a
// recoverable condition, so release builds only need to observe them, not
// crash on them. It defaults to false, and neither the tests nor the CLI
// set it.
var StrictTransitions = false

// legalTransition reports whether moving from `from` to `to` is a
// permitted edge in the document lifecycle. Re-entering the same state is
// always legal (idle substates re-evaluate themselves after a disk/remote
// event without an actual transition).
func legalTransition(from, to State) bool {
	if from == to {
		return true
	}

	switch {
	case to == StateUnloading:
		// RELEASE_LOCK/UNLOAD may fire from any state.
		return true
	case from == StateUnloading:
		return to.isIdle() || to == StateUnloaded
	case from == StateUnloaded:
		return to == StateLoading
	case from == StateLoading:
		return to == StateIdleLoading || to == StateActiveLoading
	case from.isIdle():
		// Idle substates re-evaluate among themselves as disk/remote state
		// changes, and ACQUIRE_LOCK lifts any idle substate into active.
		return to.isIdle() || to == StateActiveLoading
	case from == StateActiveLoading:
		return to == StateActiveEnteringAwaitingPersistence
	case from == StateActiveEnteringAwaitingPersistence:
		return to == StateActiveEnteringReconciling || to == StateActiveEnteringAwaitingRemote
	case from == StateActiveEnteringAwaitingRemote:
		return to == StateActiveEnteringReconciling
	case from == StateActiveEnteringReconciling:
		return to == StateActiveTracking || to == StateActiveMergingTwoWay || to == StateActiveMergingThreeWay
	case from == StateActiveMergingTwoWay:
		return to == StateActiveTracking
	case from == StateActiveMergingThreeWay:
		return to == StateActiveTracking || to == StateActiveConflictBannerShown
	case from == StateActiveConflictBannerShown:
		return to == StateActiveConflictResolving || to == StateActiveTracking
	case from == StateActiveConflictResolving:
		return to == StateActiveTracking || to == StateActiveConflictBannerShown
	default:
		return false
	}
}

// reportInvariantViolation records an illegal transition attempt: a
// programming bug, not a recoverable condition.
func reportInvariantViolation(guid string, from, to State, kind EventKind) {
	if StrictTransitions {
		panic("merge: illegal transition " + string(from) + " -> " + string(to) + " on " + string(kind) + " for " + guid)
	}
	slog.Error("merge: illegal transition", "guid", guid, "from", from, "to", to, "event", kind)
}
