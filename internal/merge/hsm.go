package merge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

// HSM is the per-document hierarchical state machine: the thing that
// absorbs every event able to make disk, editor, local CRDT, and remote
// CRDT diverge, and drives them back to one consistent content.
//
// Every field is touched only while holding mu; Send is the single entry
// point and is synchronous end to end except for the async closures it
// spawns via spawnAsync, which re-enter through Send.
type HSM struct {
	mu sync.Mutex

	state MergeState

	// local is non-nil iff state.StatePath.isActive() (invariant 1/2).
	local *crdt.Doc

	// remote is held for this HSM's entire lifetime; it is owned by the
	// provider integration and the HSM never destroys it.
	remote *crdt.Doc

	// store is open whenever local is non-nil, and also transiently during
	// `loading` to replay the update log for idle substate selection.
	store *persistence.Store

	deps Deps

	effectSubs     []subscription[Effect]
	transitionSubs []subscription[transitionEvent]

	lastStatus *SyncStatus

	accum accumulator

	async map[string]*asyncOp

	stateWaiters []stateWaiter

	// providerSynced mirrors whether the remote provider has told us its
	// initial backlog is fully replayed; idle auto-merges and active-entry
	// reconciliation against the remote hold off until this is true.
	providerSynced bool

	// displayedEditorText is the last text the editor is known to hold.
	// Handlers update it after every change they dispatch; none of them
	// reads it; DISPATCH_CM6 changes are computed from the local CRDT.
	displayedEditorText string
}

type transitionEvent struct {
	From, To State
	Event    EventKind
}

type subscription[T any] struct {
	fn   func(T)
	live bool
}

type stateWaiter struct {
	pred func(State) bool
	ch   chan struct{}
}

// accumulator holds REMOTE_UPDATE/DISK_CHANGED events received while the
// HSM is mid-reconciliation (`loading`, `active.loading`,
// `active.entering.*`), replayed once reconciliation lands in a settled
// state.
type accumulator struct {
	diskChanged *Event
	remoteBytes []byte
	hasRemote   bool
}

// NewHSM constructs an HSM for one document in state `unloaded`. Send a
// LOAD event to begin the loading sequence.
func NewHSM(guid, path string, remoteDoc *crdt.Doc, deps Deps) *HSM {
	return &HSM{
		state:  MergeState{GUID: guid, Path: path, StatePath: StateUnloaded, IsOnline: true},
		remote: remoteDoc,
		deps:   deps,
		async:  make(map[string]*asyncOp),
	}
}

// Subscribe registers fn to receive every Effect emitted by Send calls
// from this point forward. Listeners registered mid-emission are not
// invoked for the in-flight emission.
func (h *HSM) Subscribe(fn func(Effect)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.effectSubs = append(h.effectSubs, subscription[Effect]{fn: fn, live: true})
	idx := len(h.effectSubs) - 1
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.effectSubs) {
			h.effectSubs[idx].live = false
		}
	}
}

// OnTransition registers fn to be called with (from, to, event) after
// every transition that changes StatePath.
func (h *HSM) OnTransition(fn func(from, to State, ev EventKind)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wrapped := func(t transitionEvent) { fn(t.From, t.To, t.Event) }
	h.transitionSubs = append(h.transitionSubs, subscription[transitionEvent]{fn: wrapped, live: true})
	idx := len(h.transitionSubs) - 1
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.transitionSubs) {
			h.transitionSubs[idx].live = false
		}
	}
}

// Snapshot returns a copy of the current MergeState.
func (h *HSM) Snapshot() MergeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Send is the HSM's single entry point: it mutates state synchronously,
// collects the effects that mutation produces, then delivers them to
// subscribers in order before returning.
func (h *HSM) Send(ev Event) {
	h.mu.Lock()
	prev := h.state.StatePath
	effects := h.safeDispatch(ev)
	cur := h.state.StatePath
	waiters := h.popSatisfiedWaitersLocked()
	h.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	if prev != cur {
		h.notifyTransition(transitionEvent{From: prev, To: cur, Event: ev.Kind})
	}
	h.notifyEffects(effects)
}

// safeDispatch wraps dispatch so a handler panic never escapes Send:
// it is converted into the HSM's error field and a STATUS_CHANGED effect
// instead of crashing the caller.
func (h *HSM) safeDispatch(ev Event) (effects []Effect) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("merge: handler panic", "guid", h.state.GUID, "event", ev.Kind, "recovered", r)
			h.state.Error = fmt.Errorf("panic handling %s: %v", ev.Kind, r)
			effects = append(effects, h.statusChangedEffect())
		}
	}()
	return h.dispatch(ev)
}

func (h *HSM) notifyEffects(effects []Effect) {
	if len(effects) == 0 {
		return
	}
	h.mu.Lock()
	subs := append([]subscription[Effect]{}, h.effectSubs...)
	h.mu.Unlock()
	for _, e := range effects {
		for _, s := range subs {
			if s.live {
				s.fn(e)
			}
		}
	}
}

func (h *HSM) notifyTransition(t transitionEvent) {
	h.mu.Lock()
	subs := append([]subscription[transitionEvent]{}, h.transitionSubs...)
	h.mu.Unlock()
	for _, s := range subs {
		if s.live {
			s.fn(t)
		}
	}
}

// transitionTo moves StatePath to `to`, reporting (panic in debug, log in
// release) if the move is not a legal edge in the document lifecycle.
func (h *HSM) transitionTo(to State, cause EventKind) {
	from := h.state.StatePath
	if !legalTransition(from, to) {
		reportInvariantViolation(h.state.GUID, from, to, cause)
	}
	h.state.StatePath = to
}

func (h *HSM) statusChangedEffect() Effect {
	status := deriveStatus(&h.state)
	h.lastStatus = &status
	return Effect{Kind: EffectStatusChanged, GUID: h.state.GUID, Path: h.state.Path, Status: status}
}

// maybeStatusChanged appends a STATUS_CHANGED effect iff the derived
// status actually differs from the last one emitted.
func (h *HSM) maybeStatusChanged(effects []Effect) []Effect {
	status := deriveStatus(&h.state)
	if h.lastStatus != nil && h.lastStatus.equals(status) {
		return effects
	}
	h.lastStatus = &status
	return append(effects, Effect{Kind: EffectStatusChanged, GUID: h.state.GUID, Path: h.state.Path, Status: status})
}

// persistEffect builds the PERSIST_STATE effect for whatever currently
// needs writing: LCA, disk meta, local SV, state path, or deferred
// conflict.
func (h *HSM) persistEffect() Effect {
	return Effect{Kind: EffectPersistState, GUID: h.state.GUID, Path: h.state.Path, State: h.state.ToPersisted()}
}
