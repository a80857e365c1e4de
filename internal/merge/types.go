// Package merge implements the MergeHSM and MergeManager: the hierarchical
// state machine that keeps a document's disk content, editor buffer, local
// CRDT, and remote CRDT mutually consistent, and the manager that owns one
// HSM per registered document.
//
// The reconciliation loop follows a single-threaded, event-driven shape (a
// `send`-style entry point, internal event re-send after reconciliation
// completes). The manager's status map is read as a snapshot through
// Manager.Statuses; it has no subscribe/unsubscribe API of its own, and
// changes reach callers only as STATUS_CHANGED effects on the manager's
// onEffect callback.
package merge

import (
	"time"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
)

// State is a leaf or composite node in the state chart.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"

	StateIdleLoading     State = "idle.loading"
	StateIdleSynced      State = "idle.synced"
	StateIdleLocalAhead  State = "idle.localAhead"
	StateIdleRemoteAhead State = "idle.remoteAhead"
	StateIdleDiskAhead   State = "idle.diskAhead"
	StateIdleDiverged    State = "idle.diverged"
	StateIdleError       State = "idle.error"

	StateActiveLoading                     State = "active.loading"
	StateActiveEnteringAwaitingPersistence State = "active.entering.awaitingPersistence"
	StateActiveEnteringAwaitingRemote      State = "active.entering.awaitingRemote"
	StateActiveEnteringReconciling         State = "active.entering.reconciling"
	StateActiveTracking                    State = "active.tracking"
	StateActiveMergingTwoWay               State = "active.merging.twoWay"
	StateActiveMergingThreeWay             State = "active.merging.threeWay"
	StateActiveConflictBannerShown         State = "active.conflict.bannerShown"
	StateActiveConflictResolving           State = "active.conflict.resolving"

	StateUnloading State = "unloading"
)

func (s State) isIdle() bool {
	switch s {
	case StateIdleLoading, StateIdleSynced, StateIdleLocalAhead, StateIdleRemoteAhead, StateIdleDiskAhead, StateIdleDiverged, StateIdleError:
		return true
	default:
		return false
	}
}

func (s State) isActive() bool {
	switch s {
	case StateActiveLoading, StateActiveEnteringAwaitingPersistence, StateActiveEnteringAwaitingRemote,
		StateActiveEnteringReconciling, StateActiveTracking, StateActiveMergingTwoWay, StateActiveMergingThreeWay,
		StateActiveConflictBannerShown, StateActiveConflictResolving:
		return true
	default:
		return false
	}
}

// MergeMetadata is a content fingerprint.
type MergeMetadata struct {
	Hash  string
	Mtime int64
}

// LCAState is the last common ancestor: the agreed base for three-way
// merges.
type LCAState struct {
	Contents    string
	Meta        MergeMetadata
	StateVector crdt.StateVector
}

// DeferredConflict records a (disk_hash, local_hash) pair the user
// dismissed, so the same pairing isn't re-surfaced until one side changes.
type DeferredConflict struct {
	DiskHash  string
	LocalHash string
}

// ConflictRegion is one hunk of a three-way conflict, translated to
// character offsets against the local text.
type ConflictRegion struct {
	BaseFrom, BaseTo int
	Local, Remote    string
	PositionedFrom   int
	PositionedTo     int
}

// ConflictData is built on MERGE_CONFLICT and cleared on resolution.
type ConflictData struct {
	Base, Local, Remote string
	Regions             []ConflictRegion
	Resolved            map[int]struct{}
}

func newConflictData(base, local, remote string, regions []ConflictRegion) *ConflictData {
	return &ConflictData{Base: base, Local: local, Remote: remote, Regions: regions, Resolved: make(map[int]struct{})}
}

func (c *ConflictData) allResolved() bool {
	return len(c.Resolved) == len(c.Regions)
}

// MergeState is the full HSM snapshot.
type MergeState struct {
	GUID, Path string

	LCA  *LCAState
	Disk *MergeMetadata

	LocalStateVector, RemoteStateVector crdt.StateVector

	StatePath State

	Error            error
	DeferredConflict *DeferredConflict

	IsOnline bool

	PendingEditorContent *string
	LastKnownEditorText  *string

	ClientID uint64

	conflict *ConflictData
}

// PersistedMergeState is MergeState minus in-memory CRDT references,
// written whenever LCA, disk meta, local SV, last state path, or deferred
// conflict change.
type PersistedMergeState struct {
	GUID      string            `json:"guid"`
	Path      string            `json:"path"`
	LCA       *PersistedLCA     `json:"lca,omitempty"`
	Disk      *MergeMetadata    `json:"disk,omitempty"`
	StatePath State             `json:"state_path"`
	Deferred  *DeferredConflict `json:"deferred_conflict,omitempty"`
	ClientID  uint64            `json:"client_id"`
}

// PersistedLCA is LCAState with its state vector held as a plain
// client-id -> clock map, which encodes directly as a JSON object.
type PersistedLCA struct {
	Contents    string            `json:"contents"`
	Meta        MergeMetadata     `json:"meta"`
	StateVector map[uint64]uint64 `json:"state_vector"`
}

// ToPersisted projects a MergeState to its persisted form.
func (s *MergeState) ToPersisted() PersistedMergeState {
	p := PersistedMergeState{
		GUID: s.GUID, Path: s.Path, Disk: s.Disk, StatePath: s.StatePath,
		Deferred: s.DeferredConflict, ClientID: s.ClientID,
	}
	if s.LCA != nil {
		p.LCA = &PersistedLCA{Contents: s.LCA.Contents, Meta: s.LCA.Meta, StateVector: map[uint64]uint64(s.LCA.StateVector)}
	}
	return p
}

// FromPersisted restores everything ToPersisted captured; CRDT state
// vectors for local/remote are reloaded separately from the live Docs.
func FromPersisted(p PersistedMergeState) *MergeState {
	s := &MergeState{GUID: p.GUID, Path: p.Path, Disk: p.Disk, StatePath: p.StatePath, DeferredConflict: p.Deferred, ClientID: p.ClientID}
	if p.LCA != nil {
		s.LCA = &LCAState{Contents: p.LCA.Contents, Meta: p.LCA.Meta, StateVector: crdt.StateVector(p.LCA.StateVector)}
	}
	return s
}

// SyncStatus is derived from MergeState and emitted on every transition
// that changes it.
type SyncStatus struct {
	GUID, Path        string
	Status            StatusKind
	DiskMtime         int64
	LocalStateVector  crdt.StateVector
	RemoteStateVector crdt.StateVector
}

// equals reports whether two SyncStatus values describe the same status,
// including state-vector content. SyncStatus embeds crdt.StateVector
// (a map), so it is not comparable with ==; this does the map-aware
// comparison maybeStatusChanged needs instead.
func (s SyncStatus) equals(o SyncStatus) bool {
	return s.GUID == o.GUID && s.Path == o.Path && s.Status == o.Status &&
		s.DiskMtime == o.DiskMtime &&
		s.LocalStateVector.Equal(o.LocalStateVector) &&
		s.RemoteStateVector.Equal(o.RemoteStateVector)
}

// StatusKind is the derived, user-facing sync status.
type StatusKind string

const (
	StatusSynced   StatusKind = "synced"
	StatusPending  StatusKind = "pending"
	StatusConflict StatusKind = "conflict"
	StatusError    StatusKind = "error"
)

func statusFor(state State) StatusKind {
	switch {
	case state == StateIdleError:
		return StatusError
	case state == StateActiveConflictBannerShown || state == StateActiveConflictResolving:
		return StatusConflict
	case state == StateIdleSynced || state == StateActiveTracking:
		return StatusSynced
	default:
		return StatusPending
	}
}

func deriveStatus(s *MergeState) SyncStatus {
	var mtime int64
	if s.Disk != nil {
		mtime = s.Disk.Mtime
	}
	return SyncStatus{
		GUID: s.GUID, Path: s.Path, Status: statusFor(s.StatePath), DiskMtime: mtime,
		LocalStateVector: s.LocalStateVector, RemoteStateVector: s.RemoteStateVector,
	}
}

func nowMs(t time.Time) int64 { return t.UnixMilli() }
