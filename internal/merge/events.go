package merge

import (
	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
)

// EventKind tags every event the HSM accepts. Modeled as a single tagged
// struct with exhaustive switches rather than an interface hierarchy: no
// runtime method lookup, one type subscribers pattern-match on.
type EventKind string

const (
	// External events.
	EventLoad         EventKind = "LOAD"
	EventUnload       EventKind = "UNLOAD"
	EventAcquireLock  EventKind = "ACQUIRE_LOCK"
	EventReleaseLock  EventKind = "RELEASE_LOCK"
	EventDiskChanged  EventKind = "DISK_CHANGED"
	EventRemoteUpdate EventKind = "REMOTE_UPDATE"
	EventSaveComplete EventKind = "SAVE_COMPLETE"
	EventCM6Change    EventKind = "CM6_CHANGE"
	EventProviderSync EventKind = "PROVIDER_SYNCED"
	EventConnected    EventKind = "CONNECTED"
	EventDisconnected EventKind = "DISCONNECTED"

	// User events.
	EventResolveAcceptDisk   EventKind = "RESOLVE_ACCEPT_DISK"
	EventResolveAcceptLocal  EventKind = "RESOLVE_ACCEPT_LOCAL"
	EventResolveAcceptMerged EventKind = "RESOLVE_ACCEPT_MERGED"
	EventResolveHunk         EventKind = "RESOLVE_HUNK"
	EventDismissConflict     EventKind = "DISMISS_CONFLICT"
	EventOpenDiffView        EventKind = "OPEN_DIFF_VIEW"
	EventCancel              EventKind = "CANCEL"

	// Internal events.
	EventPersistenceLoaded EventKind = "PERSISTENCE_LOADED"
	EventPersistenceSynced EventKind = "PERSISTENCE_SYNCED"
	EventMergeSuccess      EventKind = "MERGE_SUCCESS"
	EventMergeConflict     EventKind = "MERGE_CONFLICT"
	EventRemoteDocUpdated  EventKind = "REMOTE_DOC_UPDATED"
	EventError             EventKind = "ERROR"
	EventCleanupComplete   EventKind = "CLEANUP_COMPLETE"
)

// HunkResolution is RESOLVE_HUNK's resolution choice.
type HunkResolution string

const (
	ResolveLocal  HunkResolution = "local"
	ResolveRemote HunkResolution = "remote"
	ResolveBoth   HunkResolution = "both"
)

// Event is one occurrence sent to the HSM via Send. Only the fields
// relevant to Kind are populated; handlers must only read fields their
// own event kind defines.
type Event struct {
	Kind EventKind

	// LOAD
	GUID, Path string

	// ACQUIRE_LOCK's editor content / RESOLVE_ACCEPT_MERGED's contents
	// (CM6_CHANGE's doc_text travels in DocText)
	EditorContent string

	// DISK_CHANGED / SAVE_COMPLETE
	Contents string
	Mtime    int64
	Hash     string

	// REMOTE_UPDATE
	Update []byte

	// CM6_CHANGE
	PositionedChanges []crdt.PositionedChange
	DocText           string
	IsFromCRDT        bool

	// RESOLVE_HUNK
	HunkIndex  int
	Resolution HunkResolution

	// internal MERGE_SUCCESS
	NewLCA             *LCAState
	MergeWriteDisk     *string
	MergeSyncUpdate    []byte
	MergePersistUpdate []byte

	// internal MERGE_CONFLICT
	ConflictBase, ConflictLocal, ConflictRemote string
	ConflictRegions                             []ConflictRegion

	// internal PERSISTENCE_LOADED — everything the loading goroutine
	// gathered, handed back to the single synchronous handler so state
	// mutation stays on the Send path.
	LoadedUpdates   [][]byte
	LoadedLCA       *LCAState
	LoadedDisk      *MergeMetadata
	LoadedDeferred  *DeferredConflict
	LoadedClientID  uint64
	LoadedLocalSV   crdt.StateVector
	LoadedLocalText string
	LoadErr         error

	// internal PERSISTENCE_SYNCED — the store and replayed doc the active-
	// entry goroutine built; handed off so the single synchronous handler
	// is the only place that assigns them onto the HSM.
	ActiveStore    *persistence.Store
	ActiveLocalDoc *crdt.Doc
	HasContent     bool

	// internal CLEANUP_COMPLETE
	CleanupLCA *LCAState
	Final      bool

	// internal ERROR
	Err error
}

// EffectKind tags every effect the HSM emits to subscribers.
type EffectKind string

const (
	EffectDispatchCM6             EffectKind = "DISPATCH_CM6"
	EffectWriteDisk               EffectKind = "WRITE_DISK"
	EffectPersistState            EffectKind = "PERSIST_STATE"
	EffectPersistUpdates          EffectKind = "PERSIST_UPDATES"
	EffectSyncToRemote            EffectKind = "SYNC_TO_REMOTE"
	EffectStatusChanged           EffectKind = "STATUS_CHANGED"
	EffectShowConflictDecorations EffectKind = "SHOW_CONFLICT_DECORATIONS"
	EffectHideConflictDecoration  EffectKind = "HIDE_CONFLICT_DECORATION"
)

// Effect is one side effect emitted while handling a Send call. Effects
// for one Send are delivered, in order, before Send returns.
type Effect struct {
	Kind EffectKind

	GUID, Path string

	// DISPATCH_CM6
	Changes []crdt.PositionedChange

	// WRITE_DISK
	Contents string

	// PERSIST_STATE
	State PersistedMergeState

	// PERSIST_UPDATES
	DBName string
	Update []byte

	// STATUS_CHANGED
	Status SyncStatus

	// SHOW_CONFLICT_DECORATIONS
	Regions []ConflictRegion

	// HIDE_CONFLICT_DECORATION
	Index int
}
