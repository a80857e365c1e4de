package merge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relaynotes/mergecore/internal/merge/crdt"
)

// Manager owns one HSM per registered document, fanning every HSM's
// effects out to a single injected sink and keeping a guid -> SyncStatus
// map that Statuses() returns as a snapshot. The map has no subscription
// API; its changes are visible only as STATUS_CHANGED effects on the sink.
type Manager struct {
	mu       sync.Mutex
	docs     map[string]*docEntry
	statuses map[string]SyncStatus
	deps     Deps
	onEffect func(guid string, eff Effect)

	persistIndex func(map[string]SyncStatus) error
}

type docEntry struct {
	hsm      *HSM
	unsubEff func()
}

// NewManager constructs an empty Manager. onEffect is invoked for every
// effect any registered document's HSM emits; it may be nil if the caller
// only cares about SyncStatus via Statuses().
func NewManager(deps Deps, onEffect func(guid string, eff Effect)) *Manager {
	return &Manager{
		docs:     make(map[string]*docEntry),
		statuses: make(map[string]SyncStatus),
		deps:     deps,
		onEffect: onEffect,
	}
}

// Register creates (or returns the existing) HSM for guid and sends it its
// initial LOAD event. remoteDoc is the CRDT this document's provider
// integration maintains; the HSM never owns or destroys it.
func (m *Manager) Register(guid, path string, remoteDoc *crdt.Doc) *HSM {
	m.mu.Lock()
	if e, ok := m.docs[guid]; ok {
		m.mu.Unlock()
		return e.hsm
	}

	hsm := NewHSM(guid, path, remoteDoc, m.deps)
	entry := &docEntry{hsm: hsm}
	entry.unsubEff = hsm.Subscribe(func(eff Effect) {
		if eff.Kind == EffectStatusChanged {
			m.mu.Lock()
			m.statuses[guid] = eff.Status
			m.mu.Unlock()
		}
		if m.onEffect != nil {
			m.onEffect(guid, eff)
		}
	})
	m.docs[guid] = entry
	m.mu.Unlock()

	hsm.Send(Event{Kind: EventLoad, GUID: guid, Path: path})
	return hsm
}

// Get returns the HSM registered for guid, if any.
func (m *Manager) Get(guid string) (*HSM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[guid]
	if !ok {
		return nil, false
	}
	return e.hsm, true
}

// Unregister sends UNLOAD and waits for cleanup to finish before removing
// guid from the registry.
func (m *Manager) Unregister(ctx context.Context, guid string) error {
	m.mu.Lock()
	e, ok := m.docs[guid]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.hsm.Send(Event{Kind: EventUnload})
	if err := e.hsm.AwaitCleanup(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	e.unsubEff()
	delete(m.docs, guid)
	delete(m.statuses, guid)
	m.mu.Unlock()
	return nil
}

// DestroyDocument unregisters guid and wipes its persisted store, for when
// a document is deleted outright rather than merely closed.
func (m *Manager) DestroyDocument(ctx context.Context, guid string) error {
	if _, ok := m.Get(guid); !ok {
		return nil
	}
	if err := m.Unregister(ctx, guid); err != nil {
		return err
	}
	store, err := m.deps.OpenStore(ctx, guid)
	if err != nil {
		return err
	}
	return store.Destroy(ctx)
}

// ActiveDocs returns the guids currently in an active.* substate.
func (m *Manager) ActiveDocs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for guid, e := range m.docs {
		if e.hsm.Snapshot().StatePath.isActive() {
			out = append(out, guid)
		}
	}
	return out
}

// Statuses returns a snapshot of every registered document's last known
// SyncStatus.
func (m *Manager) Statuses() map[string]SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SyncStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// HandleRemoteUpdate forwards an incoming provider update to the named
// document's HSM, if it is currently registered.
func (m *Manager) HandleRemoteUpdate(guid string, update []byte) {
	if hsm, ok := m.Get(guid); ok {
		hsm.Send(Event{Kind: EventRemoteUpdate, Update: update})
	}
}

// HandleIdleRemoteUpdate is an alias of HandleRemoteUpdate named for the
// idle-document case: a remote update that arrives while a document has
// no editor lock still needs to reach its HSM so idle substate
// re-evaluation sees it.
func (m *Manager) HandleIdleRemoteUpdate(guid string, update []byte) {
	m.HandleRemoteUpdate(guid, update)
}

// SetPersistIndexFunc installs the callback PersistIndex calls with a
// snapshot of the guid -> SyncStatus map. The manager never owns where
// the index is written, only when.
func (m *Manager) SetPersistIndexFunc(fn func(map[string]SyncStatus) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistIndex = fn
}

// GetHSM registers guid if needed, then acquires the editor lock with
// editorContent and waits for the document to land in active.tracking (or
// active.conflict.bannerShown, which still requires the caller's
// attention but is as far as GetHSM can drive things non-interactively).
func (m *Manager) GetHSM(ctx context.Context, guid, path string, remoteDoc *crdt.Doc, editorContent string) (*HSM, error) {
	hsm := m.Register(guid, path, remoteDoc)
	if err := hsm.AwaitLoad(ctx); err != nil {
		return nil, err
	}
	hsm.Send(Event{Kind: EventAcquireLock, EditorContent: editorContent})
	if err := hsm.AwaitState(ctx, func(s State) bool {
		return s == StateActiveTracking || s == StateActiveConflictBannerShown || s == StateIdleError
	}); err != nil {
		return nil, err
	}
	return hsm, nil
}

// Unload sends RELEASE_LOCK to guid's HSM and waits for cleanup to finish,
// leaving the HSM registered in idle.* rather than removing it — the
// document stays known to the manager, only its editor lock is given up.
func (m *Manager) Unload(ctx context.Context, guid string) error {
	hsm, ok := m.Get(guid)
	if !ok {
		return nil
	}
	hsm.Send(Event{Kind: EventReleaseLock})
	return hsm.AwaitCleanup(ctx)
}

// PollAll reads disk for every guid in guids (or every registered document
// if guids is empty) and sends DISK_CHANGED only where the observed mtime
// or hash differs from what the HSM last recorded, exactly as a file-watch
// callback would, so a caller can drive reconciliation from a periodic
// sweep instead of (or in addition to) live fs events. Disk reads for
// distinct documents touch distinct paths and distinct HSMs, so they fan
// out through an errgroup instead of reading one document at a time; §5
// makes no cross-document ordering guarantee, so the resulting DISK_CHANGED
// sends may land in any order relative to each other.
func (m *Manager) PollAll(guids ...string) {
	targets := guids
	if len(targets) == 0 {
		m.mu.Lock()
		targets = make([]string, 0, len(m.docs))
		for guid := range m.docs {
			targets = append(targets, guid)
		}
		m.mu.Unlock()
	}

	var g errgroup.Group
	for _, guid := range targets {
		guid := guid
		g.Go(func() error {
			hsm, ok := m.Get(guid)
			if !ok {
				return nil
			}
			snap := hsm.Snapshot()
			contents, mtime, hash, ok, _ := m.deps.diskState(snap.Path)
			if !ok {
				return nil
			}
			if snap.Disk != nil && snap.Disk.Mtime == mtime && snap.Disk.Hash == hash {
				return nil
			}
			hsm.Send(Event{Kind: EventDiskChanged, Contents: contents, Mtime: mtime, Hash: hash})
			return nil
		})
	}
	_ = g.Wait()
}

// PersistIndex snapshots the guid -> SyncStatus map through the callback
// installed by SetPersistIndexFunc. A nil callback makes this a no-op.
func (m *Manager) PersistIndex() error {
	m.mu.Lock()
	fn := m.persistIndex
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(m.Statuses())
}

// Destroy unregisters every document the manager knows about. It is
// terminal: the manager must not be used again afterward.
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	guids := make([]string, 0, len(m.docs))
	for guid := range m.docs {
		guids = append(guids, guid)
	}
	m.mu.Unlock()

	for _, guid := range guids {
		_ = m.Unregister(ctx, guid)
	}
}
