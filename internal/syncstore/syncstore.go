// Package syncstore implements SyncStore: a path→Meta mapping for every
// syncable entry in a shared folder, supporting both a new client protocol
// (explicit path/Meta operations) and a legacy protocol (a flat path→guid
// map that only knows about documents), with a folder-rename reconciliation
// algorithm that keeps both views consistent.
//
// The overlay/commit shape (pending writes visible to reads before a
// flush) and the deckarep/golang-set/v2-backed remote_ids invariant-under-
// rename check follow the same journal pattern used elsewhere in this
// codebase for staged, flush-on-commit state.
package syncstore

import (
	"fmt"
	"path"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// MetaKind tags the entity types a Meta can describe.
type MetaKind int

const (
	KindFolder MetaKind = iota
	KindDocument
	KindImage
	KindPDF
	KindAudio
	KindVideo
	KindFile
)

// Meta is one syncable entity. Folders and documents need no hash; binary
// kinds require Hash/MimeType/SyncTime.
type Meta struct {
	ID       string
	Version  int
	Type     MetaKind
	Hash     string
	SyncTime int64
	MimeType string
}

func isBinaryKind(k MetaKind) bool {
	switch k {
	case KindImage, KindPDF, KindAudio, KindVideo, KindFile:
		return true
	default:
		return false
	}
}

// Store is the path→Meta overlay.
type Store struct {
	meta      map[string]Meta
	overlay   map[string]Meta
	deleteSet map[string]struct{}
	legacyIDs map[string]string
	pendingUp map[string]string
}

// New creates an empty SyncStore.
func New() *Store {
	return &Store{
		meta:      make(map[string]Meta),
		overlay:   make(map[string]Meta),
		deleteSet: make(map[string]struct{}),
		legacyIDs: make(map[string]string),
		pendingUp: make(map[string]string),
	}
}

// NewEntry allocates a guid for a brand-new path and marks it pending
// upload, matching the `new(path) -> guid` operation.
func (s *Store) NewEntry(p string) string {
	guid := uuid.NewString()
	s.pendingUp[p] = guid
	s.ensureParents(p)
	return guid
}

// Set records meta for path in the overlay, visible to reads immediately.
// Binary kinds (image/pdf/audio/video/file) require Hash, MimeType and
// SyncTime; Set rejects an incomplete binary Meta rather than silently
// committing it.
func (s *Store) Set(p string, m Meta) error {
	if isBinaryKind(m.Type) && (m.Hash == "" || m.MimeType == "" || m.SyncTime == 0) {
		return fmt.Errorf("syncstore: binary meta for %s missing hash/mimetype/synctime", p)
	}
	s.ensureParents(p)
	delete(s.deleteSet, p)
	s.overlay[p] = m
	return nil
}

// Get returns the guid at path, if any.
func (s *Store) Get(p string) (string, bool) {
	m, ok := s.GetMeta(p)
	if !ok {
		return "", false
	}
	return m.ID, true
}

// GetMeta implements the read path: overlay first, then delete_set
// (hides), then committed meta.
func (s *Store) GetMeta(p string) (Meta, bool) {
	if m, ok := s.overlay[p]; ok {
		return m, true
	}
	if _, deleted := s.deleteSet[p]; deleted {
		return Meta{}, false
	}
	m, ok := s.meta[p]
	return m, ok
}

// Has reports whether path currently resolves to an entry.
func (s *Store) Has(p string) bool {
	_, ok := s.GetMeta(p)
	return ok
}

// Delete marks path for removal; it disappears from reads immediately but
// the committed map is untouched until Commit.
func (s *Store) Delete(p string) {
	delete(s.overlay, p)
	s.deleteSet[p] = struct{}{}
}

// Move renames old to new within the overlay, preserving the entry's Meta.
// When old names a folder, every descendant path (of any kind, including
// ones a legacy client wouldn't know about) moves with it — S1's
// new-client folder move expects `move("wub","sub")` to relocate
// `wub/a.md` and `wub/x.png` too, not just the folder entry itself.
func (s *Store) Move(oldPath, newPath string) {
	if _, ok := s.GetMeta(oldPath); !ok {
		return
	}
	s.moveSubtree(oldPath, newPath)
}

// ResolveMove clears any pending-upload marker for old once the server has
// confirmed the corresponding create, so a later poll doesn't re-upload it.
func (s *Store) ResolveMove(oldPath string) {
	delete(s.pendingUp, oldPath)
}

// ResolveAll clears every pending-upload marker (e.g. after a full index
// refresh confirms the server's view matches local state).
func (s *Store) ResolveAll() {
	s.pendingUp = make(map[string]string)
}

// MarkUploaded records meta for path as confirmed, clearing any pending
// marker.
func (s *Store) MarkUploaded(p string, m Meta) error {
	if err := s.Set(p, m); err != nil {
		return err
	}
	delete(s.pendingUp, p)
	return nil
}

// MigrateFile registers a legacy client's (path, guid) pair.
func (s *Store) MigrateFile(guid, p string) {
	s.legacyIDs[p] = guid
}

// RemoteIDs returns the set of every guid currently reachable via meta or
// overlay, the invariant folder-rename reconciliation must preserve.
func (s *Store) RemoteIDs() mapset.Set[string] {
	ids := mapset.NewSet[string]()
	for _, m := range s.meta {
		ids.Add(m.ID)
	}
	for _, m := range s.overlay {
		ids.Add(m.ID)
	}
	return ids
}

// ForEach iterates every live (path, Meta) pair after applying overlay/
// delete_set, in unspecified order.
func (s *Store) ForEach(fn func(path string, m Meta)) {
	seen := make(map[string]struct{})
	for p, m := range s.overlay {
		seen[p] = struct{}{}
		fn(p, m)
	}
	for p, m := range s.meta {
		if _, skip := seen[p]; skip {
			continue
		}
		if _, deleted := s.deleteSet[p]; deleted {
			continue
		}
		fn(p, m)
	}
}

// Commit folds the overlay and delete_set into meta, clearing both.
func (s *Store) Commit() {
	for p := range s.deleteSet {
		delete(s.meta, p)
	}
	for p, m := range s.overlay {
		s.meta[p] = m
	}
	s.overlay = make(map[string]Meta)
	s.deleteSet = make(map[string]struct{})
}

// ensureParents auto-creates folder Metas for any missing ancestor of p,
// matching the "missing parent folders ... are auto-created" read-path
// rule.
func (s *Store) ensureParents(p string) {
	dir := path.Dir(p)
	for dir != "." && dir != "/" && dir != "" {
		if !s.Has(dir) {
			s.overlay[dir] = Meta{ID: uuid.NewString(), Type: KindFolder}
		}
		dir = path.Dir(dir)
	}
}

// MigrateUp runs the folder-rename reconciliation algorithm, intended to
// run after a batch of MigrateFile/Set/Commit/ResolveAll calls from a
// legacy client sync pass.
//
// For every guid that legacy_ids now places under a new path while meta
// still has it under an old path, derive (old_folder, new_folder) from the
// longest common path-prefix pair and, if a folder with that guid exists
// at old_folder, move it and every descendant (including kinds the legacy
// client doesn't know about) to new_folder. remote_ids is verified
// invariant before and after.
func (s *Store) MigrateUp() error {
	before := s.RemoteIDs()

	for legacyPath, guid := range s.legacyIDs {
		oldPath, ok := s.pathForGUID(guid)
		if !ok || oldPath == legacyPath {
			continue
		}

		oldFolder, newFolder := longestCommonAncestorRename(oldPath, legacyPath)
		if oldFolder == "" || newFolder == "" || oldFolder == newFolder {
			continue
		}

		folderGUID, ok := s.Get(oldFolder)
		if !ok {
			continue
		}
		if m, ok := s.GetMeta(oldFolder); !ok || m.Type != KindFolder {
			_ = folderGUID
			continue
		}

		s.moveSubtree(oldFolder, newFolder)
	}

	s.Commit()
	s.ResolveAll()

	after := s.RemoteIDs()
	if !before.Equal(after) {
		return fmt.Errorf("syncstore: remote_ids changed during migrate_up (%d -> %d)", before.Cardinality(), after.Cardinality())
	}
	return nil
}

// pathForGUID returns the committed path currently holding guid, if any.
func (s *Store) pathForGUID(guid string) (string, bool) {
	var found string
	var ok bool
	s.ForEach(func(p string, m Meta) {
		if m.ID == guid {
			found, ok = p, true
		}
	})
	return found, ok
}

// moveSubtree relocates oldRoot and every descendant path (in meta and
// overlay, any kind) to live under newRoot instead. If oldRoot names a
// leaf (no descendants), this degenerates to a plain single-entry rename.
func (s *Store) moveSubtree(oldFolder, newFolder string) {
	prefix := oldFolder + "/"

	rename := func(p string) string {
		if p == oldFolder {
			return newFolder
		}
		if strings.HasPrefix(p, prefix) {
			return newFolder + "/" + strings.TrimPrefix(p, prefix)
		}
		return ""
	}

	type move struct {
		from, to string
		m        Meta
	}
	var moves []move
	s.ForEach(func(p string, m Meta) {
		if to := rename(p); to != "" {
			moves = append(moves, move{from: p, to: to, m: m})
		}
	})

	for _, mv := range moves {
		s.Delete(mv.from)
		s.ensureParents(mv.to)
		s.overlay[mv.to] = mv.m
	}
}

// longestCommonAncestorRename derives (old_folder, new_folder) from two
// paths known to name the same leaf guid under different locations, by
// walking both from the root until they diverge.
func longestCommonAncestorRename(oldPath, newPath string) (string, string) {
	oldParts := strings.Split(strings.Trim(oldPath, "/"), "/")
	newParts := strings.Split(strings.Trim(newPath, "/"), "/")

	i := 0
	for i < len(oldParts)-1 && i < len(newParts)-1 && oldParts[i] == newParts[i] {
		i++
	}
	if i >= len(oldParts)-1 || i >= len(newParts)-1 {
		return "", ""
	}
	return "/" + strings.Join(oldParts[:i+1], "/"), "/" + strings.Join(newParts[:i+1], "/")
}
