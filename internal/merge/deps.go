package merge

import (
	"context"
	"time"

	"github.com/relaynotes/mergecore/internal/clock"
	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
	"github.com/relaynotes/mergecore/internal/utils"
)

// DiskReader is the slice of the disk adapter the HSM itself needs:
// enough to read a file's content and mtime while reconciling. Writes are
// emitted as WRITE_DISK effects instead of called directly, so the HSM
// never blocks send() on disk I/O.
//
// internal/merge/diskfs.Disk satisfies this by having Read/Mtime methods
// with these exact signatures; no adapter struct is needed.
type DiskReader interface {
	Read(path string) (string, error)
	Mtime(path string) (int64, error)
}

// PersistenceOpener opens (or attaches to) the per-document store. Matches
// persistence.Open's signature with baseDir/appID already curried by the
// caller (MergeManager), so the HSM only ever deals in guid.
type PersistenceOpener func(ctx context.Context, guid string) (*persistence.Store, error)

// Deps are the constructor parameters every piece of global or ambient
// state the HSM would otherwise reach for module-level: TimeProvider,
// persistence factory, hash function, disk reader. No module-level
// mutables.
type Deps struct {
	Clock       clock.Provider
	Disk        DiskReader
	OpenStore   PersistenceOpener
	HashFn      func(contents string) string
	ClientIDSeed func(guid string) uint64

	// AsyncTimeout is not read by spawnAsync: a spawned async op
	// (persistence load, cleanup, idle merge) runs until it returns or is
	// canceled, whatever this is set to.
	AsyncTimeout time.Duration
}

func (d Deps) hash(contents string) string {
	if d.HashFn != nil {
		return d.HashFn(contents)
	}
	return utils.HashBytes([]byte(contents))
}

func (d Deps) now() int64 {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return nowMs(time.Now())
}

// diskState reads a path's current contents/mtime/hash in one call; a
// missing file is not an error at this layer — callers decide what a
// missing disk file means for their state.
func (d Deps) diskState(path string) (contents string, mtime int64, hash string, ok bool, err error) {
	if d.Disk == nil {
		return "", 0, "", false, nil
	}
	contents, err = d.Disk.Read(path)
	if err != nil {
		return "", 0, "", false, nil
	}
	mtime, err = d.Disk.Mtime(path)
	if err != nil {
		return "", 0, "", false, nil
	}
	return contents, mtime, d.hash(contents), true, nil
}

// freshDoc creates an empty CRDT document for guid, reusing a previously
// recorded client id when one exists so re-entering active mode after
// local persistence was cleared doesn't duplicate content under a new
// identity.
func (d Deps) freshDoc(guid string, existingClientID uint64) *crdt.Doc {
	clientID := existingClientID
	if clientID == 0 {
		if d.ClientIDSeed != nil {
			clientID = d.ClientIDSeed(guid)
		} else {
			clientID = 1
		}
	}
	return crdt.NewDoc(clientID)
}
