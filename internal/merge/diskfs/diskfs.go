// Package diskfs is the disk adapter: read/write/mtime plus an on_modify
// subscription, backed by a debounced rjeczalik/notify watch, plus a Lock
// type wrapping a gofrs/flock cross-process lock. ACQUIRE_LOCK and
// RELEASE_LOCK do not take that lock, so it does not keep two processes
// from holding the same document active.
//
// The debounce/ignore-with-timeout/notify-with-polling-fallback shape and
// the flock usage follow the same patterns used elsewhere in this codebase
// for watched, cross-process-shared files.
package diskfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rjeczalik/notify"
)

const (
	defaultDebounce  = 50 * time.Millisecond
	eventBufferSize  = 256
	ignoreOnceWindow = time.Second
)

// ModifyCallback is invoked with the path and observed mtime (epoch ms)
// whenever a watched file changes and is not currently ignored.
type ModifyCallback func(path string, mtimeMs int64)

// Disk implements the disk adapter contract for one root directory shared
// by every document this process has registered.
type Disk struct {
	root string

	mu        sync.Mutex
	callbacks []ModifyCallback
	ignore    map[string]time.Time

	raw  chan notify.EventInfo
	done chan struct{}
	wg   sync.WaitGroup

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	debounce   time.Duration
}

// New creates a Disk adapter rooted at root. Call Start to begin watching.
func New(root string) *Disk {
	return &Disk{
		root:     root,
		ignore:   make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		debounce: defaultDebounce,
	}
}

// Read returns a file's full contents.
func (d *Disk) Read(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// Write creates parent directories as needed and writes contents, then
// arms a one-shot ignore window so the watcher doesn't report this write
// as an external disk change.
func (d *Disk) Write(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure parent for %s: %w", path, err)
	}
	d.IgnoreOnce(path)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Mtime returns the file's modification time in epoch milliseconds.
func (d *Disk) Mtime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime().UnixMilli(), nil
}

// OnModify registers cb to be invoked (debounced) whenever a watched path
// changes. Returns an unsubscribe function.
func (d *Disk) OnModify(cb ModifyCallback) (unsubscribe func()) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, cb)
	idx := len(d.callbacks) - 1
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.callbacks) {
			d.callbacks[idx] = nil
		}
	}
}

// IgnoreOnce suppresses the next debounced notification for path within
// ignoreOnceWindow, used after a self-initiated write.
func (d *Disk) IgnoreOnce(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignore[path] = time.Now().Add(ignoreOnceWindow)
}

func (d *Disk) consumeIgnored(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.ignore[path]
	if !ok {
		return false
	}
	delete(d.ignore, path)
	return time.Now().Before(expiry)
}

// Start begins watching root for changes. Falls back to polling if the
// notify backend is unavailable in this environment (sandboxed CI,
// certain container filesystems).
func (d *Disk) Start(ctx context.Context) error {
	d.raw = make(chan notify.EventInfo, eventBufferSize)
	d.done = make(chan struct{})

	recursive := filepath.Join(d.root, "...")
	usingNotify := true
	if err := notify.Watch(recursive, d.raw, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
		slog.Warn("diskfs: notify watch unavailable, falling back to polling", "root", d.root, "error", err)
		usingNotify = false
		d.wg.Add(1)
		go d.poll(ctx)
	}

	if usingNotify {
		d.wg.Add(1)
		go d.consume(ctx)
	}
	return nil
}

// Stop halts watching and waits for background goroutines to exit.
func (d *Disk) Stop() {
	if d.done == nil {
		return
	}
	close(d.done)
	if d.raw != nil {
		notify.Stop(d.raw)
	}
	d.wg.Wait()
}

func (d *Disk) consume(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-d.raw:
			if !ok {
				return
			}
			d.scheduleDebounced(ev.Path())
		}
	}
}

func (d *Disk) scheduleDebounced(path string) {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.debounce, func() {
		d.debounceMu.Lock()
		delete(d.timers, path)
		d.debounceMu.Unlock()
		d.fire(path)
	})
}

func (d *Disk) fire(path string) {
	if d.consumeIgnored(path) {
		return
	}
	mtime, err := d.Mtime(path)
	if err != nil {
		return // file was removed between event and stat; nothing to report
	}

	d.mu.Lock()
	cbs := append([]ModifyCallback{}, d.callbacks...)
	d.mu.Unlock()

	for _, cb := range cbs {
		if cb != nil {
			cb(path, mtime)
		}
	}
}

// poll is the fallback path when the OS-native watch backend can't start:
// walks the tree every debounce interval comparing mtimes.
func (d *Disk) poll(ctx context.Context) {
	defer d.wg.Done()
	known := make(map[string]int64)
	ticker := time.NewTicker(d.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				mtime := info.ModTime().UnixMilli()
				if prev, ok := known[path]; !ok || prev != mtime {
					known[path] = mtime
					d.fire(path)
				}
				return nil
			})
		}
	}
}

// Lock is a cross-process advisory lock on a lock file. Nothing in this
// module creates one: ACQUIRE_LOCK/RELEASE_LOCK do not take it.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a Lock for the given lock file path (typically derived
// from the document's guid).
func NewLock(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryAcquire attempts a non-blocking lock acquisition.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.fl.Path(), err)
	}
	return nil
}
