package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/relaynotes/mergecore/internal/clock"
	"github.com/relaynotes/mergecore/internal/merge"
	"github.com/relaynotes/mergecore/internal/merge/crdt"
	"github.com/relaynotes/mergecore/internal/merge/diskfs"
	"github.com/relaynotes/mergecore/internal/merge/persistence"
	"github.com/relaynotes/mergecore/internal/merge/provider"
	"github.com/relaynotes/mergecore/internal/utils"
)

// docFleet is every wired piece this command owns for one watch session:
// the manager, the disk adapter, and (if a relay URL is configured) one
// provider connection per discovered document.
type docFleet struct {
	cfg     watchConfig
	disk    *diskfs.Disk
	manager *merge.Manager
	sysTime clock.Provider

	conns map[string]*provider.Connection
}

// discoverDocs walks cfg.DocsDir for plain-text documents and assigns each
// a stable guid derived from its relative path (a debug-fixture stand-in
// for a real vault driver's guid assignment, which this CLI does not
// implement).
func discoverDocs(cfg watchConfig) (map[string]string, error) {
	docs := make(map[string]string) // relPath -> guid
	err := filepath.WalkDir(cfg.DocsDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == filepath.Base(cfg.StateDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(filepath.Base(p), ".") || utils.DetectContentType(p) != "text/plain; charset=utf-8" {
			return nil
		}
		rel, err := filepath.Rel(cfg.DocsDir, p)
		if err != nil {
			return err
		}
		docs[rel] = utils.HashBytes([]byte(rel))[:32]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover documents under %s: %w", cfg.DocsDir, err)
	}
	return docs, nil
}

// buildFleet wires a Manager against cfg: a disk adapter rooted at
// cfg.DocsDir, a persistence opener rooted at cfg.StateDir, and the system
// clock. Effects are routed to applyEffect.
func buildFleet(ctx context.Context, cfg watchConfig) (*docFleet, error) {
	instanceID, err := utils.RandBase34(8)
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	slog.Info("mergecored: starting", "instance", instanceID, "relay", utils.MaskSecret(cfg.RelayURL))

	disk := diskfs.New(cfg.DocsDir)
	if err := disk.Start(ctx); err != nil {
		return nil, fmt.Errorf("start disk watcher: %w", err)
	}

	sysTime := clock.NewSystem()
	deps := merge.Deps{
		Clock: sysTime,
		Disk:  disk,
		OpenStore: func(ctx context.Context, guid string) (*persistence.Store, error) {
			return persistence.Open(ctx, cfg.StateDir, cfg.AppID, guid)
		},
		HashFn:       func(contents string) string { return utils.HashBytes([]byte(contents)) },
		ClientIDSeed: clientIDSeedFunc(),
	}

	fleet := &docFleet{cfg: cfg, disk: disk, sysTime: sysTime, conns: make(map[string]*provider.Connection)}
	fleet.manager = merge.NewManager(deps, fleet.applyEffect)

	docs, err := discoverDocs(cfg)
	if err != nil {
		disk.Stop()
		return nil, err
	}

	for relPath, guid := range docs {
		remote := crdt.NewDoc(0)
		if cfg.RelayURL != "" {
			fleet.connectRelay(ctx, guid, remote)
		}
		hsm := fleet.manager.Register(guid, relPath, remote)
		hsm.OnTransition(func(from, to merge.State, ev merge.EventKind) {
			slog.Debug("mergecored: transition", "guid", guid, "from", from, "to", to, "event", ev)
		})
	}

	disk.OnModify(func(path string, mtimeMs int64) {
		fleet.manager.PollAll()
	})

	if cfg.PollEvery > 0 {
		go fleet.pollLoop(ctx, time.Duration(cfg.PollEvery)*time.Millisecond)
	}

	return fleet, nil
}

// clientIDSeedFunc derives a deterministic per-document CRDT client id
// from this machine's hardware id the first time a document is created
// locally, so restarting the process before anything has been persisted
// still seeds the same identity instead of a random one. Falls back to a
// seed derived from the process start time if the platform can't produce a
// machine id.
func clientIDSeedFunc() func(guid string) uint64 {
	hwid, err := machineid.ProtectedID("mergecored")
	if err != nil {
		slog.Warn("mergecored: machine id unavailable, falling back to a random seed", "error", err)
		hwid = fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return func(guid string) uint64 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(hwid))
		_, _ = h.Write([]byte{'|'})
		_, _ = h.Write([]byte(guid))
		v := h.Sum64()
		if v == 0 {
			v = 1
		}
		return v
	}
}

func (f *docFleet) pollLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.manager.PollAll()
		}
	}
}

// connectRelay wires a provider.Connection for guid. If MERGECORED_RELAY_TOKEN
// is set, tokens are fetched from the relay's HTTP connect endpoint
// (provider.NewHTTPTokenSource); otherwise, since the debug CLI has no
// login flow of its own, it hands the relay URL straight through.
func (f *docFleet) connectRelay(ctx context.Context, guid string, remote *crdt.Doc) {
	var tokens provider.TokenSource
	if bearer := os.Getenv("MERGECORED_RELAY_TOKEN"); bearer != "" {
		tokens = provider.NewHTTPTokenSource(f.cfg.RelayURL, bearer)
	} else {
		tokens = func(ctx context.Context) (provider.ClientToken, error) {
			return provider.ClientToken{URL: f.cfg.RelayURL, DocID: guid}, nil
		}
	}
	conn := provider.NewConnection(tokens)
	conn.OnEvent(func(ev provider.Event) {
		switch ev.Kind {
		case provider.EventRemoteUpdate:
			if _, err := remote.ApplyUpdate(ev.Update, crdt.OriginRemote); err != nil {
				slog.Error("mergecored: apply remote update", "guid", guid, "error", err)
				return
			}
			f.manager.HandleRemoteUpdate(guid, ev.Update)
		case provider.EventProviderSynced:
			if hsm, ok := f.manager.Get(guid); ok {
				hsm.Send(merge.Event{Kind: merge.EventProviderSync})
			}
		case provider.EventConnected:
			if hsm, ok := f.manager.Get(guid); ok {
				hsm.Send(merge.Event{Kind: merge.EventConnected})
			}
		case provider.EventDisconnected:
			if hsm, ok := f.manager.Get(guid); ok {
				hsm.Send(merge.Event{Kind: merge.EventDisconnected})
			}
		}
	})
	conn.Start(ctx)
	f.conns[guid] = conn
}

// applyEffect is the integration shim that actually executes HSM effects:
// writing disk, appending to the update log, persisting state, and
// forwarding local edits to the relay connection.
func (f *docFleet) applyEffect(guid string, eff merge.Effect) {
	ctx := context.Background()
	switch eff.Kind {
	case merge.EffectWriteDisk:
		if err := f.disk.Write(eff.Path, eff.Contents); err != nil {
			slog.Error("mergecored: write disk", "guid", guid, "error", err)
		}
	case merge.EffectPersistUpdates:
		store, err := persistence.Open(ctx, f.cfg.StateDir, f.cfg.AppID, guid)
		if err != nil {
			slog.Error("mergecored: open store for update persist", "guid", guid, "error", err)
			return
		}
		defer store.Close()
		if err := store.AppendUpdate(ctx, eff.Update, time.Now()); err != nil {
			slog.Error("mergecored: append update", "guid", guid, "error", err)
		}
	case merge.EffectPersistState:
		store, err := persistence.Open(ctx, f.cfg.StateDir, f.cfg.AppID, guid)
		if err != nil {
			slog.Error("mergecored: open store for state persist", "guid", guid, "error", err)
			return
		}
		defer store.Close()
		data, err := persistence.MarshalMergeState(eff.State)
		if err != nil {
			slog.Error("mergecored: marshal merge state", "guid", guid, "error", err)
			return
		}
		if err := store.SaveMergeState(ctx, data); err != nil {
			slog.Error("mergecored: save merge state", "guid", guid, "error", err)
		}
	case merge.EffectSyncToRemote:
		if conn, ok := f.conns[guid]; ok {
			if err := conn.SendUpdate(eff.Update); err != nil {
				slog.Debug("mergecored: send update to relay", "guid", guid, "error", err)
			}
		}
	case merge.EffectDispatchCM6, merge.EffectShowConflictDecorations, merge.EffectHideConflictDecoration:
		// No editor view is attached in this debug CLI; these effects are
		// only meaningful to the (out-of-scope) editor integration shim.
	case merge.EffectStatusChanged:
		// Manager already folded this into Statuses(); the TUI reads that.
	}
}

func (f *docFleet) shutdown(ctx context.Context) {
	for _, conn := range f.conns {
		conn.Stop()
	}
	f.disk.Stop()
	for _, guid := range f.manager.ActiveDocs() {
		_ = f.manager.Unload(ctx, guid)
	}
}
