// Package persistence is the per-document local store: a SQLite-backed
// key-value store holding the raw CRDT update log and the serialized
// PersistedMergeState, keyed `${app_id}-relay-doc-${guid}`. Nothing here
// keeps two handles or two processes from opening the same document's store.
//
// A dedicated sqlx connection per store, a small hand-rolled schema, and
// an additive migration helper follow the same shape used elsewhere in
// this codebase for per-entity local databases, rather than a full
// migration framework.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/relaynotes/mergecore/internal/db"
)

// Store is the persistence adapter for one document: an append-only CRDT
// update log plus a single-row PersistedMergeState slot.
type Store struct {
	db     *sqlx.DB
	dbName string

	synced     bool
	syncCh     chan struct{}
	syncedOnce sync.Once
}

// DBName returns the key this store is registered under, following the
// `${app_id}-relay-doc-${guid}` naming convention.
func DBName(appID, guid string) string {
	return fmt.Sprintf("%s-relay-doc-%s", appID, guid)
}

// Open creates or attaches to the on-disk store for one document. baseDir
// is the directory holding one SQLite file per document, named after
// DBName(appID, guid).
func Open(ctx context.Context, baseDir, appID, guid string) (*Store, error) {
	name := DBName(appID, guid)
	path := filepath.Join(baseDir, name+".sqlite")

	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open persistence store %s: %w", name, err)
	}

	s := &Store{db: conn, dbName: name, syncCh: make(chan struct{})}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate persistence store %s: %w", name, err)
	}

	s.markSynced()
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS updates (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	data  BLOB NOT NULL,
	added_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS merge_state (
	id    INTEGER PRIMARY KEY CHECK (id = 0),
	data  BLOB NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) markSynced() {
	s.syncedOnce.Do(func() {
		s.synced = true
		close(s.syncCh)
	})
}

// Synced reports whether this store has finished its initial load (always
// true immediately after Open returns: there is no separate async warm-up
// phase once the sqlite handle opens).
func (s *Store) Synced() bool { return s.synced }

// WhenSynced blocks until Synced() would return true or ctx is done.
func (s *Store) WhenSynced(ctx context.Context) error {
	select {
	case <-s.syncCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasUserData reports whether any update has ever been appended, i.e.
// whether replaying this store's log reconstructs non-empty history.
func (s *Store) HasUserData(ctx context.Context) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM updates`)
	if err != nil {
		return false, fmt.Errorf("count updates: %w", err)
	}
	return count > 0, nil
}

// AppendUpdate records one opaque CRDT update in the log. Updates are
// never rewritten or compacted by this store; compaction, if ever needed,
// is the caller's concern (replay is cheap at this scale).
func (s *Store) AppendUpdate(ctx context.Context, update []byte, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (data, added_at) VALUES (?, ?)`,
		update, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// LoadUpdates replays every update ever appended, in insertion order.
func (s *Store) LoadUpdates(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM updates ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// SaveMergeState stores data, the serialized PersistedMergeState, in the
// single merge_state row; the merge package owns the live Go type and only
// hands this store raw bytes, keeping persistence ignorant of HSM internals.
func (s *Store) SaveMergeState(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_state (id, data) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return fmt.Errorf("save merge state: %w", err)
	}
	return nil
}

// LoadMergeState returns the last-saved PersistedMergeState bytes, or nil
// if none has ever been saved (a brand-new document).
func (s *Store) LoadMergeState(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM merge_state WHERE id = 0`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load merge state: %w", err)
	}
	return data, nil
}

// MarshalMergeState is a convenience wrapper so callers don't each import
// goccy/go-json for this one call site.
func MarshalMergeState(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal merge state: %w", err)
	}
	return b, nil
}

// UnmarshalMergeState is the inverse of MarshalMergeState.
func UnmarshalMergeState(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal merge state: %w", err)
	}
	return nil
}

// Destroy drops this store's backing file handle and removes the
// underlying rows, operating on a single-document database rather than a
// shared journal table.
func (s *Store) Destroy(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM updates; DELETE FROM merge_state;`); err != nil {
		return fmt.Errorf("clear persistence store %s: %w", s.dbName, err)
	}
	return s.Close()
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	return s.db.Close()
}
