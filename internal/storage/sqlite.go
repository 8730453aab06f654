package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// SQLiteStore is the durable ListStorage implementation. It mirrors the
// teacher's notes/operations schema, generalized to per-list snapshots and
// op logs plus a registry, a sync cursor and an outbox.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS list_snapshots (
		list_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS list_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		list_id TEXT NOT NULL,
		clock INTEGER NOT NULL,
		op_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_list_ops_list_id ON list_ops(list_id);

	CREATE TABLE IF NOT EXISTS registry_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS registry_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		clock INTEGER NOT NULL,
		op_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cursor_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op_json TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("storage: failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: kv get failed: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_store (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("storage: kv set failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tables := []string{"kv_store", "list_snapshots", "list_ops", "registry_snapshot", "registry_ops", "sync_state", "outbox"}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: clear failed to begin tx: %w", err)
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: clear failed on %s: %w", t, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadRegistry(ctx context.Context) (RegistryRecord, error) {
	var rec RegistryRecord
	var stateJSON string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT state_json, updated_at FROM registry_snapshot WHERE id = 1`).Scan(&stateJSON, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		// No snapshot yet: still report any standalone ops (none expected,
		// but hydration tolerates an empty snapshot).
	case err != nil:
		return rec, fmt.Errorf("storage: load registry snapshot failed: %w", err)
	default:
		if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
			return rec, fmt.Errorf("storage: decode registry snapshot failed: %w", err)
		}
		rec.UpdatedAt = updatedAt
	}

	rows, err := s.db.QueryContext(ctx, `SELECT op_json FROM registry_ops ORDER BY id ASC`)
	if err != nil {
		return rec, fmt.Errorf("storage: load registry ops failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var opJSON string
		if err := rows.Scan(&opJSON); err != nil {
			return rec, fmt.Errorf("storage: scan registry op failed: %w", err)
		}
		var op registry.Op
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return rec, fmt.Errorf("storage: decode registry op failed: %w", err)
		}
		rec.Operations = append(rec.Operations, op)
	}
	return rec, rows.Err()
}

func (s *SQLiteStore) LoadAllLists(ctx context.Context) ([]ListRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT list_id FROM list_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("storage: list listIds failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan listId failed: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ListRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.LoadList(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *SQLiteStore) LoadList(ctx context.Context, listID string) (ListRecord, bool, error) {
	var rec ListRecord
	rec.ListID = listID

	var stateJSON string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT state_json, updated_at FROM list_snapshots WHERE list_id = ?`, listID).Scan(&stateJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return ListRecord{}, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("storage: load list snapshot failed: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return rec, false, fmt.Errorf("storage: decode list snapshot failed: %w", err)
	}
	rec.UpdatedAt = updatedAt

	rows, err := s.db.QueryContext(ctx, `SELECT op_json FROM list_ops WHERE list_id = ? ORDER BY id ASC`, listID)
	if err != nil {
		return rec, false, fmt.Errorf("storage: load list ops failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var opJSON string
		if err := rows.Scan(&opJSON); err != nil {
			return rec, false, fmt.Errorf("storage: scan list op failed: %w", err)
		}
		var op tasklist.Op
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return rec, false, fmt.Errorf("storage: decode list op failed: %w", err)
		}
		rec.Operations = append(rec.Operations, op)
	}
	return rec, true, rows.Err()
}

func (s *SQLiteStore) PersistOperations(ctx context.Context, listID string, ops []tasklist.Op, snap tasklist.State) error {
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode list snapshot failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: persist operations failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("storage: encode list op failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO list_ops (list_id, clock, op_json) VALUES (?, ?, ?)`, listID, op.Clock, opJSON); err != nil {
			return fmt.Errorf("storage: insert list op failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO list_snapshots (list_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(list_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
	`, listID, stateJSON, time.Now()); err != nil {
		return fmt.Errorf("storage: upsert list snapshot failed: %w", err)
	}

	threshold := int64(0)
	if snap.Clock > CompactionMargin {
		threshold = int64(snap.Clock - CompactionMargin)
	}
	if threshold > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM list_ops WHERE list_id = ? AND clock < ?`, listID, threshold); err != nil {
			return fmt.Errorf("storage: compact list ops failed: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) PersistRegistry(ctx context.Context, ops []registry.Op, snap registry.State) error {
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode registry snapshot failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: persist registry failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("storage: encode registry op failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO registry_ops (clock, op_json) VALUES (?, ?)`, op.Clock, opJSON); err != nil {
			return fmt.Errorf("storage: insert registry op failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO registry_snapshot (id, state_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
	`, stateJSON, time.Now()); err != nil {
		return fmt.Errorf("storage: upsert registry snapshot failed: %w", err)
	}

	threshold := int64(0)
	if snap.Clock > CompactionMargin {
		threshold = int64(snap.Clock - CompactionMargin)
	}
	if threshold > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM registry_ops WHERE clock < ?`, threshold); err != nil {
			return fmt.Errorf("storage: compact registry ops failed: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadSyncState(ctx context.Context) (syncproto.Cursor, bool, error) {
	var cursorJSON string
	err := s.db.QueryRowContext(ctx, `SELECT cursor_json FROM sync_state WHERE id = 1`).Scan(&cursorJSON)
	if err == sql.ErrNoRows {
		return syncproto.Cursor{}, false, nil
	}
	if err != nil {
		return syncproto.Cursor{}, false, fmt.Errorf("storage: load sync state failed: %w", err)
	}
	var cursor syncproto.Cursor
	if err := json.Unmarshal([]byte(cursorJSON), &cursor); err != nil {
		return syncproto.Cursor{}, false, fmt.Errorf("storage: decode sync state failed: %w", err)
	}
	return cursor, true, nil
}

func (s *SQLiteStore) PersistSyncState(ctx context.Context, cursor syncproto.Cursor) error {
	cursorJSON, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("storage: encode sync state failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, cursor_json) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET cursor_json = excluded.cursor_json
	`, cursorJSON)
	if err != nil {
		return fmt.Errorf("storage: persist sync state failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadOutbox(ctx context.Context) ([]syncproto.SyncOp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT op_json FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load outbox failed: %w", err)
	}
	defer rows.Close()
	var out []syncproto.SyncOp
	for rows.Next() {
		var opJSON string
		if err := rows.Scan(&opJSON); err != nil {
			return nil, fmt.Errorf("storage: scan outbox entry failed: %w", err)
		}
		var op syncproto.SyncOp
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return nil, fmt.Errorf("storage: decode outbox entry failed: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PersistOutbox(ctx context.Context, ops []syncproto.SyncOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: persist outbox failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("storage: clear outbox failed: %w", err)
	}
	for _, op := range ops {
		opJSON, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("storage: encode outbox entry failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (op_json) VALUES (?)`, opJSON); err != nil {
			return fmt.Errorf("storage: insert outbox entry failed: %w", err)
		}
	}
	return tx.Commit()
}
