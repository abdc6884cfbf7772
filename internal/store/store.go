package store

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"signalq/internal/model"
)

// DB wraps the SQLite database holding window usage, the mention queue,
// and ingest checkpoints. It is the single source of truth; all
// conflicting read-modify-write sequences are serialized here.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		// pragmas ride on the DSN so every pooled connection gets them, and
		// immediate transactions take the write lock up front so concurrent
		// claims queue on busy_timeout instead of deadlocking on upgrade
		dsn = "file:" + path + "?_txlock=immediate" +
			"&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil { return nil, err }
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		d.SetMaxOpenConns(1)
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil { _ = d.Close(); return nil, err }
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS window_usage (
	  endpoint TEXT NOT NULL,
	  window_kind TEXT NOT NULL,
	  window_start INTEGER NOT NULL,
	  requests_used INTEGER NOT NULL DEFAULT 0,
	  caller_usage TEXT NOT NULL DEFAULT '{}',
	  reset_at INTEGER,
	  updated_at INTEGER NOT NULL,
	  PRIMARY KEY (endpoint, window_kind, window_start)
	);
	CREATE TABLE IF NOT EXISTS mentions (
	  id INTEGER PRIMARY KEY,
	  author_id TEXT NOT NULL,
	  handle TEXT NOT NULL DEFAULT '',
	  text TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  status TEXT NOT NULL DEFAULT 'pending',
	  priority INTEGER NOT NULL DEFAULT 1,
	  retry_count INTEGER NOT NULL DEFAULT 0,
	  last_error TEXT,
	  claimed_by TEXT,
	  claimed_at INTEGER,
	  batch_id TEXT NOT NULL,
	  discovered_at INTEGER NOT NULL,
	  completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_mentions_claim ON mentions(status, priority, discovered_at);
	CREATE TABLE IF NOT EXISTS checkpoints (
	  source TEXT PRIMARY KEY,
	  last_id INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	`)
	return err
}

// CountByStatus returns the number of mentions in each lifecycle state.
func (d *DB) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT status, COUNT(*) FROM mentions GROUP BY status`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[model.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil { return nil, err }
		out[model.Status(s)] = n
	}
	return out, rows.Err()
}
