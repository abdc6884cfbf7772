package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Checkpoint returns the highest external id already ingested for a source,
// with ok=false when no checkpoint exists yet.
func (d *DB) Checkpoint(ctx context.Context, source string) (int64, bool, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT last_id FROM checkpoints WHERE source=?`, source)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return 0, false, nil }
		return 0, false, err
	}
	return id, true, nil
}

// AdvanceCheckpoint moves the checkpoint forward. The monotonic guard lives
// in the statement itself, so an out-of-order advance with a smaller id is a
// no-op under any interleaving. Callers must advance only after the
// corresponding mentions are durably stored.
func (d *DB) AdvanceCheckpoint(ctx context.Context, source string, id int64, now time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO checkpoints(source, last_id, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		  last_id = excluded.last_id,
		  updated_at = excluded.updated_at
		WHERE excluded.last_id > checkpoints.last_id`,
		source, id, now.UTC().Unix())
	return err
}
