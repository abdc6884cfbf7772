package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"signalq/internal/model"
)

// ErrNotFound is returned when a mention id does not exist.
var ErrNotFound = errors.New("mention not found")

// UpsertMentions inserts newly discovered mentions by external id. A re-fetch
// of an id still pending refreshes its payload without touching retry
// bookkeeping; ids that are processing, completed, or failed are left alone,
// so a re-fetch never revives or disturbs an item past pending. Returns the
// number of rows actually written.
func (d *DB) UpsertMentions(ctx context.Context, items []model.Mention) (int, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer tx.Rollback()
	n := 0
	for _, m := range items {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO mentions(id, author_id, handle, text, created_at, status, priority, retry_count, batch_id, discovered_at)
			VALUES(?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  author_id = excluded.author_id,
			  handle = excluded.handle,
			  text = excluded.text,
			  priority = excluded.priority
			WHERE mentions.status = 'pending'`,
			m.ID, m.AuthorID, m.Handle, m.Text, m.CreatedAt.UTC().Unix(),
			m.Priority, m.BatchID, m.DiscoveredAt.UTC().Unix())
		if err != nil { return n, err }
		if c, _ := res.RowsAffected(); c > 0 { n++ }
	}
	return n, tx.Commit()
}

// ClaimMentions atomically marks up to maxCount pending mentions as
// processing, owned by callerID, ordered by priority then discovery time.
// A negative priorityCeiling disables the ceiling. Two concurrent claims
// never receive the same mention: the transition is guarded by a status
// predicate, and only rows this call transitioned are returned.
func (d *DB) ClaimMentions(ctx context.Context, callerID string, maxCount, priorityCeiling int, now time.Time) ([]model.Mention, error) {
	if maxCount <= 0 { return nil, nil }
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil { return nil, err }
	defer tx.Rollback()

	q := `SELECT id FROM mentions WHERE status='pending'`
	args := []any{}
	if priorityCeiling >= 0 {
		q += ` AND priority <= ?`
		args = append(args, priorityCeiling)
	}
	q += ` ORDER BY priority ASC, discovered_at ASC, id ASC LIMIT ?`
	args = append(args, maxCount)
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil { return nil, err }
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil { rows.Close(); return nil, err }
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil { return nil, err }
	if len(ids) == 0 { return nil, tx.Commit() }

	claimedAt := now.UTC().UnixNano()
	args = []any{callerID, claimedAt}
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	// guarded transition: rows grabbed by a concurrent claim no longer match
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE mentions SET status='processing', claimed_by=?, claimed_at=? WHERE status='pending' AND id IN (%s)`,
		strings.Join(ph, ",")), args...)
	if err != nil { return nil, err }

	rows, err = tx.QueryContext(ctx,
		`SELECT `+mentionCols+` FROM mentions WHERE claimed_by=? AND claimed_at=? AND status='processing' ORDER BY priority ASC, discovered_at ASC, id ASC`,
		callerID, claimedAt)
	if err != nil { return nil, err }
	out, err := scanMentions(rows)
	if err != nil { return nil, err }
	return out, tx.Commit()
}

// CompleteMention marks a processing mention completed. Completing an
// already-completed mention is a no-op; any other state is an invariant
// violation and returns an error.
func (d *DB) CompleteMention(ctx context.Context, id int64, now time.Time) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE mentions SET status='completed', completed_at=?, claimed_by=NULL, claimed_at=NULL WHERE id=? AND status='processing'`,
		now.UTC().Unix(), id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n > 0 { return nil }
	m, err := d.GetMention(ctx, id)
	if err != nil { return err }
	if m.Status == model.StatusCompleted { return nil }
	return fmt.Errorf("complete mention %d: unexpected status %s", id, m.Status)
}

// FailMention records a failed attempt. Below maxRetries the mention returns
// to pending with its owner cleared; at maxRetries it becomes terminally
// failed and is never claimed again. Both paths keep errMsg for diagnostics.
func (d *DB) FailMention(ctx context.Context, id int64, errMsg string, maxRetries int, now time.Time) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil { return err }
	defer tx.Rollback()
	var retries int
	var status string
	row := tx.QueryRowContext(ctx, `SELECT retry_count, status FROM mentions WHERE id=?`, id)
	if err := row.Scan(&retries, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
		return err
	}
	if model.Status(status).Terminal() { return tx.Commit() }
	retries++
	if retries >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE mentions SET status='failed', retry_count=?, last_error=?, claimed_by=NULL, claimed_at=NULL WHERE id=?`,
			retries, errMsg, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE mentions SET status='pending', retry_count=?, last_error=?, claimed_by=NULL, claimed_at=NULL WHERE id=?`,
			retries, errMsg, id)
	}
	if err != nil { return err }
	return tx.Commit()
}

// ReleaseMention returns a claimed mention to pending without charging a
// retry, used when admission was denied after the claim.
func (d *DB) ReleaseMention(ctx context.Context, id int64) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE mentions SET status='pending', claimed_by=NULL, claimed_at=NULL WHERE id=? AND status='processing'`, id)
	return err
}

// SweepExpiredClaims reclaims processing mentions whose claim is older than
// cutoff, e.g. because the owning worker crashed. A reclaimed attempt counts
// against the retry budget so a crashing item cannot loop forever; items out
// of budget become terminally failed. Returns the number of rows touched.
func (d *DB) SweepExpiredClaims(ctx context.Context, cutoff time.Time, maxRetries int) (int, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil { return 0, err }
	defer tx.Rollback()
	cut := cutoff.UTC().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE mentions SET status='failed', retry_count=retry_count+1, last_error='claim expired', claimed_by=NULL, claimed_at=NULL
		 WHERE status='processing' AND claimed_at < ? AND retry_count+1 >= ?`, cut, maxRetries)
	if err != nil { return 0, err }
	terminal, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx,
		`UPDATE mentions SET status='pending', retry_count=retry_count+1, last_error='claim expired', claimed_by=NULL, claimed_at=NULL
		 WHERE status='processing' AND claimed_at < ?`, cut)
	if err != nil { return 0, err }
	requeued, _ := res.RowsAffected()
	return int(terminal + requeued), tx.Commit()
}

// GetMention returns a single mention by external id.
func (d *DB) GetMention(ctx context.Context, id int64) (model.Mention, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+mentionCols+` FROM mentions WHERE id=?`, id)
	if err != nil { return model.Mention{}, err }
	out, err := scanMentions(rows)
	if err != nil { return model.Mention{}, err }
	if len(out) == 0 { return model.Mention{}, ErrNotFound }
	return out[0], nil
}

const mentionCols = `id, author_id, handle, text, created_at, status, priority, retry_count, last_error, claimed_by, claimed_at, batch_id, discovered_at, completed_at`

func scanMentions(rows *sql.Rows) ([]model.Mention, error) {
	defer rows.Close()
	var out []model.Mention
	for rows.Next() {
		var m model.Mention
		var created, discovered int64
		var status string
		var lastErr, claimedBy sql.NullString
		var claimedAt, completedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Handle, &m.Text, &created, &status, &m.Priority,
			&m.RetryCount, &lastErr, &claimedBy, &claimedAt, &m.BatchID, &discovered, &completedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		m.DiscoveredAt = time.Unix(discovered, 0).UTC()
		m.Status = model.Status(status)
		if lastErr.Valid { m.LastError = lastErr.String }
		if claimedBy.Valid { m.ClaimedBy = claimedBy.String }
		if claimedAt.Valid {
			t := time.Unix(0, claimedAt.Int64).UTC()
			m.ClaimedAt = &t
		}
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0).UTC()
			m.CompletedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
