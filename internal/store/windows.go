package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WindowUsage is the persisted request count for one
// (endpoint, window kind, window start) bucket.
type WindowUsage struct {
	Used    int
	Callers map[string]int // per-caller breakdown, for fair share
	ResetAt *time.Time     // authoritative reset reported by the remote service
}

// WindowUsage reads a usage row; a missing row is zero usage, not an error.
func (d *DB) WindowUsage(ctx context.Context, endpoint, kind string, windowStart int64) (WindowUsage, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT requests_used, caller_usage, reset_at FROM window_usage WHERE endpoint=? AND window_kind=? AND window_start=?`,
		endpoint, kind, windowStart)
	var u WindowUsage
	var callers string
	var reset sql.NullInt64
	if err := row.Scan(&u.Used, &callers, &reset); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return WindowUsage{Callers: map[string]int{}}, nil }
		return u, err
	}
	u.Callers = map[string]int{}
	if callers != "" {
		if err := json.Unmarshal([]byte(callers), &u.Callers); err != nil { return u, err }
	}
	if reset.Valid {
		t := time.Unix(reset.Int64, 0).UTC()
		u.ResetAt = &t
	}
	return u, nil
}

// IncrementWindow adds one successful request to a bucket, attributed to
// callerID, creating the row on first use. The increment is a single upsert
// so concurrent callers never lose an update. A non-nil resetAt is stored
// and takes precedence over the computed window boundary.
func (d *DB) IncrementWindow(ctx context.Context, endpoint, kind string, windowStart int64, callerID string, resetAt *time.Time) error {
	// the caller id becomes a JSON path segment; a quote would break the path
	if strings.Contains(callerID, `"`) {
		return fmt.Errorf("caller id %q: quotes not allowed", callerID)
	}
	var reset any
	if resetAt != nil { reset = resetAt.UTC().Unix() }
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO window_usage(endpoint, window_kind, window_start, requests_used, caller_usage, reset_at, updated_at)
		VALUES(?, ?, ?, 1, json_object(?, 1), ?, ?)
		ON CONFLICT(endpoint, window_kind, window_start) DO UPDATE SET
		  requests_used = requests_used + 1,
		  caller_usage = json_set(caller_usage, '$."' || ? || '"', COALESCE(json_extract(caller_usage, '$."' || ? || '"'), 0) + 1),
		  reset_at = COALESCE(excluded.reset_at, reset_at),
		  updated_at = excluded.updated_at`,
		endpoint, kind, windowStart, callerID, reset, time.Now().UTC().Unix(), callerID, callerID)
	return err
}

// ClearElapsedReset discards a bucket whose authoritative reset has elapsed:
// counters go to zero and the stale reset is dropped, so later increments
// start a fresh count instead of riding on pre-reset usage. The predicate
// makes the clear idempotent and a no-op once any caller has done it.
func (d *DB) ClearElapsedReset(ctx context.Context, endpoint, kind string, windowStart int64, now time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE window_usage SET requests_used = 0, caller_usage = '{}', reset_at = NULL, updated_at = ?
		WHERE endpoint=? AND window_kind=? AND window_start=? AND reset_at IS NOT NULL AND reset_at <= ?`,
		time.Now().UTC().Unix(), endpoint, kind, windowStart, now.UTC().Unix())
	return err
}

// SetWindowReset stores an authoritative reset time without charging usage,
// e.g. when the remote service rejects a call but still reports its window.
func (d *DB) SetWindowReset(ctx context.Context, endpoint, kind string, windowStart int64, resetAt time.Time) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO window_usage(endpoint, window_kind, window_start, requests_used, caller_usage, reset_at, updated_at)
		VALUES(?, ?, ?, 0, '{}', ?, ?)
		ON CONFLICT(endpoint, window_kind, window_start) DO UPDATE SET
		  reset_at = excluded.reset_at,
		  updated_at = excluded.updated_at`,
		endpoint, kind, windowStart, resetAt.UTC().Unix(), time.Now().UTC().Unix())
	return err
}
