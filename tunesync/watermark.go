package tunesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// scopeGlobal is the watermark row used for display and introspection; the
// per-table rows drive incremental fetches.
const scopeGlobal = "global"

// earliestWatermark returns the oldest watermark across the given tables as
// the since bound for one pull request. The cursor is the (timestamp, row id)
// pair of the last applied row, so a page cut inside a group of rows sharing
// one timestamp resumes mid-group instead of skipping the rest of the group.
// An empty timestamp means at least one table has never been pulled, forcing
// a full fetch for the scope; tables with a newer watermark tolerate the
// overlap because the merge skips rows whose version is not newer than the
// local copy.
func (c *Client) earliestWatermark(ctx context.Context, tables []string) (string, string, error) {
	earliest, earliestID := "", ""
	first := true
	for _, table := range tables {
		var mark, rowID sql.NullString
		err := c.DB.QueryRowContext(ctx, `
			SELECT last_sync_down_at, last_row_id FROM _sync_watermark WHERE scope = ?
		`, table).Scan(&mark, &rowID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !mark.Valid) {
			return "", "", nil
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to read watermark for %s: %w", table, err)
		}
		if first || mark.String < earliest || (mark.String == earliest && rowID.String < earliestID) {
			earliest, earliestID = mark.String, rowID.String
			first = false
		}
	}
	return earliest, earliestID, nil
}

// setWatermarkInTx advances one watermark row. A cursor never moves
// backwards: a pull for a wider scope may compute a target older than what
// an earlier pull already recorded for this table, and regressing would
// re-fetch (or with unlucky timing skip) rows the table already has.
func setWatermarkInTx(ctx context.Context, tx *sql.Tx, scope, timestamp, rowID, mode string) error {
	var curTS, curID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT last_sync_down_at, last_row_id FROM _sync_watermark WHERE scope = ?
	`, scope).Scan(&curTS, &curID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read watermark for %s: %w", scope, err)
	default:
		if curTS.Valid && (curTS.String > timestamp || (curTS.String == timestamp && curID.String > rowID)) {
			timestamp, rowID = curTS.String, curID.String
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_watermark (scope, last_sync_down_at, last_row_id, mode)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			last_sync_down_at = excluded.last_sync_down_at,
			last_row_id = excluded.last_row_id,
			mode = excluded.mode
	`, scope, timestamp, rowID, mode)
	if err != nil {
		return fmt.Errorf("failed to set watermark for %s: %w", scope, err)
	}
	return nil
}

// setWatermark updates one watermark row outside any merge transaction.
// When now is true the timestamp is the current time.
func (c *Client) setWatermark(ctx context.Context, scope, timestamp, rowID, mode string, now bool) error {
	if now {
		timestamp = tunestore.FormatTime(time.Now())
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin watermark transaction: %w", err)
	}
	defer tx.Rollback()
	if err := setWatermarkInTx(ctx, tx, scope, timestamp, rowID, mode); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetWatermarks clears all pull watermarks, forcing the next incremental
// pull to fetch everything.
func (c *Client) ResetWatermarks(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.DB.ExecContext(ctx, `UPDATE _sync_watermark SET last_sync_down_at = NULL, last_row_id = ''`); err != nil {
		return fmt.Errorf("failed to reset watermarks: %w", err)
	}
	return nil
}

// LastSyncDownTimestamp returns the time of the last completed pull, or
// false when no pull has completed yet.
func (c *Client) LastSyncDownTimestamp(ctx context.Context) (time.Time, bool, error) {
	var mark sql.NullString
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_sync_down_at FROM _sync_watermark WHERE scope = ?
	`, scopeGlobal).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last sync timestamp: %w", err)
	}
	if !mark.Valid {
		return time.Time{}, false, nil
	}
	t, err := tunestore.ParseTime(mark.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last sync timestamp: %w", err)
	}
	return t, true, nil
}

// LastSyncMode returns the mode (full or incremental) of the last completed
// pull, or empty when no pull has completed yet.
func (c *Client) LastSyncMode(ctx context.Context) (string, error) {
	var mode string
	err := c.DB.QueryRowContext(ctx, `
		SELECT mode FROM _sync_watermark WHERE scope = ?
	`, scopeGlobal).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last sync mode: %w", err)
	}
	return mode, nil
}

// WatermarkFor returns the per-table watermark, for diagnostics and tests.
func (c *Client) WatermarkFor(ctx context.Context, table string) (string, error) {
	var mark sql.NullString
	err := c.DB.QueryRowContext(ctx, `
		SELECT last_sync_down_at FROM _sync_watermark WHERE scope = ?
	`, table).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read watermark for %s: %w", table, err)
	}
	if !mark.Valid {
		return "", nil
	}
	return mark.String, nil
}
