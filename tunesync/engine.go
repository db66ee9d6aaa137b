package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// Sync modes recorded alongside the watermark.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// SyncConflict reports a local change rejected because the server's version
// had advanced past the version the change was based on. The local change is
// surfaced here, never silently dropped or overwritten; the next pull brings
// down the authoritative server row.
type SyncConflict struct {
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	ServerRow json.RawMessage `json:"server_row,omitempty"`
}

// SyncError reports a permanently rejected change (validation failure). Not
// retried automatically.
type SyncError struct {
	Table   string `json:"table"`
	RowID   string `json:"row_id"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// SyncResult is the uniform report for both push and pull so callers can log
// and display outcomes the same way in either direction.
type SyncResult struct {
	Success     bool           `json:"success"`
	ItemsSynced int            `json:"items_synced"`
	ItemsFailed int            `json:"items_failed"`
	Conflicts   []SyncConflict `json:"conflicts,omitempty"`
	Errors      []SyncError    `json:"errors,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SyncDownOptions configures a pull.
type SyncDownOptions struct {
	Full bool // ignore watermarks and fetch everything
}

// inflightGate enforces a single in-flight operation per direction. A
// request that loses the race is coalesced into a no-op rather than run
// concurrently, so a queue drain is never double-counted.
type inflightGate struct {
	flag int32
}

func (g *inflightGate) tryAcquire() bool { return atomic.CompareAndSwapInt32(&g.flag, 0, 1) }
func (g *inflightGate) release()         { atomic.StoreInt32(&g.flag, 0) }

// SyncUp drains the change queue and pushes it to the remote store. Queue
// entries are cleared only on confirmed acceptance: a transport failure
// re-enqueues the batch, a conflict or rejection is reported in the result.
// Transport and remote errors are converted into a failed result, not
// returned as errors.
func (c *Client) SyncUp(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{Success: true, Timestamp: time.Now()}

	if !c.pushGate.tryAcquire() {
		c.logger.Debug("push already in flight, coalescing")
		return result, nil
	}
	defer c.pushGate.release()

	// writeMu is held only around the local queue and row operations, never
	// across the network call, so local writes and pull merges proceed while
	// a batch is in flight. pushGate keeps pushes themselves serial.
	for {
		c.writeMu.Lock()
		entries, err := c.drainQueue(ctx)
		c.writeMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to drain queue: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		if err := c.pushBatch(ctx, entries, result); err != nil {
			// Transport failure: nothing was accepted, put the batch back
			// for a later retry and report a failed result.
			c.writeMu.Lock()
			requeueErr := c.requeue(ctx, entries)
			c.writeMu.Unlock()
			if requeueErr != nil {
				return nil, fmt.Errorf("failed to requeue after push failure: %w", requeueErr)
			}
			c.logger.Warn("push failed, batch requeued", "error", err, "entries", len(entries))
			result.Success = false
			result.ItemsFailed += len(entries)
			result.Errors = append(result.Errors, SyncError{Reason: "transport", Message: err.Error()})
			break
		}

		if len(entries) < c.config.PushLimit {
			break
		}
	}

	c.Signals.Publish(TopicSync)
	return result, nil
}

// pushBatch sends one drained batch and applies the per-change outcomes.
func (c *Client) pushBatch(ctx context.Context, entries []QueueEntry, result *SyncResult) error {
	changes := make([]tunestore.ChangePush, 0, len(entries))
	for _, entry := range entries {
		// The base version was frozen at enqueue time. Re-reading the row
		// here would pick up versions a pull merged meanwhile and slip a
		// stale payload past the server's version gate.
		changes = append(changes, tunestore.ChangePush{
			Table:       entry.Table,
			RowID:       entry.RowID,
			Op:          entry.Op,
			BaseVersion: entry.BaseVersion,
			Payload:     entry.Payload,
		})
	}

	response, err := c.sendPushRequest(ctx, &tunestore.PushRequest{Changes: changes})
	if err != nil {
		return err
	}
	if len(response.Statuses) != len(changes) {
		return fmt.Errorf("status count mismatch: sent %d changes, got %d statuses", len(changes), len(response.Statuses))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin push-result transaction: %w", err)
	}
	defer tx.Rollback()

	for i, status := range response.Statuses {
		change := changes[i]
		switch status.Status {
		case tunestore.StatusApplied:
			result.ItemsSynced++
			if status.NewSyncVersion != nil {
				// A pull merged while the batch was in flight may already
				// have written a newer version; never regress it.
				_, err := tx.ExecContext(ctx,
					`UPDATE "`+quoteTable(change.Table)+`" SET sync_version = ? WHERE id = ? AND sync_version < ?`,
					*status.NewSyncVersion, change.RowID, *status.NewSyncVersion)
				if err != nil {
					return fmt.Errorf("failed to record accepted version for %s.%s: %w", change.Table, change.RowID, err)
				}
			}

		case tunestore.StatusConflict:
			// The server's version moved past the one this change was based
			// on. Remote wins whole-row: the change stays out of the queue
			// and the next pull materializes the server state locally.
			result.ItemsFailed++
			result.Conflicts = append(result.Conflicts, SyncConflict{
				Table:     change.Table,
				RowID:     change.RowID,
				ServerRow: status.ServerRow,
			})
			c.logger.Warn("push conflict, remote wins",
				"table", change.Table, "row_id", change.RowID, "base_version", change.BaseVersion)

		case tunestore.StatusRejected:
			result.ItemsFailed++
			result.Errors = append(result.Errors, SyncError{
				Table:   change.Table,
				RowID:   change.RowID,
				Reason:  status.Reason,
				Message: status.Message,
			})
			c.logger.Warn("push rejected by server validation",
				"table", change.Table, "row_id", change.RowID, "reason", status.Reason, "message", status.Message)

		default:
			c.logger.Warn("unknown push status", "table", change.Table, "row_id", change.RowID, "status", status.Status)
		}
	}

	return tx.Commit()
}

// SyncDown pulls remote changes for all configured tables and merges them
// into the local store. Incremental mode fetches rows modified since the
// watermark; full mode ignores the watermark and fetches everything.
func (c *Client) SyncDown(ctx context.Context, opts SyncDownOptions) (*SyncResult, error) {
	return c.syncDownScoped(ctx, c.config.Tables, opts.Full, true)
}

// SyncDownTables pulls only the named tables and advances only their
// watermarks, for low-latency refresh of the tables a recent local action
// touched.
func (c *Client) SyncDownTables(ctx context.Context, tables []string) (*SyncResult, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	for _, table := range tables {
		if !c.tableRegistered(table) {
			return nil, fmt.Errorf("table %s is not registered for sync", table)
		}
	}
	return c.syncDownScoped(ctx, tables, false, false)
}

// updateGlobal is set only for full-scope pulls; a scoped refresh must not
// rewrite the introspection row to look like a complete sync.
func (c *Client) syncDownScoped(ctx context.Context, tables []string, full, updateGlobal bool) (*SyncResult, error) {
	result := &SyncResult{Success: true, Timestamp: time.Now()}

	if !c.pullGate.tryAcquire() {
		c.logger.Debug("pull already in flight, coalescing")
		return result, nil
	}
	defer c.pullGate.release()

	mode := ModeIncremental
	if full {
		mode = ModeFull
	}

	touched := make(map[string]bool)
	maxPasses := 50
	for pass := 0; pass < maxPasses; pass++ {
		since, sinceID := "", ""
		if !full {
			earliest, earliestID, err := c.earliestWatermark(ctx, tables)
			if err != nil {
				return nil, err
			}
			since, sinceID = earliest, earliestID
		}

		response, err := c.sendPullRequest(ctx, tables, since, sinceID, c.config.PullLimit)
		if err != nil {
			// Transport failure: watermarks stay put, caller may retry.
			c.logger.Warn("pull failed", "error", err, "tables", tables)
			result.Success = false
			result.Errors = append(result.Errors, SyncError{Reason: "transport", Message: err.Error()})
			return result, nil
		}

		applied, err := c.applyPull(ctx, tables, response, mode, touched)
		if err != nil {
			return nil, err
		}
		result.ItemsSynced += applied

		// After the first page a full pull continues incrementally from
		// the watermarks the page just advanced.
		full = false

		if !response.HasMore {
			break
		}
	}

	if updateGlobal {
		if err := c.setWatermark(ctx, scopeGlobal, "", "", mode, true); err != nil {
			return nil, err
		}
	}

	for table := range touched {
		c.Signals.Publish(topicForTable(table))
	}
	c.Signals.Publish(TopicSync)
	return result, nil
}

// applyPull merges one pull page. Each table's rows are applied in one
// transaction together with that table's watermark update, so the watermark
// advances only after its rows are durably written.
func (c *Client) applyPull(ctx context.Context, tables []string, response *tunestore.PullResponse, mode string, touched map[string]bool) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rowsByTable := make(map[string][]tunestore.RowDown)
	for _, row := range response.Rows {
		rowsByTable[row.Table] = append(rowsByTable[row.Table], row)
	}

	// Per-table completeness: a table whose page was truncated only
	// advances to the (timestamp, row id) of its own last applied row, so
	// the next pass resumes exactly there, including rows that share the
	// cut row's timestamp.
	applied := 0
	for _, table := range tables {
		rows := rowsByTable[table]
		target, targetID := response.ServerTime, ""
		if response.HasMore && len(rows) > 0 {
			last := rows[len(rows)-1]
			target, targetID = last.LastModifiedAt, last.RowID
		}

		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to begin merge transaction: %w", err)
		}

		tableApplied, err := c.mergeRowsInTx(ctx, tx, rows)
		if err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to merge %s rows: %w", table, err)
		}

		if err := setWatermarkInTx(ctx, tx, table, target, targetID, mode); err != nil {
			tx.Rollback()
			return applied, err
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit %s merge: %w", table, err)
		}

		applied += tableApplied
		if tableApplied > 0 {
			touched[table] = true
		}
	}
	return applied, nil
}

// mergeRowsInTx applies the pull merge rules: insert when absent, overwrite
// when the remote version is newer, skip otherwise. A row last modified by
// this device with no newer version is its own pushed change echoing back
// and is skipped without a write (loop suppression).
func (c *Client) mergeRowsInTx(ctx context.Context, tx *sql.Tx, rows []tunestore.RowDown) (int, error) {
	applied := 0
	for i := range rows {
		row := &rows[i]

		localVersion, exists, err := localSyncVersionInTx(ctx, tx, row.Table, row.RowID)
		if err != nil {
			return applied, err
		}

		if exists && row.SyncVersion <= localVersion {
			continue // local is at least as new, e.g. own pushed change echoing back
		}
		if exists && row.DeviceID == c.DeviceID {
			// Our own accepted write echoing back before its new version was
			// recorded (interrupted push). The content is already local;
			// record the version without rewriting the row.
			_, err := tx.ExecContext(ctx,
				`UPDATE "`+quoteTable(row.Table)+`" SET sync_version = ? WHERE id = ?`,
				row.SyncVersion, row.RowID)
			if err != nil {
				return applied, fmt.Errorf("failed to record echoed version for %s.%s: %w", row.Table, row.RowID, err)
			}
			continue
		}
		if !exists && row.Deleted {
			continue // tombstone for a row this device never had
		}

		if err := c.upsertRowInTx(ctx, tx, row); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (c *Client) localSyncVersion(ctx context.Context, table, rowID string) (int64, error) {
	var version int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT sync_version FROM "`+quoteTable(table)+`" WHERE id = ?`, rowID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func localSyncVersionInTx(ctx context.Context, tx *sql.Tx, table, rowID string) (version int64, exists bool, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT sync_version FROM "`+quoteTable(table)+`" WHERE id = ?`, rowID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read local version for %s.%s: %w", table, rowID, err)
	}
	return version, true, nil
}
