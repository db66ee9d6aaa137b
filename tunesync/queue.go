package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// QueueEntry is one pending local mutation awaiting transmission. At most
// one entry exists per (table, row id); a later enqueue for the same row
// supersedes the earlier one instead of appending.
type QueueEntry struct {
	Table       string
	RowID       string
	Op          string
	BaseVersion int64
	Payload     json.RawMessage
	EnqueuedAt  string
}

// QueueSync records a local mutation in the durable change queue, coalescing
// with any pending entry for the same row:
//
//   - update over a pending insert stays an insert (the row never left this
//     device, so the remote must still see it as new);
//   - delete over a pending insert collapses to nothing at all; no network
//     round trip is spent on data that never left the device;
//   - delete supersedes a pending update;
//   - otherwise the latest payload and op replace the pending ones.
//
// The original enqueue position is kept so drain order stays stable.
func (c *Client) QueueSync(ctx context.Context, table, rowID, op string, payload json.RawMessage) error {
	if !c.tableRegistered(table) {
		return fmt.Errorf("table %s is not registered for sync", table)
	}
	switch op {
	case tunestore.OpInsert, tunestore.OpUpdate, tunestore.OpDelete:
	default:
		return fmt.Errorf("unknown op %q", op)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueInTx(ctx, tx, table, rowID, op, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func enqueueInTx(ctx context.Context, tx *sql.Tx, table, rowID, op string, payload json.RawMessage) error {
	var pendingOp string
	err := tx.QueryRowContext(ctx, `
		SELECT op FROM _sync_queue WHERE table_name = ? AND row_id = ?
	`, table, rowID).Scan(&pendingOp)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// The pending change is based on the row version visible right
		// now; that base must survive any pulls that land before the
		// entry is pushed, so it is frozen into the queue row.
		baseVersion, _, verr := localSyncVersionInTx(ctx, tx, table, rowID)
		if verr != nil {
			return verr
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _sync_queue (table_name, row_id, op, base_version, payload)
			VALUES (?, ?, ?, ?, ?)
		`, table, rowID, op, baseVersion, payloadArg(payload))
		if err != nil {
			return fmt.Errorf("failed to enqueue change: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("failed to query pending change: %w", err)
	}

	if pendingOp == tunestore.OpInsert && op == tunestore.OpDelete {
		// Insert followed by delete before any drain: the row never left
		// the device, so the pair is a no-op.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _sync_queue WHERE table_name = ? AND row_id = ?
		`, table, rowID)
		if err != nil {
			return fmt.Errorf("failed to collapse insert+delete: %w", err)
		}
		return nil
	}

	newOp := op
	if pendingOp == tunestore.OpInsert && op == tunestore.OpUpdate {
		newOp = tunestore.OpInsert
	}

	// base_version is deliberately left alone: the coalesced entry is
	// still a change against the version the first enqueue saw.
	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_queue SET op = ?, payload = ? WHERE table_name = ? AND row_id = ?
	`, newOp, payloadArg(payload), table, rowID)
	if err != nil {
		return fmt.Errorf("failed to supersede pending change: %w", err)
	}
	return nil
}

// drainQueue returns and clears up to PushLimit pending entries in enqueue
// order. Atomic with respect to concurrent enqueues: both run under the
// client write mutex and the clear happens in the same transaction as the
// read. Callers must hold writeMu.
func (c *Client) drainQueue(ctx context.Context) ([]QueueEntry, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, row_id, op, base_version, payload, enqueued_at
		FROM _sync_queue
		ORDER BY enqueued_at, table_name, row_id
		LIMIT ?
	`, c.config.PushLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}

	var entries []QueueEntry
	for rows.Next() {
		var entry QueueEntry
		var payload sql.NullString
		if err := rows.Scan(&entry.Table, &entry.RowID, &entry.Op, &entry.BaseVersion, &payload, &entry.EnqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_queue WHERE table_name = ? AND row_id = ?
		`, entry.Table, entry.RowID)
		if err != nil {
			return nil, fmt.Errorf("failed to clear drained entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return entries, nil
}

// requeue puts drained entries back after a failed transmission so a later
// drain retries them. An entry is dropped if the row picked up a newer
// pending change while the batch was in flight. Callers must hold writeMu.
func (c *Client) requeue(ctx context.Context, entries []QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO _sync_queue (table_name, row_id, op, base_version, payload, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.Table, entry.RowID, entry.Op, entry.BaseVersion, payloadArg(entry.Payload), entry.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("failed to requeue %s.%s: %w", entry.Table, entry.RowID, err)
		}
	}
	return tx.Commit()
}

// PendingCount returns the number of changes awaiting transmission.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

func payloadArg(payload json.RawMessage) any {
	if payload == nil {
		return nil
	}
	return string(payload)
}
