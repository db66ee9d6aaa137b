package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// upsertRowInTx materializes a remote row into the local store. The payload
// is a full-row JSON snapshot keyed by column name; the sync metadata from
// the envelope is authoritative and overrides whatever the payload carries.
func (c *Client) upsertRowInTx(ctx context.Context, tx *sql.Tx, row *tunestore.RowDown) error {
	var payload map[string]any
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload for %s.%s: %w", row.Table, row.RowID, err)
	}

	payload["id"] = row.RowID
	payload["sync_version"] = row.SyncVersion
	payload["deleted"] = boolToInt(row.Deleted)
	payload["last_modified_at"] = row.LastModifiedAt
	payload["device_id"] = row.DeviceID

	columns := make([]string, 0, len(payload))
	for col := range payload {
		if !validIdent(col) {
			return fmt.Errorf("invalid column name %q in payload for %s", col, row.Table)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	updates := make([]string, 0, len(columns))
	for i, col := range columns {
		placeholders[i] = "?"
		args[i] = normalizeValue(payload[col])
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%q = excluded.%q", col, col))
		}
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = `"` + col + `"`
	}
	query := fmt.Sprintf(
		`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		quoteTable(row.Table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s.%s: %w", row.Table, row.RowID, err)
	}
	return nil
}

// normalizeValue maps JSON-decoded values to SQLite-friendly bind values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case bool:
		return boolToInt(val)
	case float64:
		// JSON numbers decode as float64; keep integral values integral so
		// version and flag columns compare cleanly.
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	default:
		return v
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// quoteTable validates a table name for safe interpolation into SQL. Table
// names come from the fixed schema or server responses already checked
// against the registered list; this is the final guard.
func quoteTable(table string) string {
	if !validIdent(table) {
		// An invalid name would have been rejected upstream; make the
		// failure loud rather than quietly querying a mangled name.
		panic(fmt.Sprintf("invalid table name %q", table))
	}
	return table
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
