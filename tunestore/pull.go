package tunestore

import (
	"context"
	"fmt"
	"time"
)

// zeroRowID is the since_id lower bound when the client's cursor carries no
// row component.
const zeroRowID = "00000000-0000-0000-0000-000000000000"

// ProcessPull returns rows modified since the caller's watermark, restricted
// to an explicit table subset. The cursor is the compound (since, sinceID)
// pair: many rows can share one last_modified_at (a multi-row push commits
// under a single now()), and a page boundary can land inside such a group,
// so rows at exactly the since timestamp are filtered by row id rather than
// skipped. A zero since means a full pull. Visibility is rows owned by the
// user plus public catalog rows (user_ref IS NULL); soft-deleted rows are
// always included so deletions propagate.
func (s *StoreService) ProcessPull(ctx context.Context, userID string, tables []string, since time.Time, sinceID string, limit int) (*PullResponse, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store service is closed")
	}
	s.mu.RUnlock()

	if len(tables) == 0 {
		return nil, fmt.Errorf("pull requires at least one table")
	}
	for _, table := range tables {
		if !s.isRegistered(table) {
			return nil, fmt.Errorf("%w: %s", ErrUnregisteredTable, table)
		}
	}
	if limit <= 0 {
		limit = s.config.PullLimit
	}
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if sinceID == "" {
		sinceID = zeroRowID
	}

	// Freeze the snapshot bound once so paging across tables is consistent
	// and the client can persist it as its next watermark.
	var until time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&until); err != nil {
		return nil, fmt.Errorf("failed to read server time: %w", err)
	}

	response := &PullResponse{ServerTime: FormatTime(until)}

	for _, table := range tables {
		rows, err := s.pool.Query(ctx, `
			SELECT row_id, sync_version, deleted, last_modified_at, device_id, payload
			FROM sync.row_state
			WHERE table_name = $1
			  AND (user_ref IS NULL OR user_ref = $2::uuid)
			  AND (last_modified_at, row_id) > ($3, $4::uuid)
			  AND last_modified_at <= $5
			ORDER BY last_modified_at, row_id
			LIMIT $6
		`, table, userID, since, sinceID, until, limit+1)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", table, err)
		}

		count := 0
		for rows.Next() {
			if count == limit {
				response.HasMore = true
				break
			}
			down := RowDown{Table: table}
			var modifiedAt time.Time
			var payload []byte
			if err := rows.Scan(&down.RowID, &down.SyncVersion, &down.Deleted, &modifiedAt, &down.DeviceID, &payload); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
			}
			down.LastModifiedAt = FormatTime(modifiedAt)
			down.Payload = payload
			response.Rows = append(response.Rows, down)
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
		}
	}

	return response, nil
}
