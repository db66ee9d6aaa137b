package tunestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OverrideTable is the one table whose updates are merged field-wise on the
// server instead of replaced whole-row. Override payloads are sparse (null
// means "defer to base"), so two devices overriding different fields of the
// same base record must not clobber each other.
const OverrideTable = "tune_override"

// ProcessPush applies a batch of changes for one user/device inside a single
// transaction. Each change is individually version-gated; a stale
// base_version yields a conflict status carrying the current server row, and
// the batch as a whole still succeeds.
func (s *StoreService) ProcessPush(ctx context.Context, userID, deviceID string, req *PushRequest) (*PushResponse, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store service is closed")
	}
	s.mu.RUnlock()

	if s.config.MaxPushBatchSize > 0 && len(req.Changes) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("push batch of %d exceeds limit %d", len(req.Changes), s.config.MaxPushBatchSize)
	}

	response := &PushResponse{Accepted: true}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range req.Changes {
			ch := &req.Changes[i]

			if err := s.validateChange(ch); err != nil {
				s.logger.Warn("push validation failed",
					"user_id", userID, "device_id", deviceID,
					"table", ch.Table, "row_id", ch.RowID, "op", ch.Op, "error", err)
				response.Statuses = append(response.Statuses, statusRejected(ch, rejectionReason(err), err))
				continue
			}

			status, err := s.applyChangeInTx(ctx, tx, userID, deviceID, ch)
			if err != nil {
				return fmt.Errorf("failed to apply %s %s.%s: %w", ch.Op, ch.Table, ch.RowID, err)
			}
			response.Statuses = append(response.Statuses, status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	response.ServerTime = FormatTime(time.Now())
	return response, nil
}

// applyChangeInTx applies one change with the optimistic version gate and
// the ownership check in the UPDATE's WHERE clause, so enforcement cannot be
// bypassed by races. Rows owned by another user are treated as invisible:
// the response never confirms their existence or carries their content.
func (s *StoreService) applyChangeInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, ch *ChangePush) (ChangeStatus, error) {
	switch ch.Op {
	case OpInsert:
		return s.applyInsertInTx(ctx, tx, userID, deviceID, ch)
	case OpUpdate:
		if ch.Table == OverrideTable {
			return s.applyOverrideMergeInTx(ctx, tx, userID, deviceID, ch)
		}
		return s.applyUpdateInTx(ctx, tx, userID, deviceID, ch)
	case OpDelete:
		return s.applyDeleteInTx(ctx, tx, userID, deviceID, ch)
	default:
		return ChangeStatus{}, fmt.Errorf("unknown op %q", ch.Op)
	}
}

func (s *StoreService) applyInsertInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, ch *ChangePush) (ChangeStatus, error) {
	if payloadOwnerMismatch(userID, ch.Payload) {
		return statusRejected(ch, ReasonBadPayload,
			fmt.Errorf("payload user_ref does not match the authenticated user")), nil
	}
	userRef := ownerFromPayload(ch.Payload)

	var newVersion int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.row_state
			(table_name, row_id, user_ref, sync_version, deleted, last_modified_at, device_id, payload)
		VALUES ($1, $2::uuid, $3, 1, FALSE, now(), $4, $5::jsonb)
		ON CONFLICT (table_name, row_id) DO NOTHING
		RETURNING sync_version
	`, ch.Table, ch.RowID, userRef, deviceID, string(ch.Payload)).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row already exists: the insert is stale relative to the server.
		return s.conflictStatusInTx(ctx, tx, userID, ch)
	}
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("insert failed: %w", err)
	}

	return appliedStatus(ch, newVersion), nil
}

func (s *StoreService) applyUpdateInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, ch *ChangePush) (ChangeStatus, error) {
	// user_ref is never taken from an update payload: ownership is set at
	// insert and only the stored value counts.
	var newVersion int64
	err := tx.QueryRow(ctx, `
		UPDATE sync.row_state
		SET payload = $4::jsonb,
		    sync_version = sync_version + 1,
		    deleted = FALSE,
		    last_modified_at = now(),
		    device_id = $3
		WHERE table_name = $1 AND row_id = $2::uuid AND sync_version = $5
		  AND (user_ref IS NULL OR user_ref = $6::uuid)
		RETURNING sync_version
	`, ch.Table, ch.RowID, deviceID, string(ch.Payload), ch.BaseVersion, userID).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.staleOrMissingStatusInTx(ctx, tx, userID, ch)
	}
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("update failed: %w", err)
	}

	return appliedStatus(ch, newVersion), nil
}

// applyOverrideMergeInTx merges the non-null fields of a sparse override
// payload onto the stored row. There is no version gate here: the merge is
// field-local, so concurrent override edits from two devices both land as
// long as they touch different fields.
func (s *StoreService) applyOverrideMergeInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, ch *ChangePush) (ChangeStatus, error) {
	var newVersion int64
	err := tx.QueryRow(ctx, `
		UPDATE sync.row_state
		SET payload = payload || jsonb_strip_nulls($4::jsonb),
		    sync_version = sync_version + 1,
		    deleted = FALSE,
		    last_modified_at = now(),
		    device_id = $3
		WHERE table_name = $1 AND row_id = $2::uuid
		  AND (user_ref IS NULL OR user_ref = $5::uuid)
		RETURNING sync_version
	`, ch.Table, ch.RowID, deviceID, string(ch.Payload), userID).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return statusRejected(ch, ReasonMissingRow, fmt.Errorf("override row %s does not exist", ch.RowID)), nil
	}
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("override merge failed: %w", err)
	}

	return appliedStatus(ch, newVersion), nil
}

func (s *StoreService) applyDeleteInTx(ctx context.Context, tx pgx.Tx, userID, deviceID string, ch *ChangePush) (ChangeStatus, error) {
	var newVersion int64
	err := tx.QueryRow(ctx, `
		UPDATE sync.row_state
		SET deleted = TRUE,
		    sync_version = sync_version + 1,
		    last_modified_at = now(),
		    device_id = $3
		WHERE table_name = $1 AND row_id = $2::uuid AND sync_version = $4
		  AND (user_ref IS NULL OR user_ref = $5::uuid)
		RETURNING sync_version
	`, ch.Table, ch.RowID, deviceID, ch.BaseVersion, userID).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, err := s.rowVisibleInTx(ctx, tx, userID, ch.Table, ch.RowID)
		if err != nil {
			return ChangeStatus{}, fmt.Errorf("delete existence check failed: %w", err)
		}
		if !exists {
			// Deleting a row the server never saw (or one this user cannot
			// see) is idempotent.
			return appliedStatus(ch, ch.BaseVersion), nil
		}
		return s.conflictStatusInTx(ctx, tx, userID, ch)
	}
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("delete failed: %w", err)
	}

	return appliedStatus(ch, newVersion), nil
}

// staleOrMissingStatusInTx distinguishes a version conflict from an absent
// row after a gated UPDATE matched nothing. Rows owned by another user count
// as absent.
func (s *StoreService) staleOrMissingStatusInTx(ctx context.Context, tx pgx.Tx, userID string, ch *ChangePush) (ChangeStatus, error) {
	exists, err := s.rowVisibleInTx(ctx, tx, userID, ch.Table, ch.RowID)
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("existence check failed: %w", err)
	}
	if !exists {
		return statusRejected(ch, ReasonMissingRow, fmt.Errorf("row %s.%s does not exist on server", ch.Table, ch.RowID)), nil
	}
	return s.conflictStatusInTx(ctx, tx, userID, ch)
}

func (s *StoreService) rowVisibleInTx(ctx context.Context, tx pgx.Tx, userID, table, rowID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sync.row_state
			WHERE table_name = $1 AND row_id = $2::uuid
			  AND (user_ref IS NULL OR user_ref = $3::uuid)
		)
	`, table, rowID, userID).Scan(&exists)
	return exists, err
}

// conflictStatusInTx builds a conflict status carrying the full current
// server row, so the client can surface it without a second round trip. When
// the row is not visible to this user the change is rejected as missing
// instead, never leaking another user's row.
func (s *StoreService) conflictStatusInTx(ctx context.Context, tx pgx.Tx, userID string, ch *ChangePush) (ChangeStatus, error) {
	row, err := s.currentRowInTx(ctx, tx, userID, ch.Table, ch.RowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return statusRejected(ch, ReasonMissingRow, fmt.Errorf("row %s.%s does not exist on server", ch.Table, ch.RowID)), nil
	}
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("failed to load server row for conflict: %w", err)
	}
	serverRow, err := json.Marshal(row)
	if err != nil {
		return ChangeStatus{}, fmt.Errorf("failed to marshal server row: %w", err)
	}
	return ChangeStatus{
		Table:     ch.Table,
		RowID:     ch.RowID,
		Status:    StatusConflict,
		ServerRow: serverRow,
	}, nil
}

func (s *StoreService) currentRowInTx(ctx context.Context, tx pgx.Tx, userID, table, rowID string) (*RowDown, error) {
	row := &RowDown{Table: table, RowID: rowID}
	var modifiedAt time.Time
	var payload []byte
	err := tx.QueryRow(ctx, `
		SELECT sync_version, deleted, last_modified_at, device_id, payload
		FROM sync.row_state
		WHERE table_name = $1 AND row_id = $2::uuid
		  AND (user_ref IS NULL OR user_ref = $3::uuid)
	`, table, rowID, userID).Scan(&row.SyncVersion, &row.Deleted, &modifiedAt, &row.DeviceID, &payload)
	if err != nil {
		return nil, err
	}
	row.LastModifiedAt = FormatTime(modifiedAt)
	row.Payload = payload
	return row, nil
}

func appliedStatus(ch *ChangePush, newVersion int64) ChangeStatus {
	v := newVersion
	return ChangeStatus{
		Table:          ch.Table,
		RowID:          ch.RowID,
		Status:         StatusApplied,
		NewSyncVersion: &v,
	}
}

// payloadOwnerMismatch reports whether an insert payload claims an owner
// other than the authenticated user. A user can create public rows (no
// user_ref) or rows owned by themselves, never rows owned by someone else.
func payloadOwnerMismatch(userID string, payload json.RawMessage) bool {
	owner := ownerFromPayload(payload)
	return owner != nil && *owner != userID
}

// ownerFromPayload extracts the owning user ref from a row payload. Nil
// (public catalog row) when absent or null.
func ownerFromPayload(payload json.RawMessage) *string {
	var fields struct {
		UserRef *string `json:"user_ref"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	return fields.UserRef
}
