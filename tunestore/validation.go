package tunestore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnregisteredTable marks a change whose table is not in the sync
// allow-list. Never retried by clients.
var ErrUnregisteredTable = errors.New("table is not registered for sync")

// validateChange checks a pushed change for structural problems before it
// reaches the write path. Returns nil when the change may be applied.
func (s *StoreService) validateChange(ch *ChangePush) error {
	if !s.isRegistered(ch.Table) {
		return fmt.Errorf("%w: %s", ErrUnregisteredTable, ch.Table)
	}

	switch ch.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", ch.Op)
	}

	if _, err := uuid.Parse(ch.RowID); err != nil {
		return fmt.Errorf("row_id is not a valid UUID: %w", err)
	}

	if ch.BaseVersion < 0 {
		return fmt.Errorf("base_version must be >= 0")
	}

	if ch.Op == OpDelete {
		return nil
	}

	if len(ch.Payload) == 0 {
		return fmt.Errorf("%s requires a payload", ch.Op)
	}
	var payload map[string]any
	if err := json.Unmarshal(ch.Payload, &payload); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if id, ok := payload["id"].(string); ok && id != ch.RowID {
		return fmt.Errorf("payload id %q does not match row_id %q", id, ch.RowID)
	}
	return nil
}

func statusRejected(ch *ChangePush, reason string, err error) ChangeStatus {
	st := ChangeStatus{
		Table:  ch.Table,
		RowID:  ch.RowID,
		Status: StatusRejected,
		Reason: reason,
	}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}

func rejectionReason(err error) string {
	if errors.Is(err, ErrUnregisteredTable) {
		return ReasonUnregisteredTable
	}
	return ReasonBadPayload
}
