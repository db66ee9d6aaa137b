package tunestore

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API. The client package imports these
// directly so both sides agree on the wire shape.

// Operation names for change queue entries and pushed changes.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Per-change outcome statuses returned by push.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// Rejection reasons (StatusRejected). These are permanent: the client must
// not retry a change rejected with one of these.
const (
	ReasonUnregisteredTable = "unregistered_table"
	ReasonBadPayload        = "bad_payload"
	ReasonMissingRow        = "missing_row"
)

// TimeFormat is the canonical timestamp format for last_modified_at columns
// and pull watermarks (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical sync timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a canonical sync timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// PushRequest is a batch of local changes uploaded by one device.
// User and device identity come from the JWT, not the body.
type PushRequest struct {
	Changes []ChangePush `json:"changes"`
}

// ChangePush is a single queued change in a push request.
type ChangePush struct {
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          string          `json:"op"`                // insert, update, delete
	BaseVersion int64           `json:"base_version"`      // sync_version the client last observed
	Payload     json.RawMessage `json:"payload,omitempty"` // full-row JSON snapshot (nil for delete)
}

// PushResponse reports per-change outcomes for a push request.
type PushResponse struct {
	Accepted   bool           `json:"accepted"`
	ServerTime string         `json:"server_time"`
	Statuses   []ChangeStatus `json:"statuses"`
}

// ChangeStatus is the outcome of a single pushed change.
type ChangeStatus struct {
	Table          string          `json:"table"`
	RowID          string          `json:"row_id"`
	Status         string          `json:"status"`                     // applied, conflict, rejected
	NewSyncVersion *int64          `json:"new_sync_version,omitempty"` // set when applied
	ServerRow      json.RawMessage `json:"server_row,omitempty"`       // current server state when conflict
	Reason         string          `json:"reason,omitempty"`           // rejection reason
	Message        string          `json:"message,omitempty"`
}

// PullResponse carries rows modified since the client's watermark.
// ServerTime is the snapshot bound of the fetch; the client persists it as
// its new watermark so clock skew between devices cannot lose rows.
type PullResponse struct {
	Rows       []RowDown `json:"rows"`
	ServerTime string    `json:"server_time"`
	HasMore    bool      `json:"has_more"`
}

// RowDown is a single row in a pull response, with the sync metadata lifted
// out of the payload so the client can apply merge rules without parsing it.
type RowDown struct {
	Table          string          `json:"table"`
	RowID          string          `json:"row_id"`
	SyncVersion    int64           `json:"sync_version"`
	LastModifiedAt string          `json:"last_modified_at"`
	DeviceID       string          `json:"device_id"`
	Deleted        bool            `json:"deleted"`
	Payload        json.RawMessage `json:"payload"` // full row, metadata columns included
}

// AuthTokens is the token pair issued by the identity endpoints.
type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

// AnonymousResponse is returned by POST /auth/anonymous. UserID is the
// durable identifier; it never changes for the life of the identity.
type AnonymousResponse struct {
	UserID string     `json:"user_id"`
	Tokens AuthTokens `json:"tokens"`
}

// RestoreRequest exchanges a saved refresh token for a new session on the
// same anonymous identity.
type RestoreRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RestoreResponse mirrors AnonymousResponse for a restored session.
type RestoreResponse struct {
	UserID string     `json:"user_id"`
	Tokens AuthTokens `json:"tokens"`
}

// ConvertRequest attaches credentials to the authenticated (anonymous)
// identity. The durable user id is taken from the bearer token and is not
// changed by conversion.
type ConvertRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ConvertResponse confirms a conversion.
type ConvertResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
