package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// newTestDB creates an in-memory SQLite database. A single connection keeps
// the in-memory store and its pragmas stable across calls.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestClient creates a sync client for one device against the given base
// URL (empty for tests that never touch the network).
func newTestClient(t *testing.T, baseURL, userID, deviceID string) *Client {
	t.Helper()
	db := newTestDB(t)
	tokenFunc := func(ctx context.Context) (string, error) { return "test-token", nil }
	client, err := NewClient(db, baseURL, userID, deviceID, tokenFunc, nil, nil)
	require.NoError(t, err)
	return client
}

// fakeRemote is an in-memory stand-in for the remote store, speaking the push
// and pull wire protocol with the same version-gate semantics.
type fakeRemote struct {
	mu   sync.Mutex
	rows map[string]map[string]*tunestore.RowDown // table -> row id
	srv  *httptest.Server

	// failing makes every request return 500, for transport-failure tests.
	failing bool
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{rows: make(map[string]map[string]*tunestore.RowDown)}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", f.handlePush)
	mux.HandleFunc("/sync/pull", f.handlePull)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) URL() string { return f.srv.URL }

func (f *fakeRemote) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// seed installs a row server-side without going through push.
func (f *fakeRemote) seed(table, rowID string, version int64, deviceID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]*tunestore.RowDown)
	}
	f.rows[table][rowID] = &tunestore.RowDown{
		Table:          table,
		RowID:          rowID,
		SyncVersion:    version,
		LastModifiedAt: tunestore.FormatTime(time.Now()),
		DeviceID:       deviceID,
		Payload:        raw,
	}
}

// setModified pins a seeded row's timestamp, so tests can model several rows
// committed under one server clock reading.
func (f *fakeRemote) setModified(table, rowID, ts string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table][rowID].LastModifiedAt = ts
}

// markDeleted tombstones a seeded row as if another device had deleted it.
func (f *fakeRemote) markDeleted(table, rowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[table][rowID]
	row.Deleted = true
	row.SyncVersion++
	row.LastModifiedAt = tunestore.FormatTime(time.Now())
}

func (f *fakeRemote) row(table, rowID string) *tunestore.RowDown {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[table] == nil {
		return nil
	}
	return f.rows[table][rowID]
}

func (f *fakeRemote) handlePush(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		http.Error(w, "remote unavailable", http.StatusInternalServerError)
		return
	}

	var req tunestore.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := tunestore.FormatTime(time.Now())
	resp := tunestore.PushResponse{Accepted: true, ServerTime: now}
	for _, ch := range req.Changes {
		if f.rows[ch.Table] == nil {
			f.rows[ch.Table] = make(map[string]*tunestore.RowDown)
		}
		cur := f.rows[ch.Table][ch.RowID]
		status := tunestore.ChangeStatus{Table: ch.Table, RowID: ch.RowID}

		switch {
		case ch.Op == tunestore.OpInsert && cur != nil:
			status.Status = tunestore.StatusConflict
			status.ServerRow, _ = json.Marshal(cur)

		case ch.Op == tunestore.OpInsert:
			newVersion := int64(1)
			f.rows[ch.Table][ch.RowID] = &tunestore.RowDown{
				Table: ch.Table, RowID: ch.RowID, SyncVersion: newVersion,
				LastModifiedAt: now, DeviceID: payloadDeviceID(ch.Payload), Payload: ch.Payload,
			}
			status.Status = tunestore.StatusApplied
			status.NewSyncVersion = &newVersion

		case cur == nil && ch.Op == tunestore.OpDelete:
			// Idempotent: deleting a row the server never had.
			status.Status = tunestore.StatusApplied

		case cur == nil:
			status.Status = tunestore.StatusRejected
			status.Reason = tunestore.ReasonMissingRow

		case cur.SyncVersion != ch.BaseVersion:
			status.Status = tunestore.StatusConflict
			status.ServerRow, _ = json.Marshal(cur)

		case ch.Op == tunestore.OpDelete:
			newVersion := cur.SyncVersion + 1
			cur.SyncVersion = newVersion
			cur.Deleted = true
			cur.LastModifiedAt = now
			status.Status = tunestore.StatusApplied
			status.NewSyncVersion = &newVersion

		default: // update
			newVersion := cur.SyncVersion + 1
			cur.SyncVersion = newVersion
			cur.LastModifiedAt = now
			cur.DeviceID = payloadDeviceID(ch.Payload)
			cur.Payload = ch.Payload
			status.Status = tunestore.StatusApplied
			status.NewSyncVersion = &newVersion
		}

		resp.Statuses = append(resp.Statuses, status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeRemote) handlePull(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		http.Error(w, "remote unavailable", http.StatusInternalServerError)
		return
	}

	tables := strings.Split(r.URL.Query().Get("tables"), ",")
	since := r.URL.Query().Get("since")
	sinceID := r.URL.Query().Get("since_id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}

	// Per-table limit and compound (since, since_id) cursor, matching the
	// server: a table with fewer rows than the limit is complete up to the
	// snapshot bound, and rows at exactly the since timestamp are filtered
	// by row id.
	resp := tunestore.PullResponse{ServerTime: tunestore.FormatTime(time.Now())}
	for _, table := range tables {
		var out []tunestore.RowDown
		for _, row := range f.rows[table] {
			switch {
			case since == "":
				out = append(out, *row)
			case row.LastModifiedAt > since:
				out = append(out, *row)
			case row.LastModifiedAt == since && row.RowID > sinceID:
				out = append(out, *row)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].LastModifiedAt != out[j].LastModifiedAt {
				return out[i].LastModifiedAt < out[j].LastModifiedAt
			}
			return out[i].RowID < out[j].RowID
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
			resp.HasMore = true
		}
		resp.Rows = append(resp.Rows, out...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func payloadDeviceID(payload json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	if id, ok := fields["device_id"].(string); ok {
		return id
	}
	return ""
}

// tunePayload builds a full tune row payload for seeding.
func tunePayload(id, title string, userRef *string) map[string]any {
	return map[string]any{
		"id": id, "title": title, "type": nil, "structure": nil, "mode": nil,
		"incipit": nil, "genre": nil, "user_ref": userRef,
		"deleted": false, "sync_version": int64(0),
		"last_modified_at": tunestore.FormatTime(time.Now()),
		"device_id":        "seed-device",
	}
}

func profilePayload(id string) map[string]any {
	return map[string]any{
		"id": id, "email": nil, "name": nil, "is_anonymous": true,
		"deleted": false, "sync_version": int64(0),
		"last_modified_at": tunestore.FormatTime(time.Now()),
		"device_id":        "seed-device",
	}
}

// mustCreateProfile inserts the local identity row so foreign keys on the
// domain tables are satisfied.
func mustCreateProfile(t *testing.T, c *Client, userID string) {
	t.Helper()
	err := c.SaveUserProfile(context.Background(), &UserProfile{ID: userID, IsAnonymous: true}, tunestore.OpInsert)
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }
