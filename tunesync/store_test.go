package tunesync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

func TestCreateTuneStampsMetadataAndEnqueues(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	_, err := client.drainQueue(ctx) // discard the profile entry
	require.NoError(t, err)

	tune := &Tune{Title: "Morrison's", UserRef: strPtr("user-1")}
	require.NoError(t, client.CreateTune(ctx, tune))
	require.NotEmpty(t, tune.ID, "id is assigned client-side")

	stored, err := client.GetTune(ctx, tune.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "Morrison's", stored.Title)
	require.Equal(t, "device-1", stored.DeviceID)
	require.NotEmpty(t, stored.LastModifiedAt)
	require.Equal(t, int64(0), stored.SyncVersion, "version stays 0 until the server accepts the row")

	// A single coalesced queue entry carrying the full row.
	entries, err := client.drainQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, tunestore.OpInsert, entries[0].Op)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	require.Equal(t, tune.ID, payload["id"])
	require.Equal(t, "Morrison's", payload["title"])
	require.Equal(t, "device-1", payload["device_id"])
}

func TestUpdateTuneCoalescesWithPendingInsert(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	_, err := client.drainQueue(ctx)
	require.NoError(t, err)

	tune := &Tune{Title: "Draft", UserRef: strPtr("user-1")}
	require.NoError(t, client.CreateTune(ctx, tune))

	tune.Title = "Final"
	require.NoError(t, client.UpdateTune(ctx, tune))

	entries, err := client.drainQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, tunestore.OpInsert, entries[0].Op, "row never left this device")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	require.Equal(t, "Final", payload["title"])
}

func TestSoftDeleteFlagsRowAndEnqueuesDelete(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	tune := &Tune{Title: "Retired", UserRef: strPtr("user-1")}
	require.NoError(t, client.CreateTune(ctx, tune))
	_, err := client.drainQueue(ctx)
	require.NoError(t, err)

	require.NoError(t, client.SoftDelete(ctx, TableTune, tune.ID))

	// The row survives physically, flagged deleted; reads skip it.
	var deleted int
	require.NoError(t, client.DB.QueryRow(`SELECT deleted FROM tune WHERE id = ?`, tune.ID).Scan(&deleted))
	require.Equal(t, 1, deleted)

	gone, err := client.GetTune(ctx, tune.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	entries, err := client.drainQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, tunestore.OpDelete, entries[0].Op)
	require.Nil(t, entries[0].Payload)
}

func TestSoftDeleteMissingRowFails(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	err := client.SoftDelete(context.Background(), TableTune, NewID())
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestListTunesScopesToPublicAndOwn(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	mustCreateProfile(t, client, "user-2")

	require.NoError(t, client.CreateTune(ctx, &Tune{Title: "Public Reel"}))
	require.NoError(t, client.CreateTune(ctx, &Tune{Title: "Mine", UserRef: strPtr("user-1")}))
	require.NoError(t, client.CreateTune(ctx, &Tune{Title: "Someone Else's", UserRef: strPtr("user-2")}))

	tunes, err := client.ListTunes(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, tunes, 2)

	titles := []string{tunes[0].Title, tunes[1].Title}
	require.ElementsMatch(t, []string{"Public Reel", "Mine"}, titles)
}

func TestPracticeRecordRoundTrip(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	tune := &Tune{Title: "The Maid Behind the Bar", UserRef: strPtr("user-1")}
	require.NoError(t, client.CreateTune(ctx, tune))

	quality := int64(4)
	easiness := 2.6
	record := &PracticeRecord{
		TuneRef:  tune.ID,
		UserRef:  "user-1",
		Quality:  &quality,
		Easiness: &easiness,
	}
	require.NoError(t, client.AddPracticeRecord(ctx, record))

	records, err := client.ListPracticeRecords(ctx, "user-1", tune.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(4), *records[0].Quality)
	require.InDelta(t, 2.6, *records[0].Easiness, 0.001)
}

func TestTeardownClearsDataButKeepsDeviceID(t *testing.T) {
	db := newTestDB(t)
	deviceID, err := EnsureDeviceID(db)
	require.NoError(t, err)

	tokenFunc := func(ctx context.Context) (string, error) { return "t", nil }
	client, err := NewClient(db, "", "user-1", deviceID, tokenFunc, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	require.NoError(t, client.CreateTune(ctx, &Tune{Title: "Ephemeral", UserRef: strPtr("user-1")}))

	require.NoError(t, client.Teardown(ctx))

	var tunes, profiles, pending int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM tune`).Scan(&tunes))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM user_profile`).Scan(&profiles))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _sync_queue`).Scan(&pending))
	require.Equal(t, 0, tunes)
	require.Equal(t, 0, profiles)
	require.Equal(t, 0, pending)

	// The device id belongs to the install, not the user.
	after, err := EnsureDeviceID(db)
	require.NoError(t, err)
	require.Equal(t, deviceID, after)
}
