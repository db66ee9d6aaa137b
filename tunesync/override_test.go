package tunesync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

func TestMergeTuneOverlaysOnlySetFields(t *testing.T) {
	base := Tune{
		ID:    "t1",
		Title: "An Phis Fhliuch",
		Mode:  strPtr("Major"),
		Genre: strPtr("ITRAD"),
	}
	override := &TuneOverride{
		TuneOverrideFields: TuneOverrideFields{
			Title: strPtr("O'Farrell's Welcome"),
			// Mode stays nil: defer to base.
		},
	}

	merged := MergeTune(base, override)
	require.Equal(t, "O'Farrell's Welcome", merged.Title)
	require.Equal(t, "Major", *merged.Mode)
	require.Equal(t, "ITRAD", *merged.Genre)

	// The base value is untouched.
	require.Equal(t, "An Phis Fhliuch", base.Title)
}

func TestMergeTuneIgnoresDeletedOverride(t *testing.T) {
	base := Tune{ID: "t1", Title: "Original"}
	override := &TuneOverride{
		TuneOverrideFields: TuneOverrideFields{Title: strPtr("Renamed")},
		SyncMeta:           SyncMeta{Deleted: true},
	}
	merged := MergeTune(base, override)
	require.Equal(t, "Original", merged.Title)
}

func TestEditTuneOwnedRecordEditsInPlace(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	tune := &Tune{Title: "My Own Jig", UserRef: strPtr("user-1")}
	require.NoError(t, client.CreateTune(ctx, tune))

	edited, err := client.EditTune(ctx, tune.ID, "user-1", TuneOverrideFields{Title: strPtr("My Own Jig (rev)")})
	require.NoError(t, err)
	require.Equal(t, "My Own Jig (rev)", edited.Title)

	// No override row was created: the base record changed directly.
	override, err := client.GetOverrideForTune(ctx, tune.ID, "user-1")
	require.NoError(t, err)
	require.Nil(t, override)

	stored, err := client.GetTune(ctx, tune.ID)
	require.NoError(t, err)
	require.Equal(t, "My Own Jig (rev)", stored.Title)
}

func TestEditTuneSharedRecordCreatesOverride(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	shared := &Tune{Title: "The Sally Gardens", Mode: strPtr("Major")}
	require.NoError(t, client.CreateTune(ctx, shared)) // user_ref nil: public row

	merged, err := client.EditTune(ctx, shared.ID, "user-1", TuneOverrideFields{Title: strPtr("Sally Gardens (my setting)")})
	require.NoError(t, err)
	require.Equal(t, "Sally Gardens (my setting)", merged.Title)
	require.Equal(t, "Major", *merged.Mode)

	// The shared record is untouched; other users keep seeing the original.
	base, err := client.GetTune(ctx, shared.ID)
	require.NoError(t, err)
	require.Equal(t, "The Sally Gardens", base.Title)

	other, err := client.GetMergedTune(ctx, shared.ID, "user-2")
	require.NoError(t, err)
	require.Equal(t, "The Sally Gardens", other.Title)

	mine, err := client.GetMergedTune(ctx, shared.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, "Sally Gardens (my setting)", mine.Title)
}

func TestEditTuneSecondEditMergesIntoExistingOverride(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	shared := &Tune{Title: "Cooley's", Mode: strPtr("Dorian")}
	require.NoError(t, client.CreateTune(ctx, shared))

	_, err := client.EditTune(ctx, shared.ID, "user-1", TuneOverrideFields{Title: strPtr("Cooley's Reel")})
	require.NoError(t, err)
	_, err = client.EditTune(ctx, shared.ID, "user-1", TuneOverrideFields{Genre: strPtr("ITRAD")})
	require.NoError(t, err)

	// Both edits live in one override; at most one active override per
	// (tune, user).
	var count int
	require.NoError(t, client.DB.QueryRow(
		`SELECT COUNT(*) FROM tune_override WHERE tune_ref = ? AND user_ref = 'user-1' AND deleted = 0`,
		shared.ID).Scan(&count))
	require.Equal(t, 1, count)

	mine, err := client.GetMergedTune(ctx, shared.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, "Cooley's Reel", mine.Title)
	require.Equal(t, "ITRAD", *mine.Genre)
	require.Equal(t, "Dorian", *mine.Mode)
}

func TestOverrideEnqueuesSparsePayload(t *testing.T) {
	client := newTestClient(t, "", "user-1", "device-1")
	ctx := context.Background()

	mustCreateProfile(t, client, "user-1")
	shared := &Tune{Title: "The Banshee"}
	require.NoError(t, client.CreateTune(ctx, shared))

	// Drain the profile/tune entries so only the override remains.
	_, err := client.drainQueue(ctx)
	require.NoError(t, err)

	_, err = client.EditTune(ctx, shared.ID, "user-1", TuneOverrideFields{Title: strPtr("The Banshee (slow)")})
	require.NoError(t, err)

	entries, err := client.drainQueue(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, TableTuneOverride, entries[0].Table)
	require.Equal(t, tunestore.OpInsert, entries[0].Op)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))

	// Identity and reference columns plus the one overridden field; unset
	// fields are absent, not null, so they can never clobber server state.
	require.Equal(t, "The Banshee (slow)", payload["title"])
	require.Equal(t, shared.ID, payload["tune_ref"])
	require.Equal(t, "user-1", payload["user_ref"])
	require.NotContains(t, payload, "mode")
	require.NotContains(t, payload, "genre")
	require.NotContains(t, payload, "incipit")
}
