package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// TuneOverrideFields is the sparse set of overridable tune fields. Nil means
// "defer to the base record's value"; only non-nil fields represent an
// actual override and only those are ever transmitted.
type TuneOverrideFields struct {
	Title     *string `json:"title"`
	Type      *string `json:"type"`
	Structure *string `json:"structure"`
	Mode      *string `json:"mode"`
	Incipit   *string `json:"incipit"`
	Genre     *string `json:"genre"`
}

// TuneOverride is a per-user overlay on a shared tune. A user has at most
// one active override per base record.
type TuneOverride struct {
	ID      string `json:"id"`
	TuneRef string `json:"tune_ref"`
	UserRef string `json:"user_ref"`
	TuneOverrideFields
	SyncMeta
}

// merge applies later on top of earlier, field by field.
func (f *TuneOverrideFields) merge(update TuneOverrideFields) {
	if update.Title != nil {
		f.Title = update.Title
	}
	if update.Type != nil {
		f.Type = update.Type
	}
	if update.Structure != nil {
		f.Structure = update.Structure
	}
	if update.Mode != nil {
		f.Mode = update.Mode
	}
	if update.Incipit != nil {
		f.Incipit = update.Incipit
	}
	if update.Genre != nil {
		f.Genre = update.Genre
	}
}

// MergeTune overlays the override's non-nil fields onto the base record.
// The base record itself is never mutated; consumers see the merged view.
func MergeTune(base Tune, override *TuneOverride) Tune {
	if override == nil || override.Deleted {
		return base
	}
	merged := base
	if override.Title != nil {
		merged.Title = *override.Title
	}
	if override.Type != nil {
		merged.Type = override.Type
	}
	if override.Structure != nil {
		merged.Structure = override.Structure
	}
	if override.Mode != nil {
		merged.Mode = override.Mode
	}
	if override.Incipit != nil {
		merged.Incipit = override.Incipit
	}
	if override.Genre != nil {
		merged.Genre = override.Genre
	}
	return merged
}

// GetOverrideForTune returns the user's active override for a base tune, or
// nil when none exists.
func (c *Client) GetOverrideForTune(ctx context.Context, tuneID, userID string) (*TuneOverride, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT id, tune_ref, user_ref, title, type, structure, mode, incipit, genre,
		       deleted, sync_version, last_modified_at, device_id
		FROM tune_override
		WHERE tune_ref = ? AND user_ref = ? AND deleted = 0
	`, tuneID, userID)
	return scanOverride(row)
}

func scanOverride(row *sql.Row) (*TuneOverride, error) {
	var o TuneOverride
	var deleted int
	err := row.Scan(&o.ID, &o.TuneRef, &o.UserRef, &o.Title, &o.Type, &o.Structure, &o.Mode, &o.Incipit, &o.Genre,
		&deleted, &o.SyncVersion, &o.LastModifiedAt, &o.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan override: %w", err)
	}
	o.Deleted = deleted != 0
	return &o, nil
}

// GetOrCreateOverride returns the user's active override for a base tune,
// creating one lazily on first edit. Only the non-nil initial fields are
// enqueued, so a null never clobbers a field this user overrode from
// another device.
func (c *Client) GetOrCreateOverride(ctx context.Context, tuneID, userID string, initial TuneOverrideFields) (*TuneOverride, error) {
	existing, err := c.GetOverrideForTune(ctx, tuneID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	override := &TuneOverride{
		ID:                 NewID(),
		TuneRef:            tuneID,
		UserRef:            userID,
		TuneOverrideFields: initial,
	}
	if err := c.writeOverride(ctx, override, tunestore.OpInsert); err != nil {
		return nil, err
	}
	return override, nil
}

// UpdateOverride merges the provided fields into the override and re-enqueues
// the full set of currently non-nil fields. Sync always transmits a complete
// sparse snapshot of the override, not a diff, which keeps the server-side
// merge simple.
func (c *Client) UpdateOverride(ctx context.Context, overrideID string, fields TuneOverrideFields) (*TuneOverride, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT id, tune_ref, user_ref, title, type, structure, mode, incipit, genre,
		       deleted, sync_version, last_modified_at, device_id
		FROM tune_override
		WHERE id = ? AND deleted = 0
	`, overrideID)
	override, err := scanOverride(row)
	if err != nil {
		return nil, err
	}
	if override == nil {
		return nil, fmt.Errorf("override %s does not exist", overrideID)
	}

	override.merge(fields)
	if err := c.writeOverride(ctx, override, tunestore.OpUpdate); err != nil {
		return nil, err
	}
	return override, nil
}

// EditTune is the single edit entry point for tunes. Records the user owns
// outright are edited in place; shared/public records are redirected into
// the user's override overlay, leaving the original untouched.
func (c *Client) EditTune(ctx context.Context, tuneID, userID string, fields TuneOverrideFields) (*Tune, error) {
	base, err := c.GetTune(ctx, tuneID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, fmt.Errorf("tune %s does not exist", tuneID)
	}

	if base.OwnedBy(userID) {
		owned := *base
		fields.applyToTune(&owned)
		if err := c.UpdateTune(ctx, &owned); err != nil {
			return nil, err
		}
		return &owned, nil
	}

	override, err := c.GetOverrideForTune(ctx, tuneID, userID)
	if err != nil {
		return nil, err
	}
	if override == nil {
		override, err = c.GetOrCreateOverride(ctx, tuneID, userID, fields)
	} else {
		override, err = c.UpdateOverride(ctx, override.ID, fields)
	}
	if err != nil {
		return nil, err
	}
	merged := MergeTune(*base, override)
	return &merged, nil
}

// GetMergedTune returns the tune as one user sees it: override fields where
// present, base fields elsewhere. Other users see the base record unchanged.
func (c *Client) GetMergedTune(ctx context.Context, tuneID, userID string) (*Tune, error) {
	base, err := c.GetTune(ctx, tuneID)
	if err != nil || base == nil {
		return base, err
	}
	override, err := c.GetOverrideForTune(ctx, tuneID, userID)
	if err != nil {
		return nil, err
	}
	merged := MergeTune(*base, override)
	return &merged, nil
}

func (f *TuneOverrideFields) applyToTune(t *Tune) {
	if f.Title != nil {
		t.Title = *f.Title
	}
	if f.Type != nil {
		t.Type = f.Type
	}
	if f.Structure != nil {
		t.Structure = f.Structure
	}
	if f.Mode != nil {
		t.Mode = f.Mode
	}
	if f.Incipit != nil {
		t.Incipit = f.Incipit
	}
	if f.Genre != nil {
		t.Genre = f.Genre
	}
}

// writeOverride persists the override locally and enqueues its sparse
// payload: identity and reference columns plus only the non-nil override
// fields.
func (c *Client) writeOverride(ctx context.Context, override *TuneOverride, op string) error {
	payload, err := sparseOverridePayload(override, c.DeviceID)
	if err != nil {
		return err
	}

	version := override.SyncVersion

	c.writeMu.Lock()
	err = func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin override transaction: %w", err)
		}
		defer tx.Rollback()

		full, err := json.Marshal(override)
		if err != nil {
			return fmt.Errorf("failed to marshal override: %w", err)
		}
		down := &tunestore.RowDown{
			Table:          TableTuneOverride,
			RowID:          override.ID,
			SyncVersion:    version,
			LastModifiedAt: tunestore.FormatTime(time.Now()),
			DeviceID:       c.DeviceID,
			Payload:        full,
		}
		if err := c.upsertRowInTx(ctx, tx, down); err != nil {
			return err
		}
		if err := enqueueInTx(ctx, tx, TableTuneOverride, override.ID, op, payload); err != nil {
			return err
		}
		return tx.Commit()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.Signals.Publish(TopicTune)
	return nil
}

// sparseOverridePayload extracts only the set fields for transmission. The
// strongly typed fields struct replaces ad-hoc dictionary manipulation: the
// compiler knows every overridable field, and this helper is the one place
// that decides what goes on the wire.
func sparseOverridePayload(override *TuneOverride, deviceID string) (json.RawMessage, error) {
	fields := map[string]any{
		"id":               override.ID,
		"tune_ref":         override.TuneRef,
		"user_ref":         override.UserRef,
		"last_modified_at": tunestore.FormatTime(time.Now()),
		"device_id":        deviceID,
	}
	if override.Title != nil {
		fields["title"] = *override.Title
	}
	if override.Type != nil {
		fields["type"] = *override.Type
	}
	if override.Structure != nil {
		fields["structure"] = *override.Structure
	}
	if override.Mode != nil {
		fields["mode"] = *override.Mode
	}
	if override.Incipit != nil {
		fields["incipit"] = *override.Incipit
	}
	if override.Genre != nil {
		fields["genre"] = *override.Genre
	}
	return json.Marshal(fields)
}
