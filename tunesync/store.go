package tunesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sboagy/tunetrees-sync/tunestore"
)

// SyncMeta is the metadata every synchronizable row carries. sync_version is
// server-owned: it starts at 0 for locally created rows and is only advanced
// when the remote store accepts a write.
type SyncMeta struct {
	Deleted        bool   `json:"deleted"`
	SyncVersion    int64  `json:"sync_version"`
	LastModifiedAt string `json:"last_modified_at"`
	DeviceID       string `json:"device_id"`
}

// Tune is a catalog record. UserRef nil means a shared/public row: edits by
// non-owners go through the override layer instead of mutating it.
type Tune struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Type      *string `json:"type"`
	Structure *string `json:"structure"`
	Mode      *string `json:"mode"`
	Incipit   *string `json:"incipit"`
	Genre     *string `json:"genre"`
	UserRef   *string `json:"user_ref"`
	SyncMeta
}

// OwnedBy reports whether the tune is owned outright by the given user.
func (t *Tune) OwnedBy(userID string) bool {
	return t.UserRef != nil && *t.UserRef == userID
}

// Playlist groups tunes per instrument for one user.
type Playlist struct {
	ID          string  `json:"id"`
	UserRef     string  `json:"user_ref"`
	Instrument  *string `json:"instrument"`
	Description *string `json:"description"`
	SyncMeta
}

// PlaylistTune links a tune into a playlist.
type PlaylistTune struct {
	ID          string `json:"id"`
	PlaylistRef string `json:"playlist_ref"`
	TuneRef     string `json:"tune_ref"`
	UserRef     string `json:"user_ref"`
	Current     bool   `json:"current"`
	Learning    bool   `json:"learning"`
	SyncMeta
}

// PracticeRecord holds one practice evaluation. The spaced-repetition fields
// are opaque to the sync core; it moves them, it never computes them.
type PracticeRecord struct {
	ID          string   `json:"id"`
	TuneRef     string   `json:"tune_ref"`
	PlaylistRef *string  `json:"playlist_ref"`
	UserRef     string   `json:"user_ref"`
	Practiced   *string  `json:"practiced"`
	Quality     *int64   `json:"quality"`
	Easiness    *float64 `json:"easiness"`
	Interval    *int64   `json:"interval"`
	Repetitions *int64   `json:"repetitions"`
	ReviewDate  *string  `json:"review_date"`
	SyncMeta
}

// UserProfile is the identity record. ID is the durable identifier: it is
// created once and survives the anonymous-to-registered transition, so
// foreign keys referencing it are never rewritten.
type UserProfile struct {
	ID          string  `json:"id"`
	Email       *string `json:"email"`
	Name        *string `json:"name"`
	IsAnonymous bool    `json:"is_anonymous"`
	SyncMeta
}

// NewID returns a client-generated identifier, unique across the whole
// distributed system without coordination.
func NewID() string { return uuid.New().String() }

// saveRecord writes a full-row snapshot locally and enqueues it in a single
// transaction, then publishes the table's domain signal. The caller controls
// op (insert for new rows, update otherwise).
func (c *Client) saveRecord(ctx context.Context, table, rowID string, record any, op string) error {
	payload, err := stampPayload(record, c.DeviceID)
	if err != nil {
		return err
	}

	version, err := c.localSyncVersion(ctx, table, rowID)
	if err != nil {
		return fmt.Errorf("failed to read local version for %s.%s: %w", table, rowID, err)
	}

	c.writeMu.Lock()
	err = func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin save transaction: %w", err)
		}
		defer tx.Rollback()

		down := &tunestore.RowDown{
			Table:          table,
			RowID:          rowID,
			SyncVersion:    version,
			LastModifiedAt: tunestore.FormatTime(time.Now()),
			DeviceID:       c.DeviceID,
			Payload:        payload,
		}
		if err := c.upsertRowInTx(ctx, tx, down); err != nil {
			return err
		}
		if err := enqueueInTx(ctx, tx, table, rowID, op, payload); err != nil {
			return err
		}
		return tx.Commit()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.Signals.Publish(topicForTable(table))
	return nil
}

// SoftDelete marks a row deleted locally and enqueues the deletion. Rows are
// never physically removed by normal operations.
func (c *Client) SoftDelete(ctx context.Context, table, rowID string) error {
	c.writeMu.Lock()
	err := func() error {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin delete transaction: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE "`+quoteTable(table)+`" SET deleted = 1, last_modified_at = ?, device_id = ? WHERE id = ?`,
			tunestore.FormatTime(time.Now()), c.DeviceID, rowID)
		if err != nil {
			return fmt.Errorf("failed to soft-delete %s.%s: %w", table, rowID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("row %s.%s does not exist", table, rowID)
		}
		if err := enqueueInTx(ctx, tx, table, rowID, tunestore.OpDelete, nil); err != nil {
			return err
		}
		return tx.Commit()
	}()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.Signals.Publish(topicForTable(table))
	return nil
}

// stampPayload marshals a record and stamps the mutation metadata the local
// write path owns. sync_version is left as the record carries it.
func stampPayload(record any, deviceID string) (json.RawMessage, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to rebuild record payload: %w", err)
	}
	fields["last_modified_at"] = tunestore.FormatTime(time.Now())
	fields["device_id"] = deviceID
	return json.Marshal(fields)
}

// CreateTune inserts a locally authored tune and enqueues it.
func (c *Client) CreateTune(ctx context.Context, tune *Tune) error {
	if tune.ID == "" {
		tune.ID = NewID()
	}
	return c.saveRecord(ctx, TableTune, tune.ID, tune, tunestore.OpInsert)
}

// UpdateTune rewrites an owned tune in place. Callers editing a tune they do
// not own must go through the override layer instead.
func (c *Client) UpdateTune(ctx context.Context, tune *Tune) error {
	return c.saveRecord(ctx, TableTune, tune.ID, tune, tunestore.OpUpdate)
}

// GetTune loads one tune, including soft-deleted rows when asked.
func (c *Client) GetTune(ctx context.Context, id string) (*Tune, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT id, title, type, structure, mode, incipit, genre, user_ref,
		       deleted, sync_version, last_modified_at, device_id
		FROM tune WHERE id = ? AND deleted = 0
	`, id)
	return scanTune(row)
}

func scanTune(row *sql.Row) (*Tune, error) {
	var t Tune
	var deleted int
	err := row.Scan(&t.ID, &t.Title, &t.Type, &t.Structure, &t.Mode, &t.Incipit, &t.Genre, &t.UserRef,
		&deleted, &t.SyncVersion, &t.LastModifiedAt, &t.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tune: %w", err)
	}
	t.Deleted = deleted != 0
	return &t, nil
}

// ListTunes returns the non-deleted tunes visible to a user: public catalog
// rows plus rows the user owns.
func (c *Client) ListTunes(ctx context.Context, userID string) ([]Tune, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, title, type, structure, mode, incipit, genre, user_ref,
		       deleted, sync_version, last_modified_at, device_id
		FROM tune
		WHERE deleted = 0 AND (user_ref IS NULL OR user_ref = ?)
		ORDER BY title
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tunes: %w", err)
	}
	defer rows.Close()

	var tunes []Tune
	for rows.Next() {
		var t Tune
		var deleted int
		if err := rows.Scan(&t.ID, &t.Title, &t.Type, &t.Structure, &t.Mode, &t.Incipit, &t.Genre, &t.UserRef,
			&deleted, &t.SyncVersion, &t.LastModifiedAt, &t.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan tune: %w", err)
		}
		t.Deleted = deleted != 0
		tunes = append(tunes, t)
	}
	return tunes, rows.Err()
}

// CreatePlaylist inserts a playlist and enqueues it.
func (c *Client) CreatePlaylist(ctx context.Context, playlist *Playlist) error {
	if playlist.ID == "" {
		playlist.ID = NewID()
	}
	return c.saveRecord(ctx, TablePlaylist, playlist.ID, playlist, tunestore.OpInsert)
}

// UpdatePlaylist rewrites a playlist in place.
func (c *Client) UpdatePlaylist(ctx context.Context, playlist *Playlist) error {
	return c.saveRecord(ctx, TablePlaylist, playlist.ID, playlist, tunestore.OpUpdate)
}

// AddPlaylistTune links a tune into a playlist.
func (c *Client) AddPlaylistTune(ctx context.Context, link *PlaylistTune) error {
	if link.ID == "" {
		link.ID = NewID()
	}
	return c.saveRecord(ctx, TablePlaylistTune, link.ID, link, tunestore.OpInsert)
}

// AddPracticeRecord records a practice evaluation and enqueues it. The
// caller typically follows with SyncDownTables([practice_record]) for a
// low-latency refresh of just the practice scope.
func (c *Client) AddPracticeRecord(ctx context.Context, record *PracticeRecord) error {
	if record.ID == "" {
		record.ID = NewID()
	}
	return c.saveRecord(ctx, TablePracticeRecord, record.ID, record, tunestore.OpInsert)
}

// ListPracticeRecords returns a user's non-deleted practice history for one
// tune, newest first.
func (c *Client) ListPracticeRecords(ctx context.Context, userID, tuneID string) ([]PracticeRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, tune_ref, playlist_ref, user_ref, practiced, quality, easiness,
		       interval, repetitions, review_date,
		       deleted, sync_version, last_modified_at, device_id
		FROM practice_record
		WHERE deleted = 0 AND user_ref = ? AND tune_ref = ?
		ORDER BY practiced DESC
	`, userID, tuneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list practice records: %w", err)
	}
	defer rows.Close()

	var records []PracticeRecord
	for rows.Next() {
		var r PracticeRecord
		var deleted int
		if err := rows.Scan(&r.ID, &r.TuneRef, &r.PlaylistRef, &r.UserRef, &r.Practiced, &r.Quality, &r.Easiness,
			&r.Interval, &r.Repetitions, &r.ReviewDate,
			&deleted, &r.SyncVersion, &r.LastModifiedAt, &r.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan practice record: %w", err)
		}
		r.Deleted = deleted != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveUserProfile upserts the identity record locally. op should be insert
// for a brand-new identity and update for mutations such as conversion.
func (c *Client) SaveUserProfile(ctx context.Context, profile *UserProfile, op string) error {
	return c.saveRecord(ctx, TableUserProfile, profile.ID, profile, op)
}

// GetUserProfile loads one identity record.
func (c *Client) GetUserProfile(ctx context.Context, id string) (*UserProfile, error) {
	var p UserProfile
	var deleted, anonymous int
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, email, name, is_anonymous, deleted, sync_version, last_modified_at, device_id
		FROM user_profile WHERE id = ?
	`, id).Scan(&p.ID, &p.Email, &p.Name, &anonymous, &deleted, &p.SyncVersion, &p.LastModifiedAt, &p.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	p.IsAnonymous = anonymous != 0
	p.Deleted = deleted != 0
	return &p, nil
}
