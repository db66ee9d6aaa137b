// Package tunesync implements the local-first sync core for the tunetrees
// practice tracker: an embedded SQLite mirror of the remote store, a durable
// coalescing change queue, bidirectional reconciliation with optimistic
// concurrency, a per-user override layer for shared catalog records, and the
// anonymous-to-registered identity lifecycle.
package tunesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Synchronizable tables. Every row in these tables carries the sync metadata
// columns (deleted, sync_version, last_modified_at, device_id).
const (
	TableTune           = "tune"
	TablePlaylist       = "playlist"
	TablePlaylistTune   = "playlist_tune"
	TablePracticeRecord = "practice_record"
	TableTuneOverride   = "tune_override"
	TableUserProfile    = "user_profile"
)

// SyncTables is the full fixed schema, in dependency order.
var SyncTables = []string{
	TableUserProfile,
	TableTune,
	TablePlaylist,
	TablePlaylistTune,
	TablePracticeRecord,
	TableTuneOverride,
}

// TokenFunc returns a bearer token for remote calls.
type TokenFunc func(ctx context.Context) (string, error)

// Client owns the local SQLite mirror and is the only component that talks
// to the remote store.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    TokenFunc
	DeviceID string
	UserID   string
	HTTP     *http.Client
	Signals  *SignalHub

	config *Config
	logger *slog.Logger

	// Serializes local write transactions (queue drains, pull merges,
	// store writes) against each other.
	writeMu sync.Mutex

	// Single in-flight operation per direction; a second request while one
	// is running is coalesced into a no-op result.
	pushGate inflightGate
	pullGate inflightGate
}

// Config holds configuration for the sync client.
type Config struct {
	Tables       []string      // synchronizable tables, defaults to SyncTables
	PushLimit    int           // max queue entries per push batch
	PullLimit    int           // max rows per pull page
	PushInterval time.Duration // periodic background push cadence
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	HTTPTimeout  time.Duration // bound on any single remote call
}

// DefaultConfig returns the standard client configuration.
func DefaultConfig() *Config {
	return &Config{
		Tables:       SyncTables,
		PushLimit:    200,
		PullLimit:    1000,
		PushInterval: 5 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		HTTPTimeout:  30 * time.Second,
	}
}

// NewClient creates a sync client bound to one user identity on one device.
// The database is initialized (domain tables plus sync metadata tables) and
// misconfiguration fails fast here.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok TokenFunc, config *Config, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Tables) == 0 {
		config.Tables = SyncTables
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := InitializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		DeviceID: deviceID,
		UserID:   userID,
		HTTP:     &http.Client{Timeout: config.HTTPTimeout},
		Signals:  NewSignalHub(),
		config:   config,
		logger:   logger,
	}
	return client, nil
}

// EnsureDeviceID generates and persists a per-install device identifier if
// not already present. The id is stable for the life of the install and not
// tied to any user identity.
func EnsureDeviceID(db *sql.DB) (string, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _sync_device (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		device_id TEXT NOT NULL
	)`); err != nil {
		return "", fmt.Errorf("failed to create device table: %w", err)
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_device WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _sync_device (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device id: %w", err)
	}
	return deviceID, nil
}

// InitializeDatabase creates the domain tables and sync metadata tables.
func InitializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Durable user identity. The id never changes across the
		// anonymous-to-registered transition, so foreign keys referencing
		// it never need a bulk rewrite.
		`CREATE TABLE IF NOT EXISTS user_profile (
			id               TEXT PRIMARY KEY,
			email            TEXT,
			name             TEXT,
			is_anonymous     INTEGER NOT NULL DEFAULT 1,
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		// Shared/public catalog rows have user_ref NULL; rows owned
		// outright carry the owner's durable id and bypass the override
		// layer on edit.
		`CREATE TABLE IF NOT EXISTS tune (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			type             TEXT,
			structure        TEXT,
			mode             TEXT,
			incipit          TEXT,
			genre            TEXT,
			user_ref         TEXT REFERENCES user_profile(id),
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS playlist (
			id               TEXT PRIMARY KEY,
			user_ref         TEXT NOT NULL REFERENCES user_profile(id),
			instrument       TEXT,
			description      TEXT,
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS playlist_tune (
			id               TEXT PRIMARY KEY,
			playlist_ref     TEXT NOT NULL REFERENCES playlist(id),
			tune_ref         TEXT NOT NULL REFERENCES tune(id),
			user_ref         TEXT NOT NULL REFERENCES user_profile(id),
			current          INTEGER NOT NULL DEFAULT 0,
			learning         INTEGER NOT NULL DEFAULT 0,
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		// Spaced-repetition fields (quality, easiness, interval,
		// repetitions, review_date) are opaque to the sync core.
		`CREATE TABLE IF NOT EXISTS practice_record (
			id               TEXT PRIMARY KEY,
			tune_ref         TEXT NOT NULL REFERENCES tune(id),
			playlist_ref     TEXT REFERENCES playlist(id),
			user_ref         TEXT NOT NULL REFERENCES user_profile(id),
			practiced        TEXT,
			quality          INTEGER,
			easiness         REAL,
			interval         INTEGER,
			repetitions      INTEGER,
			review_date      TEXT,
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		// Per-user overlay on a shared tune. Only non-null fields are
		// overrides; null defers to the base record.
		`CREATE TABLE IF NOT EXISTS tune_override (
			id               TEXT PRIMARY KEY,
			tune_ref         TEXT NOT NULL REFERENCES tune(id),
			user_ref         TEXT NOT NULL REFERENCES user_profile(id),
			title            TEXT,
			type             TEXT,
			structure        TEXT,
			mode             TEXT,
			incipit          TEXT,
			genre            TEXT,
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_version     INTEGER NOT NULL DEFAULT 0,
			last_modified_at TEXT NOT NULL,
			device_id        TEXT NOT NULL
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS tune_override_active_idx
			ON tune_override (tune_ref, user_ref) WHERE deleted = 0`,

		// Pending queue (coalesced, one row per table+row). base_version is
		// captured at first enqueue: it is the version the whole pending
		// change was based on, and later pulls must not refresh it.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			table_name   TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
			base_version INTEGER NOT NULL DEFAULT 0,
			payload      TEXT,
			enqueued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (table_name, row_id)
		)`,

		// Per-scope pull watermark. Scope is a table name, or 'global' for
		// the display/introspection row. last_row_id extends the timestamp
		// into a compound cursor so a page cut inside a group of rows
		// sharing one timestamp can resume mid-group.
		`CREATE TABLE IF NOT EXISTS _sync_watermark (
			scope             TEXT PRIMARY KEY,
			last_sync_down_at TEXT,
			last_row_id       TEXT NOT NULL DEFAULT '',
			mode              TEXT NOT NULL DEFAULT 'full'
		)`,

		// Suspended anonymous session (one row), used to restore a prior
		// anonymous identity instead of orphaning its local data.
		`CREATE TABLE IF NOT EXISTS _saved_session (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			user_id       TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			saved_at      TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Start runs the initial pull and the periodic background push loop. The
// loops stop when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.SyncDown(ctx, SyncDownOptions{}); err != nil {
		return fmt.Errorf("startup pull failed: %w", err)
	}
	go c.pusherLoop(ctx)
	return nil
}

// pusherLoop pushes the change queue on a timer, backing off exponentially
// after failed rounds.
func (c *Client) pusherLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.PushInterval):
		}

		result, err := c.SyncUp(ctx)
		if err != nil || !result.Success {
			time.Sleep(backoff)
			backoff = backoff * 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		} else {
			backoff = c.config.BackoffMin
		}
	}
}

// Teardown clears all local data for the active user: domain rows, pending
// queue, and watermarks. The device id survives; it belongs to the install,
// not the user.
func (c *Client) Teardown(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin teardown transaction: %w", err)
	}
	defer tx.Rollback()

	// Children before parents so FK checks hold.
	order := []string{TableTuneOverride, TablePracticeRecord, TablePlaylistTune, TablePlaylist, TableTune, TableUserProfile}
	for _, table := range order {
		if _, err := tx.ExecContext(ctx, `DELETE FROM "`+table+`"`); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_watermark`); err != nil {
		return fmt.Errorf("failed to clear watermarks: %w", err)
	}
	return tx.Commit()
}

func (c *Client) tableRegistered(table string) bool {
	for _, t := range c.config.Tables {
		if t == table {
			return true
		}
	}
	return false
}
