package tunesync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// SessionState is the anonymous-identity lifecycle:
//
//	NoSession -> AnonymousActive -> AnonymousSuspended -> AnonymousActive (restored)
//	                                                   -> RegisteredActive (converted)
type SessionState int

const (
	NoSession SessionState = iota
	AnonymousActive
	AnonymousSuspended
	RegisteredActive
)

func (s SessionState) String() string {
	switch s {
	case NoSession:
		return "no_session"
	case AnonymousActive:
		return "anonymous_active"
	case AnonymousSuspended:
		return "anonymous_suspended"
	case RegisteredActive:
		return "registered_active"
	default:
		return "unknown"
	}
}

// Session is the explicit session state passed to the sync engine; there is
// no ambient global. UserID is the durable identifier and never changes for
// the life of the identity, anonymous or registered.
type Session struct {
	mu     sync.RWMutex
	state  SessionState
	userID string
	tokens tunestore.AuthTokens
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID returns the durable user identifier.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Token implements TokenFunc for the sync client.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != AnonymousActive && s.state != RegisteredActive {
		return "", fmt.Errorf("no active session (state %s)", s.state)
	}
	return s.tokens.AccessToken, nil
}

// ErrSessionRestoreFailed marks a restore attempt rejected by the identity
// provider (expired or superseded credentials).
var ErrSessionRestoreFailed = errors.New("saved session could not be restored")

// IdentityResolver produces the per-install device id and manages the
// anonymous-to-registered identity transition against the remote identity
// provider.
type IdentityResolver struct {
	db       *sql.DB
	baseURL  string
	deviceID string
	http     *http.Client
	logger   *slog.Logger
}

// NewIdentityResolver ensures the device id exists and returns a resolver.
func NewIdentityResolver(db *sql.DB, baseURL string, logger *slog.Logger) (*IdentityResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deviceID, err := EnsureDeviceID(db)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _saved_session (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		user_id       TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		saved_at      TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create saved session table: %w", err)
	}
	return &IdentityResolver{
		db:       db,
		baseURL:  baseURL,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}, nil
}

// DeviceID returns the stable per-install device identifier.
func (r *IdentityResolver) DeviceID() string { return r.deviceID }

// SignInAnonymously resolves an anonymous session. A previously suspended
// session is restored first, preserving the prior local data; only when
// restoration is rejected does it fall back to a brand-new identity, which
// necessarily orphans local rows written under the old identifier.
func (r *IdentityResolver) SignInAnonymously(ctx context.Context) (*Session, error) {
	if saved, err := r.savedSession(ctx); err != nil {
		return nil, err
	} else if saved != nil {
		session, err := r.restoreSession(ctx, saved.refreshToken)
		if err == nil {
			r.logger.Info("restored previous anonymous session", "user_id", session.UserID())
			return session, nil
		}
		if !errors.Is(err, ErrSessionRestoreFailed) {
			return nil, err
		}
		r.logger.Warn("saved anonymous session rejected, creating a new identity",
			"previous_user_id", saved.userID, "error", err)
	}

	var response tunestore.AnonymousResponse
	err := r.postJSON(ctx, "/auth/anonymous", "", map[string]string{"device_id": r.deviceID}, &response)
	if err != nil {
		return nil, fmt.Errorf("failed to create anonymous identity: %w", err)
	}

	if err := r.saveSession(ctx, response.UserID, response.Tokens.RefreshToken); err != nil {
		return nil, err
	}

	r.logger.Info("created anonymous identity", "user_id", response.UserID)
	return &Session{state: AnonymousActive, userID: response.UserID, tokens: response.Tokens}, nil
}

// restoreSession exchanges a saved refresh token for a fresh session on the
// same durable identity.
func (r *IdentityResolver) restoreSession(ctx context.Context, refreshToken string) (*Session, error) {
	var response tunestore.RestoreResponse
	err := r.postJSON(ctx, "/auth/restore", "", map[string]string{
		"refresh_token": refreshToken,
		"device_id":     r.deviceID,
	}, &response)
	if err != nil {
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrSessionRestoreFailed, httpErr.body)
		}
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	if err := r.saveSession(ctx, response.UserID, response.Tokens.RefreshToken); err != nil {
		return nil, err
	}
	return &Session{state: AnonymousActive, userID: response.UserID, tokens: response.Tokens}, nil
}

// SignOut suspends an anonymous session, keeping its saved credentials so a
// later anonymous sign-in returns to the same identity and local data.
func (r *IdentityResolver) SignOut(ctx context.Context, session *Session) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state == AnonymousActive {
		session.state = AnonymousSuspended
		return
	}
	session.state = NoSession
}

// Convert attaches credentials to the existing identity. The durable id
// does not change and local rows are never rewritten; the caller's local
// user_profile row is mutated in place. After conversion, sync (dormant for
// anonymous local-only use) can be started for the first time.
func (r *IdentityResolver) Convert(ctx context.Context, session *Session, email, password string) error {
	token, err := session.Token(ctx)
	if err != nil {
		return err
	}

	var response tunestore.ConvertResponse
	err = r.postJSON(ctx, "/auth/convert", token, tunestore.ConvertRequest{Email: email, Password: password}, &response)
	if err != nil {
		return fmt.Errorf("failed to convert identity: %w", err)
	}
	if response.UserID != session.UserID() {
		return fmt.Errorf("identity mismatch after conversion: had %s, got %s", session.UserID(), response.UserID)
	}

	session.mu.Lock()
	session.state = RegisteredActive
	session.mu.Unlock()

	// The saved anonymous session is superseded; a registered user signs
	// back in with credentials, not a restore token.
	if err := r.clearSavedSession(ctx); err != nil {
		return err
	}

	r.logger.Info("converted identity to registered", "user_id", response.UserID, "email", response.Email)
	return nil
}

type savedSession struct {
	userID       string
	refreshToken string
}

func (r *IdentityResolver) savedSession(ctx context.Context) (*savedSession, error) {
	var saved savedSession
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, refresh_token FROM _saved_session WHERE id = 1
	`).Scan(&saved.userID, &saved.refreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saved session: %w", err)
	}
	return &saved, nil
}

func (r *IdentityResolver) saveSession(ctx context.Context, userID, refreshToken string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO _saved_session (id, user_id, refresh_token, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id,
			refresh_token = excluded.refresh_token, saved_at = excluded.saved_at
	`, userID, refreshToken, tunestore.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *IdentityResolver) clearSavedSession(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM _saved_session WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear saved session: %w", err)
	}
	return nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.status, e.body)
}

func (r *IdentityResolver) postJSON(ctx context.Context, path, token string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
