package tunesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sboagy/tunetrees-sync/tunestore"
)

// fakeAuth is an in-memory identity provider speaking the auth endpoints.
type fakeAuth struct {
	mu            sync.Mutex
	refresh       map[string]string // refresh token -> user id
	rejectRestore bool
	srv           *httptest.Server
}

func newFakeAuth(t *testing.T) *fakeAuth {
	t.Helper()
	f := &fakeAuth{refresh: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/anonymous", f.handleAnonymous)
	mux.HandleFunc("/auth/restore", f.handleRestore)
	mux.HandleFunc("/auth/convert", f.handleConvert)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAuth) URL() string { return f.srv.URL }

func (f *fakeAuth) issueTokens(userID string) tunestore.AuthTokens {
	refreshToken := uuid.New().String()
	f.refresh[refreshToken] = userID
	return tunestore.AuthTokens{
		AccessToken:  "access-" + userID,
		RefreshToken: refreshToken,
	}
}

func (f *fakeAuth) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	userID := uuid.New().String()
	resp := tunestore.AnonymousResponse{UserID: userID, Tokens: f.issueTokens(userID)}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeAuth) handleRestore(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req tunestore.RestoreRequest
	json.NewDecoder(r.Body).Decode(&req)

	userID, ok := f.refresh[req.RefreshToken]
	if !ok || f.rejectRestore {
		http.Error(w, `{"error":"session_invalid"}`, http.StatusUnauthorized)
		return
	}

	// Single use: a restore rotates the refresh token.
	delete(f.refresh, req.RefreshToken)
	resp := tunestore.RestoreResponse{UserID: userID, Tokens: f.issueTokens(userID)}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeAuth) handleConvert(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	userID, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer access-")
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req tunestore.ConvertRequest
	json.NewDecoder(r.Body).Decode(&req)
	json.NewEncoder(w).Encode(tunestore.ConvertResponse{UserID: userID, Email: req.Email})
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	db := newTestDB(t)

	first, err := EnsureDeviceID(db)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureDeviceID(db)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSignInAnonymouslyCreatesIdentity(t *testing.T) {
	auth := newFakeAuth(t)
	db := newTestDB(t)
	resolver, err := NewIdentityResolver(db, auth.URL(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.Equal(t, AnonymousActive, session.State())
	require.NotEmpty(t, session.UserID())

	token, err := session.Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// The session is durably saved for later restoration.
	var savedUser string
	require.NoError(t, db.QueryRow(`SELECT user_id FROM _saved_session WHERE id = 1`).Scan(&savedUser))
	require.Equal(t, session.UserID(), savedUser)
}

func TestAnonymousSignOutAndRestoreKeepsIdentity(t *testing.T) {
	auth := newFakeAuth(t)
	db := newTestDB(t)
	resolver, err := NewIdentityResolver(db, auth.URL(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	original := session.UserID()

	resolver.SignOut(ctx, session)
	require.Equal(t, AnonymousSuspended, session.State())

	// A suspended session refuses to mint tokens.
	_, err = session.Token(ctx)
	require.Error(t, err)

	// Signing in anonymously again resumes the same durable identity.
	restored, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.Equal(t, AnonymousActive, restored.State())
	require.Equal(t, original, restored.UserID())
}

func TestRejectedRestoreFallsBackToNewIdentity(t *testing.T) {
	auth := newFakeAuth(t)
	db := newTestDB(t)
	resolver, err := NewIdentityResolver(db, auth.URL(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	original := session.UserID()
	resolver.SignOut(ctx, session)

	// The saved credentials have been invalidated server-side.
	auth.mu.Lock()
	auth.rejectRestore = true
	auth.mu.Unlock()

	fresh, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.Equal(t, AnonymousActive, fresh.State())
	require.NotEqual(t, original, fresh.UserID())
}

func TestConvertKeepsDurableUserID(t *testing.T) {
	auth := newFakeAuth(t)
	db := newTestDB(t)
	resolver, err := NewIdentityResolver(db, auth.URL(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := resolver.SignInAnonymously(ctx)
	require.NoError(t, err)
	userID := session.UserID()

	// Local data accumulated while anonymous, all referencing the durable id.
	tokenFunc := session.Token
	client, err := NewClient(db, auth.URL(), userID, resolver.DeviceID(), tokenFunc, nil, nil)
	require.NoError(t, err)
	mustCreateProfile(t, client, userID)
	tune := &Tune{Title: "Learned While Anonymous", UserRef: &userID}
	require.NoError(t, client.CreateTune(ctx, tune))
	playlist := &Playlist{UserRef: userID, Instrument: strPtr("flute")}
	require.NoError(t, client.CreatePlaylist(ctx, playlist))
	quality := int64(3)
	record := &PracticeRecord{TuneRef: tune.ID, UserRef: userID, Quality: &quality}
	require.NoError(t, client.AddPracticeRecord(ctx, record))

	require.NoError(t, resolver.Convert(ctx, session, "reilly@example.com", "s3cret"))
	require.Equal(t, RegisteredActive, session.State())
	require.Equal(t, userID, session.UserID())

	// Registration mutates the profile in place; foreign keys never move.
	email := "reilly@example.com"
	profile, err := client.GetUserProfile(ctx, userID)
	require.NoError(t, err)
	profile.Email = &email
	profile.IsAnonymous = false
	require.NoError(t, client.SaveUserProfile(ctx, profile, tunestore.OpUpdate))

	stored, err := client.GetTune(ctx, tune.ID)
	require.NoError(t, err)
	require.Equal(t, userID, *stored.UserRef)

	var playlistRef, recordRef string
	require.NoError(t, db.QueryRow(`SELECT user_ref FROM playlist WHERE id = ?`, playlist.ID).Scan(&playlistRef))
	require.NoError(t, db.QueryRow(`SELECT user_ref FROM practice_record WHERE id = ?`, record.ID).Scan(&recordRef))
	require.Equal(t, userID, playlistRef)
	require.Equal(t, userID, recordRef)

	// The anonymous restore path is retired after conversion.
	var saved int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _saved_session`).Scan(&saved))
	require.Equal(t, 0, saved)
}
