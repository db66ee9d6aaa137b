package tunestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Identity errors surfaced to handlers. ErrSessionInvalid in particular must
// be distinguishable: the client's restore flow falls back to a fresh
// anonymous identity when it sees it.
var (
	ErrSessionInvalid   = errors.New("session is invalid or expired")
	ErrAlreadyConverted = errors.New("identity already has credentials")
	ErrEmailTaken       = errors.New("email is already registered")
)

// IdentityService manages durable user identities: anonymous creation,
// refresh-token restoration, and conversion to registered. The durable
// user_id never changes across any of these transitions.
type IdentityService struct {
	pool       *pgxpool.Pool
	jwtAuth    *JWTAuth
	logger     *slog.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIdentityService creates an identity service sharing the store's pool.
func NewIdentityService(pool *pgxpool.Pool, jwtAuth *JWTAuth, logger *slog.Logger) *IdentityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{
		pool:       pool,
		jwtAuth:    jwtAuth,
		logger:     logger,
		accessTTL:  time.Hour,
		refreshTTL: 90 * 24 * time.Hour,
	}
}

// CreateAnonymous issues a new durable identity with no credentials. The id
// is remotely issued even for local-only use so that every local row written
// against it stays valid after a later registration.
func (s *IdentityService) CreateAnonymous(ctx context.Context, deviceID string) (*AnonymousResponse, error) {
	userID := uuid.New().String()

	tokens, refreshHash, err := s.issueTokens(userID, deviceID)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync.user_account (user_id, is_anonymous, refresh_token_hash)
		VALUES ($1::uuid, TRUE, $2)
	`, userID, refreshHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create anonymous account: %w", err)
	}

	s.logger.Info("created anonymous identity", "user_id", userID, "device_id", deviceID)
	return &AnonymousResponse{UserID: userID, Tokens: tokens}, nil
}

// Restore exchanges a saved refresh token for a fresh session on the same
// identity, rotating the refresh token. Any validation failure maps to
// ErrSessionInvalid; the service never guesses which identity was meant.
func (s *IdentityService) Restore(ctx context.Context, refreshToken, deviceID string) (*RestoreResponse, error) {
	claims, err := s.jwtAuth.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionInvalid, err)
	}
	userID := claims.Subject

	var storedHash *string
	err = s.pool.QueryRow(ctx, `
		SELECT refresh_token_hash FROM sync.user_account WHERE user_id = $1::uuid
	`, userID).Scan(&storedHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown identity", ErrSessionInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if storedHash == nil || *storedHash != hashToken(refreshToken) {
		return nil, fmt.Errorf("%w: refresh token superseded", ErrSessionInvalid)
	}

	tokens, refreshHash, err := s.issueTokens(userID, deviceID)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync.user_account SET refresh_token_hash = $2 WHERE user_id = $1::uuid
	`, userID, refreshHash)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.logger.Info("restored anonymous session", "user_id", userID, "device_id", deviceID)
	return &RestoreResponse{UserID: userID, Tokens: tokens}, nil
}

// Convert attaches credentials to the authenticated identity in place. The
// row is mutated, not replaced, so the durable id and every foreign key
// referencing it stay valid.
func (s *IdentityService) Convert(ctx context.Context, userID, email, password string) (*ConvertResponse, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var taken bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM sync.user_account WHERE email = $1 AND user_id <> $2::uuid)
	`, email, userID).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if taken {
		return nil, ErrEmailTaken
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.user_account
		SET email = $2, password_hash = $3, is_anonymous = FALSE, converted_at = now()
		WHERE user_id = $1::uuid AND is_anonymous
	`, userID, email, string(passwordHash))
	if err != nil {
		return nil, fmt.Errorf("failed to convert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM sync.user_account WHERE user_id = $1::uuid)
		`, userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check account: %w", err)
		}
		if exists {
			return nil, ErrAlreadyConverted
		}
		return nil, fmt.Errorf("%w: unknown identity", ErrSessionInvalid)
	}

	s.logger.Info("converted identity to registered", "user_id", userID, "email", email)
	return &ConvertResponse{UserID: userID, Email: email}, nil
}

func (s *IdentityService) issueTokens(userID, deviceID string) (AuthTokens, string, error) {
	expiresAt := time.Now().Add(s.accessTTL)
	access, err := s.jwtAuth.GenerateToken(userID, deviceID, s.accessTTL)
	if err != nil {
		return AuthTokens{}, "", fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := s.jwtAuth.GenerateRefreshToken(userID, deviceID, s.refreshTTL)
	if err != nil {
		return AuthTokens{}, "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	tokens := AuthTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    FormatTime(expiresAt),
	}
	return tokens, hashToken(refresh), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
