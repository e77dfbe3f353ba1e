package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"invoicepreview/internal/redis"
)

const redisTokenPrefix = "auth:token:"

// Service issues, validates, and revokes viewer authentication tokens.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil, in which case every validation hits the database.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "preview_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the viewer and persists it.
func (s *Service) IssueToken(ctx context.Context, viewerID int64) (string, error) {
	if viewerID <= 0 {
		return "", errors.New("invalid viewer id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO viewer_tokens (token, viewer_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, viewerID, now, expiresAt,
		)
		if err == nil {
			if s.cache != nil {
				_ = s.cache.Set(ctx, redisTokenPrefix+token, strconv.FormatInt(viewerID, 10), s.tokenTTL)
			}
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("issue token: %w", lastErr)
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the viewer id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, errors.New("token required")
	}
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				return id, nil
			}
		}
	}
	var viewerID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT viewer_id, expires_at FROM viewer_tokens WHERE token = ?`, authToken,
	).Scan(&viewerID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("invalid token")
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM viewer_tokens WHERE token = ?`, authToken)
		return 0, errors.New("token expired")
	}
	return viewerID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, redisTokenPrefix+authToken)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM viewer_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeViewerTokens removes all tokens belonging to the viewer.
func (s *Service) RevokeViewerTokens(ctx context.Context, viewerID int64) error {
	if viewerID <= 0 {
		return nil
	}
	if s.cache != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM viewer_tokens WHERE viewer_id = ?`, viewerID)
		if err != nil {
			return fmt.Errorf("list viewer tokens: %w", err)
		}
		var keys []string
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				rows.Close()
				return fmt.Errorf("scan viewer token: %w", err)
			}
			keys = append(keys, redisTokenPrefix+token)
		}
		rows.Close()
		_ = s.cache.Del(ctx, keys...)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM viewer_tokens WHERE viewer_id = ?`, viewerID); err != nil {
		return fmt.Errorf("revoke viewer tokens: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
