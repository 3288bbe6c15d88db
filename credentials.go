package chatsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// ============================================================================
// Credentials
// ============================================================================

// Credentials is the token pair issued at login, stored as TOML.
type Credentials struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token,omitempty"`
	Username     string `toml:"username,omitempty"`
	Role         Role   `toml:"role,omitempty"`
}

// accessClaims are the fields read from an access token. The signature is
// not checked; the server does that.
type accessClaims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenRefresher exchanges a refresh token for a new pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// CredentialStore keeps Credentials in a file and implements
// IdentitySource.
type CredentialStore struct {
	path      string
	refresher TokenRefresher
	clock     clock.Clock
	logger    zerolog.Logger

	mu sync.Mutex
}

type CredentialOption func(*CredentialStore)

func WithCredentialClock(c clock.Clock) CredentialOption {
	return func(s *CredentialStore) { s.clock = c }
}

func WithCredentialLogger(logger zerolog.Logger) CredentialOption {
	return func(s *CredentialStore) { s.logger = logger }
}

// NewCredentialStore uses the file at path. refresher may be nil, in which
// case expired tokens are reported instead of renewed.
func NewCredentialStore(path string, refresher TokenRefresher, opts ...CredentialOption) *CredentialStore {
	s := &CredentialStore{
		path:      path,
		refresher: refresher,
		clock:     clock.Real(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the credentials file location.
func (s *CredentialStore) Path() string { return s.path }

// Load reads the stored credentials. A missing file is ErrNoIdentity.
func (s *CredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *CredentialStore) loadLocked() (Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("%w: no credentials at %s", ErrNoIdentity, s.path)
		}
		return Credentials{}, fmt.Errorf("cannot read credentials: %w", err)
	}
	var c Credentials
	if err := toml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("cannot parse credentials: %w", err)
	}
	return c, nil
}

// Save writes c with owner-only permissions.
func (s *CredentialStore) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(c)
}

func (s *CredentialStore) saveLocked(c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

// Restore returns the stored identity, renewing an expired access token
// when a refresh token is available.
func (s *CredentialStore) Restore(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadLocked()
	if err != nil {
		return Identity{}, err
	}
	if c.AccessToken == "" {
		return Identity{}, fmt.Errorf("%w: credentials have no access token", ErrNoIdentity)
	}

	claims, err := parseAccessToken(c.AccessToken)
	if err != nil {
		s.logger.Warn().Err(err).Msg("access token unreadable, using stored username")
	}
	if claims != nil && claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.clock.Now()) {
		s.logger.Info().Time("expired", claims.ExpiresAt.Time).Msg("access token expired")
		if c, err = s.refreshLocked(ctx, c); err != nil {
			return Identity{}, err
		}
		claims, _ = parseAccessToken(c.AccessToken)
	}

	ident := Identity{Username: c.Username, Role: c.Role, Token: c.AccessToken}
	if claims != nil {
		if ident.Username == "" {
			ident.Username = claims.Username
		}
		if ident.Username == "" {
			ident.Username = claims.Subject
		}
		if ident.Role == "" {
			ident.Role = claims.Role
		}
	}
	if ident.Username == "" {
		return Identity{}, &ValidationError{Field: "username", Reason: "not in credentials or token"}
	}
	if ident.Role == "" {
		ident.Role = RoleUser
	}
	return ident, nil
}

// RefreshAccessToken renews the stored pair and returns the new access
// token. It matches WithTokenRefresher.
func (s *CredentialStore) RefreshAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	c, err = s.refreshLocked(ctx, c)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

func (s *CredentialStore) refreshLocked(ctx context.Context, c Credentials) (Credentials, error) {
	if c.RefreshToken == "" || s.refresher == nil {
		return c, &ValidationError{Field: "access_token", Reason: "expired and no refresh token is available"}
	}
	pair, err := s.refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		return c, fmt.Errorf("refresh access token: %w", err)
	}
	c.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		c.RefreshToken = pair.RefreshToken
	}
	if err := s.saveLocked(c); err != nil {
		return c, err
	}
	s.logger.Info().Msg("access token refreshed")
	return c, nil
}

// TokenExpiry returns the exp claim of an access token.
func TokenExpiry(token string) (time.Time, bool) {
	claims, err := parseAccessToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func parseAccessToken(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}
