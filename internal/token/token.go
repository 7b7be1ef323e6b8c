// Package token issues, decodes and revokes HS256 signed access and
// refresh tokens. Revoked tokens are kept in an expiring key-value
// store until they would have expired on their own.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

const bearerPrefix = "Bearer "

// minSecretLen is the minimum HS256 key length in bytes.
const minSecretLen = 32

var (
	ErrExpired       = errors.New("token expired")
	ErrMalformed     = errors.New("malformed token")
	ErrUnsupported   = errors.New("unsupported token")
	ErrBadSignature  = errors.New("invalid token signature")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims are the claims carried by both token types. PhoneNumber and
// Role are only set on access tokens.
type Claims struct {
	UserID      string      `json:"userId"`
	PhoneNumber string      `json:"phoneNumber,omitempty"`
	Role        models.Role `json:"role,omitempty"`
	TokenType   string      `json:"tokenType"`

	jwt.RegisteredClaims
}

// Opt represents the token Manager options.
type Opt struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Audience   string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager issues and validates tokens.
type Manager struct {
	opt    Opt
	store  store.Store
	parser *jwt.Parser
}

// New returns a new token Manager.
func New(o Opt, st store.Store) (*Manager, error) {
	if len(o.Secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret should be at least %d bytes", minSecretLen)
	}
	if o.AccessTTL <= 0 || o.RefreshTTL <= 0 {
		return nil, errors.New("invalid access or refresh token TTL")
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(o.Now),
		jwt.WithExpirationRequired(),
	}
	if o.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(o.Issuer))
	}
	if o.Audience != "" {
		opts = append(opts, jwt.WithAudience(o.Audience))
	}

	return &Manager{
		opt:    o,
		store:  st,
		parser: jwt.NewParser(opts...),
	}, nil
}

// AccessTTL returns the lifetime of an access token.
func (m *Manager) AccessTTL() time.Duration {
	return m.opt.AccessTTL
}

// IssuePair issues a new access and refresh token for the user.
func (m *Manager) IssuePair(u models.User) (models.TokenPair, error) {
	access, err := m.sign(Claims{
		UserID:      u.ID,
		PhoneNumber: u.PhoneNumber,
		Role:        u.Role,
		TokenType:   TypeAccess,
	}, u.PhoneNumber, m.opt.AccessTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := m.sign(Claims{
		UserID:    u.ID,
		TokenType: TypeRefresh,
	}, u.PhoneNumber, m.opt.RefreshTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Decode verifies and decodes a token. A token that is validly signed
// but past its expiry returns ErrExpired along with its claims.
func (m *Manager) Decode(token string) (*Claims, error) {
	var c Claims
	_, err := m.parser.ParseWithClaims(token, &c, m.keyFunc)
	if err == nil {
		return &c, nil
	}

	switch {
	// Unknown or disallowed alg.
	case errors.Is(err, ErrUnsupported), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return &c, fmt.Errorf("%w: %v", ErrExpired, err)
	}

	return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
}

// IsExpired tells if a token is past its expiry. Decoding failures
// other than expiry are returned as errors.
func (m *Manager) IsExpired(token string) (bool, error) {
	c, err := m.Decode(token)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return true, nil
		}
		return false, err
	}
	return !c.ExpiresAt.After(m.opt.Now()), nil
}

// ExpiresWithin tells if a valid token expires within d.
func (m *Manager) ExpiresWithin(token string, d time.Duration) bool {
	c, err := m.Decode(token)
	if err != nil {
		return false
	}
	return c.ExpiresAt.Before(m.opt.Now().Add(d))
}

// IsBlacklisted tells if a token has been revoked.
func (m *Manager) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	_, err := m.store.Get(ctx, makeKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Blacklist revokes a token until its natural expiry. Blacklisting an
// already expired token is a no-op.
func (m *Manager) Blacklist(ctx context.Context, token string) error {
	c, err := m.Decode(token)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil
		}
		return err
	}

	ttl := c.ExpiresAt.Sub(m.opt.Now())
	if ttl <= 0 {
		return nil
	}

	return m.store.Set(ctx, makeKey(token), []byte("1"), ttl)
}

// ValidateForRefresh tells if the token is an unexpired refresh token.
// Refresh tokens are not checked against the blacklist. They're
// invalidated by rotation instead.
func (m *Manager) ValidateForRefresh(token string) bool {
	c, err := m.Decode(token)
	if err != nil {
		return false
	}
	return c.TokenType == TypeRefresh && c.ExpiresAt.After(m.opt.Now())
}

// ValidateForRequest tells if the token belongs to subject, is unexpired
// and hasn't been blacklisted.
func (m *Manager) ValidateForRequest(ctx context.Context, token, subject string) (bool, error) {
	c, err := m.Decode(token)
	if err != nil {
		return false, nil
	}
	if c.Subject != subject || !c.ExpiresAt.After(m.opt.Now()) {
		return false, nil
	}

	ok, err := m.IsBlacklisted(ctx, token)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ExtractFromHeader returns the token from an `Authorization: Bearer`
// header value or an empty string.
func ExtractFromHeader(h string) string {
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

func (m *Manager) sign(c Claims, subject string, ttl time.Duration) (string, error) {
	now := m.opt.Now()
	c.ID = uuid.NewString()
	c.Subject = subject
	c.Issuer = m.opt.Issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if m.opt.Audience != "" {
		c.Audience = jwt.ClaimStrings{m.opt.Audience}
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.opt.Secret)
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return s, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("%w: signing method %v", ErrUnsupported, t.Header["alg"])
	}
	return m.opt.Secret, nil
}

func makeKey(token string) string {
	return "blacklist:" + token
}
