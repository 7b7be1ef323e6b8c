package token

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dawasakhi/authgateway/internal/store/redis"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "dawasakhi"
	testAudience = "dawasakhi-app"
)

var (
	ctx      = context.Background()
	testUser = models.User{
		ID:          "8f14e45f-ceea-467f-a0e6-2f7a1b2c3d4e",
		PhoneNumber: "9876543210",
		Role:        models.RoleCustomer,
	}
)

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time {
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.t = c.t.Add(d)
}

func setup(t *testing.T) (*Manager, *clock, *miniredis.Miniredis) {
	rd := miniredis.RunT(t)
	port, _ := strconv.Atoi(rd.Port())

	c := &clock{t: time.Now().Truncate(time.Second)}
	m, err := New(Opt{
		Secret:     []byte(testSecret),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Issuer:     testIssuer,
		Audience:   testAudience,
		Now:        c.Now,
	}, redis.New(redis.Conf{Host: rd.Host(), Port: port}))
	require.NoError(t, err, "error creating token manager")

	return m, c, rd
}

func TestNew(t *testing.T) {
	_, err := New(Opt{Secret: []byte("short"), AccessTTL: time.Minute, RefreshTTL: time.Hour}, nil)
	assert.Error(t, err, "short secret accepted")

	_, err = New(Opt{Secret: []byte(testSecret)}, nil)
	assert.Error(t, err, "zero TTLs accepted")
}

func TestIssuePair(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)
	assert.NotEmpty(t, p.AccessToken)
	assert.NotEmpty(t, p.RefreshToken)

	ac, err := m.Decode(p.AccessToken)
	require.NoError(t, err, "error decoding access token")
	assert.Equal(t, testUser.ID, ac.UserID)
	assert.Equal(t, testUser.PhoneNumber, ac.PhoneNumber)
	assert.Equal(t, models.RoleCustomer, ac.Role)
	assert.Equal(t, TypeAccess, ac.TokenType)
	assert.Equal(t, testUser.PhoneNumber, ac.Subject)
	assert.Equal(t, testIssuer, ac.Issuer)
	assert.Equal(t, jwt.ClaimStrings{testAudience}, ac.Audience)
	assert.Equal(t, c.Now().Add(15*time.Minute).Unix(), ac.ExpiresAt.Unix())

	rc, err := m.Decode(p.RefreshToken)
	require.NoError(t, err, "error decoding refresh token")
	assert.Equal(t, testUser.ID, rc.UserID)
	assert.Equal(t, TypeRefresh, rc.TokenType)
	assert.Equal(t, testUser.PhoneNumber, rc.Subject)
	assert.Empty(t, rc.PhoneNumber, "refresh token carries the phone claim")
	assert.Empty(t, rc.Role, "refresh token carries the role claim")
	assert.Equal(t, c.Now().Add(7*24*time.Hour).Unix(), rc.ExpiresAt.Unix())

	// Tokens issued in the same instant are still unique.
	p2, err := m.IssuePair(testUser)
	require.NoError(t, err)
	assert.NotEqual(t, p.RefreshToken, p2.RefreshToken, "refresh tokens collided")
}

func TestDecode(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	t.Run("malformed", func(t *testing.T) {
		_, err := m.Decode("not.a.token")
		assert.ErrorIs(t, err, ErrMalformed)

		_, err = m.Decode("")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad signature", func(t *testing.T) {
		other, err := New(Opt{
			Secret:     []byte("fedcba9876543210fedcba9876543210"),
			AccessTTL:  time.Minute,
			RefreshTTL: time.Hour,
			Issuer:     testIssuer,
			Audience:   testAudience,
			Now:        c.Now,
		}, nil)
		require.NoError(t, err)

		forged, err := other.IssuePair(testUser)
		require.NoError(t, err)

		_, err = m.Decode(forged.AccessToken)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("unsupported", func(t *testing.T) {
		claims := Claims{UserID: testUser.ID, TokenType: TypeAccess}
		claims.Issuer = testIssuer
		claims.Audience = jwt.ClaimStrings{testAudience}
		claims.ExpiresAt = jwt.NewNumericDate(c.Now().Add(time.Hour))

		s, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = m.Decode(s)
		assert.ErrorIs(t, err, ErrUnsupported, "HS512 token accepted")

		s, err = jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.Decode(s)
		assert.ErrorIs(t, err, ErrUnsupported, "unsigned token accepted")
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := New(Opt{
			Secret:     []byte(testSecret),
			AccessTTL:  time.Minute,
			RefreshTTL: time.Hour,
			Issuer:     "someone-else",
			Audience:   testAudience,
			Now:        c.Now,
		}, nil)
		require.NoError(t, err)

		tp, err := other.IssuePair(testUser)
		require.NoError(t, err)

		_, err = m.Decode(tp.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidClaims)
	})

	t.Run("expired keeps claims", func(t *testing.T) {
		c.Add(16 * time.Minute)
		defer c.Add(-16 * time.Minute)

		claims, err := m.Decode(p.AccessToken)
		assert.ErrorIs(t, err, ErrExpired)
		require.NotNil(t, claims, "expired token didn't yield claims")
		assert.Equal(t, testUser.ID, claims.UserID)
		assert.Equal(t, testUser.PhoneNumber, claims.Subject)
	})
}

func TestIsExpired(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	exp, err := m.IsExpired(p.AccessToken)
	assert.NoError(t, err)
	assert.False(t, exp, "fresh token reported expired")

	c.Add(15 * time.Minute)
	exp, err = m.IsExpired(p.AccessToken)
	assert.NoError(t, err)
	assert.True(t, exp, "token not reported expired")

	_, err = m.IsExpired("garbage")
	assert.ErrorIs(t, err, ErrMalformed, "decode failure coerced to expiry")
}

func TestExpiresWithin(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	assert.False(t, m.ExpiresWithin(p.AccessToken, 5*time.Minute))
	c.Add(11 * time.Minute)
	assert.True(t, m.ExpiresWithin(p.AccessToken, 5*time.Minute))
	assert.False(t, m.ExpiresWithin("garbage", 5*time.Minute))
}

func TestBlacklist(t *testing.T) {
	m, c, rd := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	ok, err := m.IsBlacklisted(ctx, p.AccessToken)
	assert.NoError(t, err)
	assert.False(t, ok, "fresh token blacklisted")

	c.Add(5 * time.Minute)
	require.NoError(t, m.Blacklist(ctx, p.AccessToken))

	ok, err = m.IsBlacklisted(ctx, p.AccessToken)
	assert.NoError(t, err)
	assert.True(t, ok, "token not blacklisted")

	ttl := rd.TTL("blacklist:" + p.AccessToken)
	assert.Greater(t, ttl, time.Duration(0), "blacklist entry has no TTL")
	assert.LessOrEqual(t, ttl, 10*time.Minute, "blacklist entry outlives the token")

	// The entry goes away with the token.
	rd.FastForward(ttl)
	ok, err = m.IsBlacklisted(ctx, p.AccessToken)
	assert.NoError(t, err)
	assert.False(t, ok, "blacklist entry didn't expire")
}

func TestBlacklistExpired(t *testing.T) {
	m, c, rd := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	c.Add(time.Hour)
	assert.NoError(t, m.Blacklist(ctx, p.AccessToken), "blacklisting an expired token errored")
	assert.False(t, rd.Exists("blacklist:"+p.AccessToken), "expired token was blacklisted")

	assert.ErrorIs(t, m.Blacklist(ctx, "garbage"), ErrMalformed)
}

func TestValidateForRefresh(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	assert.False(t, m.ValidateForRefresh(p.AccessToken), "access token accepted for refresh")
	assert.True(t, m.ValidateForRefresh(p.RefreshToken), "refresh token rejected")

	// Blacklisting doesn't affect refresh tokens.
	require.NoError(t, m.Blacklist(ctx, p.RefreshToken))
	assert.True(t, m.ValidateForRefresh(p.RefreshToken), "refresh token checked against the blacklist")

	c.Add(7 * 24 * time.Hour)
	assert.False(t, m.ValidateForRefresh(p.RefreshToken), "expired refresh token accepted")
	assert.False(t, m.ValidateForRefresh("garbage"))
}

func TestValidateForRequest(t *testing.T) {
	m, c, _ := setup(t)

	p, err := m.IssuePair(testUser)
	require.NoError(t, err)

	ok, err := m.ValidateForRequest(ctx, p.AccessToken, testUser.PhoneNumber)
	assert.NoError(t, err)
	assert.True(t, ok, "valid token rejected")

	ok, _ = m.ValidateForRequest(ctx, p.AccessToken, "9000000000")
	assert.False(t, ok, "token accepted for another subject")

	ok, _ = m.ValidateForRequest(ctx, "garbage", testUser.PhoneNumber)
	assert.False(t, ok, "garbage accepted")

	require.NoError(t, m.Blacklist(ctx, p.AccessToken))
	ok, err = m.ValidateForRequest(ctx, p.AccessToken, testUser.PhoneNumber)
	assert.NoError(t, err)
	assert.False(t, ok, "blacklisted token accepted")

	p, err = m.IssuePair(testUser)
	require.NoError(t, err)
	c.Add(15 * time.Minute)
	ok, _ = m.ValidateForRequest(ctx, p.AccessToken, testUser.PhoneNumber)
	assert.False(t, ok, "expired token accepted")
}

func TestExtractFromHeader(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", ExtractFromHeader("Bearer abc.def.ghi"))
	assert.Equal(t, "", ExtractFromHeader("Basic dXNlcjpwYXNz"))
	assert.Equal(t, "", ExtractFromHeader(""))
}
