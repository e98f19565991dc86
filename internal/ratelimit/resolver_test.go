package ratelimit_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "resolver-test-secret"

func signToken(t *testing.T, secret, sub, tier string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"tier": tier,
		"exp":  exp.Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestResolverValidToken(t *testing.T) {
	r := ratelimit.NewResolver(testSecret, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-1", "pro", time.Now().Add(time.Hour)))

	sub, err := r.Resolve(req, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.KindUser, sub.Identifier.Kind)
	assert.Equal(t, "user-1", sub.Identifier.Value)
	assert.Equal(t, ratelimit.TierPro, sub.Tier)
}

func TestResolverUnknownTierClaimDefaultsToFree(t *testing.T) {
	r := ratelimit.NewResolver(testSecret, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer "+signToken(t, testSecret, "user-2", "platinum", time.Now().Add(time.Hour)))

	sub, err := r.Resolve(req, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.TierFree, sub.Tier)
}

func TestResolverFallsBackToAddress(t *testing.T) {
	r := ratelimit.NewResolver(testSecret, nil)

	for name, header := range map[string]string{
		"expired":    "Bearer " + signToken(t, testSecret, "user-1", "pro", time.Now().Add(-time.Hour)),
		"bad secret": "Bearer " + signToken(t, "other", "user-1", "pro", time.Now().Add(time.Hour)),
		"garbage":    "Bearer abc.def.ghi",
		"none":       "",
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		sub, err := r.Resolve(req, "192.0.2.1")
		require.NoError(t, err, name)
		assert.Equal(t, ratelimit.KindIP, sub.Identifier.Kind, name)
		assert.Equal(t, ratelimit.TierAnonymous, sub.Tier, name)
	}
}

func TestResolverRejectsUnparseableAddress(t *testing.T) {
	r := ratelimit.NewResolver(testSecret, nil)
	_, err := r.Resolve(httptest.NewRequest("GET", "/", nil), "unknown")
	assert.ErrorIs(t, err, ratelimit.ErrInvalidIdentifier)
}
