package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidatePair(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, 24*time.Hour)

	pair, err := svc.GeneratePair("user-1", "a@example.com", "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.EqualValues(t, 3600, pair.ExpiresIn)

	claims, err := svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, TokenAccess, claims.TokenType)

	refresh, err := svc.ValidateRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenRefresh, refresh.TokenType)
}

func TestTokenTypeNotInterchangeable(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, 24*time.Hour)
	pair, err := svc.GeneratePair("user-1", "a@example.com", "Alice")
	require.NoError(t, err)

	_, err = svc.ValidateAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ValidateRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute, 24*time.Hour)
	pair, err := svc.GeneratePair("user-1", "a@example.com", "Alice")
	require.NoError(t, err)

	_, err = svc.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongSecretRejected(t *testing.T) {
	issuer := NewTokenService("secret-a", time.Hour, 24*time.Hour)
	verifier := NewTokenService("secret-b", time.Hour, 24*time.Hour)

	pair, err := issuer.GeneratePair("user-1", "a@example.com", "Alice")
	require.NoError(t, err)

	_, err = verifier.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
