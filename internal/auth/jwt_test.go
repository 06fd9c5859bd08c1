package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager("test-secret", "fluxgate", 0)

	assert.Equal(t, []byte("test-secret"), manager.secretKey)
	assert.Equal(t, "fluxgate", manager.issuer)
	assert.Equal(t, time.Hour, manager.tokenTTL)
}

func TestGenerateToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "fluxgate", 15*time.Minute)

	token, claims, err := manager.GenerateToken("user123", "acme", "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	assert.Equal(t, "user123", claims.UserID)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, RoleAuthenticated, claims.Role)
	assert.Equal(t, "fluxgate", claims.Issuer)
	assert.Equal(t, "user123", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, 5*time.Second)

	_, _, err = manager.GenerateToken("", "acme", "")
	assert.ErrorIs(t, err, ErrMissingSubject)
}

func TestValidateToken(t *testing.T) {
	manager := NewJWTManager("test-secret", "fluxgate", 15*time.Minute)

	t.Run("round trip", func(t *testing.T) {
		token, _, err := manager.GenerateToken("user123", "acme", RoleService)
		require.NoError(t, err)

		claims, err := manager.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "user123", claims.UserID)
		assert.Equal(t, "acme", claims.TenantID)
		assert.Equal(t, RoleService, claims.Role)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager("other-secret", "fluxgate", time.Minute)
		token, _, err := other.GenerateToken("user123", "", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTManager("test-secret", "someone-else", time.Minute)
		token, _, err := other.GenerateToken("user123", "", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := NewJWTManager("test-secret", "fluxgate", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, err := past.GenerateToken("user123", "", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := manager.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects other algorithms", func(t *testing.T) {
		claims := &TokenClaims{UserID: "user123", RegisteredClaims: jwt.RegisteredClaims{Issuer: "fluxgate"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("subject fills a missing user_id", func(t *testing.T) {
		claims := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "fluxgate", Subject: "sub-only"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		got, err := manager.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "sub-only", got.UserID)
		assert.Equal(t, RoleAuthenticated, got.Role)
	})

	t.Run("no identity at all", func(t *testing.T) {
		claims := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "fluxgate"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = manager.ValidateToken(token)
		assert.ErrorIs(t, err, ErrMissingSubject)
	})
}
