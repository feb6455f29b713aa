package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateResolvesIdentity(t *testing.T) {
	v := NewJWTValidator("test-secret")

	t.Run("NumericUserIDClaim", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"user_id": 42})
		userID, err := v.Validate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "42", userID)
	})

	t.Run("StringUserIDClaim", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"user_id": "alice"})
		userID, err := v.Validate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	t.Run("SubjectFallback", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"sub": "bob"})
		userID, err := v.Validate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "bob", userID)
	})

	t.Run("BearerPrefixStripped", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"user_id": "alice"})
		userID, err := v.Validate(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})
}

func TestValidateRejections(t *testing.T) {
	v := NewJWTValidator("test-secret")

	t.Run("MissingToken", func(t *testing.T) {
		_, err := v.Validate(context.Background(), "")
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{"user_id": "alice"})
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"user_id": "alice",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})

	t.Run("NoIdentityClaim", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"email": "alice@example.com"})
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})

	t.Run("NegativeNumericUserID", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"user_id": -7})
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})

	t.Run("FractionalNumericUserID", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{"user_id": 4.5})
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, relay.ErrUnauthorized)
	})
}
