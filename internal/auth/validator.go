// Package auth validates the bearer credential presented at handshake time.
// Token issuance belongs to the REST API; the relay only verifies.
package auth

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

// JWTValidator verifies HMAC-signed tokens issued by the REST layer and
// extracts the user identity from the user_id claim.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", relay.ErrUnauthorized)
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", relay.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", relay.ErrUnauthorized)
	}

	switch userID := claims["user_id"].(type) {
	case float64:
		// Numeric ids are positive integers; anything else is a forged claim.
		if userID <= 0 || userID != math.Trunc(userID) {
			return "", fmt.Errorf("%w: invalid user_id claim", relay.ErrUnauthorized)
		}
		return strconv.FormatUint(uint64(userID), 10), nil
	case string:
		if userID != "" {
			return userID, nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: no user identity in token", relay.ErrUnauthorized)
}
