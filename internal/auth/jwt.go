// Package auth validates bearer tokens on the WebSocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a gateway access token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ErrNoToken indicates the request carried no bearer token.
var ErrNoToken = errors.New("missing bearer token")

// Validator checks HS256-signed tokens. A nil Validator (no signing key
// configured) disables auth.
type Validator struct {
	key []byte
}

// NewValidator creates a validator for the signing key. Returns nil when the
// key is empty, which callers treat as auth disabled.
func NewValidator(key string) *Validator {
	if key == "" {
		return nil
	}
	return &Validator{key: []byte(key)}
}

// Validate parses and verifies a token string.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// FromAuthHeader extracts and validates the token from an Authorization
// header value ("Bearer <token>").
func (v *Validator) FromAuthHeader(header string) (*Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrNoToken
	}
	return v.Validate(strings.TrimPrefix(header, prefix))
}
