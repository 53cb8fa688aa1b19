package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, key string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v := NewValidator("secret")
	token := signToken(t, "secret", &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	v := NewValidator("secret")
	token := signToken(t, "other-key", &Claims{UserID: "user-1"})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected error for wrong signing key")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v := NewValidator("secret")
	token := signToken(t, "secret", &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestFromAuthHeader(t *testing.T) {
	v := NewValidator("secret")
	token := signToken(t, "secret", &Claims{UserID: "user-1"})

	if _, err := v.FromAuthHeader("Bearer " + token); err != nil {
		t.Fatalf("FromAuthHeader: %v", err)
	}
	if _, err := v.FromAuthHeader(""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := v.FromAuthHeader(token); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken without prefix, got %v", err)
	}
}

func TestEmptyKeyDisablesAuth(t *testing.T) {
	if v := NewValidator(""); v != nil {
		t.Fatal("empty key must return nil validator")
	}
}
