// Package authtest signs handshake tokens for tests.
package authtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/auth"
)

const Secret = "test-secret-test-secret-test-secret"

// Token returns an HS256 token for p valid for an hour.
func Token(t testing.TB, secret string, p domain.Principal) string {
	t.Helper()
	return sign(t, secret, p, time.Now().Add(time.Hour))
}

// ExpiredToken returns a token that expired an hour ago.
func ExpiredToken(t testing.TB, secret string, p domain.Principal) string {
	t.Helper()
	return sign(t, secret, p, time.Now().Add(-time.Hour))
}

func sign(t testing.TB, secret string, p domain.Principal, exp time.Time) string {
	t.Helper()
	claims := auth.Claims{
		Name: p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
