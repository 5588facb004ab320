// Package adminapi exposes the operator-facing HTTP surface: health,
// Prometheus metrics, JWT-protected session/system introspection and a live
// event feed over a websocket upgrade. None of this sits on the core
// client/server wire protocol; it is purely an ops addition, with a single
// admin role rather than a multi-tenant user base.
package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies an admin token. There is only one role in kvsd's admin
// surface, so Claims carries just the holder's subject and standard
// registered fields.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 admin tokens.
type TokenManager struct {
	secret   []byte
	lifespan time.Duration
}

// NewTokenManager builds a TokenManager signing with secret.
func NewTokenManager(secret string, lifespan time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), lifespan: lifespan}
}

// Issue mints a token for subject (an operator identifier).
func (m *TokenManager) Issue(subject string) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "kvsd-admin",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.lifespan)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify parses and validates token, returning its claims.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("adminapi: invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("adminapi: invalid token claims")
	}
	return claims, nil
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("adminapi: missing bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// RequireAuth wraps next so it only runs once a valid bearer token is
// present.
func (m *TokenManager) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearer(r)
		if err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if _, err := m.Verify(token); err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
