// Package auth provides optional JWT bearer authentication. Requests
// without a token proceed anonymously; requests with a valid token carry
// the owner's identity in the request context.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/securedrop/securedrop/internal/metrics"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// Claims holds JWT token claims. Subject carries the owner identity.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth validates and issues JWT tokens.
type Auth struct {
	secret []byte
}

// New creates an Auth handler. An empty secret disables authentication:
// every request is treated as anonymous.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// Enabled reports whether a signing secret is configured.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware resolves an optional bearer token to an owner identity in
// the request context. A missing token is anonymous, a present but
// invalid token is rejected.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" || !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		metrics.RecordAuthAttempt(true)

		ctx := context.WithValue(r.Context(), ownerContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOwner wraps a handler that must not run anonymously.
func RequireOwner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if OwnerID(r.Context()) == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// OwnerID returns the authenticated owner from the request context, or
// an empty string for anonymous requests.
func OwnerID(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)
	return owner
}

// GenerateToken issues a signed token for the given owner.
func (a *Auth) GenerateToken(ownerID string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("authentication is not configured")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
