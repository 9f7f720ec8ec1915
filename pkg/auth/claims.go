// Package auth verifies bearer tokens for the conduit gateway. Token
// issuance lives elsewhere; this package only answers "valid identity or
// reject" before any queue work is attempted.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for validated claims.
	ClaimsKey contextKey = "claims"
)

// Claims is the validated identity attached to authenticated requests.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// GetClaims retrieves validated claims from the request context. The
// second return is false for unauthenticated requests.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// WithClaims attaches validated claims to a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}
