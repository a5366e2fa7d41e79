// Package auth issues and verifies the signed tokens clients present after
// their credentials have been validated.
package auth

import (
	"context"
	"time"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
	tokenContextKey
)

// Principal is an authenticated caller.
type Principal struct {
	// Subject references the caller's credentials in the vault.
	Subject   string    `json:"-"`
	AccountID string    `json:"account_id"`
	ARN       string    `json:"user_arn"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Owner identifies the caller for ownership checks. It is stable across
// tokens issued for the same identity.
func (p *Principal) Owner() string {
	if p.ARN != "" {
		return p.ARN
	}
	return p.Subject
}

// WithPrincipal adds p to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the principal from the context.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithToken adds a raw token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw token from the context.
func GetToken(ctx context.Context) string {
	if t, ok := ctx.Value(tokenContextKey).(string); ok {
		return t
	}
	return ""
}
