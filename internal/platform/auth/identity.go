package auth

import (
	"context"
	"strings"
)

// Role constants used throughout the API when checking authorisation boundaries.
const (
	RoleCustomer = "customer"
	RoleSupport  = "support"
	RoleAdmin    = "admin"
)

// RoleUser is the fallback role granted when the token carries no role claim.
const RoleUser = RoleCustomer

// Identity captures the authenticated caller extracted from a bearer token.
type Identity struct {
	// CustomerCode is the token subject and doubles as the customer key in
	// the order and session tables.
	CustomerCode string
	Email        string
	Locale       string
	Roles        []string

	// Claims holds the raw token claims for handlers needing more context.
	Claims map[string]any
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, candidate := range i.Roles {
		if normaliseRole(candidate) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/minutemart/order-api/internal/platform/auth/identity"

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// CustomerCodeFromContext is a convenience accessor for the common case.
func CustomerCodeFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	code := strings.TrimSpace(identity.CustomerCode)
	if code == "" {
		return "", false
	}
	return code, true
}
