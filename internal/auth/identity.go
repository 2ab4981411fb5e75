package auth

import (
	"context"
)

// Identity is the verified principal extracted from an access token. Downstream
// services consume it instead of re-reading token claims.
type Identity struct {
	Subject  string `json:"sub"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type identityKey struct{}

// IdentityFromClaims projects decoded claims onto an Identity.
func IdentityFromClaims(claims *Claims) Identity {
	if claims == nil {
		return Identity{}
	}
	return Identity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Username: claims.Username,
		Role:     claims.Role,
	}
}

// ContextWithIdentity stores the identity on ctx.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored on ctx, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || identity.Subject == "" {
		return Identity{}, false
	}
	return identity, true
}

// HasRole reports whether the identity holds any of roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}
