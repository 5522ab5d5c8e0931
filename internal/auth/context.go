package auth

import (
	"context"
	"strings"
)

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithUser stores a user identity without a ledger account.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return ContextWithPrincipal(ctx, NewPrincipal(strings.TrimSpace(userID), "", roles))
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || strings.TrimSpace(p.UserID) == "" {
		return "", false
	}
	return p.UserID, true
}

// AccountFromContext returns the caller's ledger account, if the token carried one.
func AccountFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Account == "" {
		return "", false
	}
	return p.Account, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	p, ok := PrincipalFromContext(ctx)
	if !ok || len(p.Roles) == 0 {
		return nil
	}
	out := make([]string, len(p.Roles))
	copy(out, p.Roles)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
