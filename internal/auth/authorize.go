package auth

import "context"

// Principal is an authenticated caller with permissions resolved from its roles.
type Principal struct {
	UserID      string
	Account     string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal resolves permissions for the given roles.
func NewPrincipal(userID, account string, roles []string) Principal {
	roles = dedupeRoles(roles)
	set := make(map[string]struct{})
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	return Principal{UserID: userID, Account: account, Roles: roles, Permissions: set}
}

// PrincipalFromClaims builds a principal from validated token claims.
func PrincipalFromClaims(c *Claims) Principal {
	return NewPrincipal(c.Subject, c.Account, c.Roles)
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// Require returns ErrUnauthenticated or ErrForbidden unless the caller holds perm.
func Require(ctx context.Context, perm string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.HasPermission(perm) {
		return ErrForbidden
	}
	return nil
}
