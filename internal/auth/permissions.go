package auth

// Roles.
const (
	RoleAdmin  = "admin"
	RoleFarmer = "farmer"
	RoleBuyer  = "buyer"
)

// Permissions checked by the HTTP layer before a saga runs.
const (
	PermPlatformInit       = "platform.init"
	PermRegister           = "registration.create"
	PermPurchase           = "purchase.create"
	PermRetire             = "retirement.create"
	PermDecommissionDetach = "decommission.detach"
	PermDecommissionPurge  = "decommission.purge"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermPlatformInit, PermRegister, PermPurchase, PermRetire,
		PermDecommissionDetach, PermDecommissionPurge,
	},
	RoleFarmer: {PermRegister, PermRetire, PermDecommissionDetach},
	RoleBuyer:  {PermPurchase, PermRetire, PermDecommissionDetach},
}

// KnownRole reports whether role is one of the built-in roles.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}
