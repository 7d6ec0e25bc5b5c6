package auth

// Guard decides whether authenticated claims may act on a tenant-owned
// resource. A resource of another tenant is reported as ErrNotFound, never
// ErrForbidden, so callers cannot probe for its existence.
type Guard struct{}

// Authorize returns nil when claims may access a resource of resourceTenantID
// with at least the required role.
func (Guard) Authorize(claims *Claims, resourceTenantID string, required Role) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.TenantID == "" || claims.TenantID != resourceTenantID {
		return ErrNotFound
	}
	if !claims.Role.Satisfies(required) {
		return ErrForbidden
	}
	return nil
}
