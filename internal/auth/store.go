package auth

import "context"

// Store describes persistence operations required by the credential service.
// Implementations own tenant and user records exclusively and must enforce
// uniqueness atomically against concurrent writers.
type Store interface {
	// CreateTenantWithAdmin inserts tenant and its first admin atomically. It
	// fails with ErrConflict when the tenant name (case-insensitive) or the
	// admin username is already taken.
	CreateTenantWithAdmin(ctx context.Context, tenant *Tenant, admin *User) error
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	// DeleteTenant fails with ErrConflict while the tenant owns active users
	// other than requesterID. The requester is removed with the tenant.
	DeleteTenant(ctx context.Context, tenantID, requesterID string) error

	// CreateUser fails with ErrNotFound for an unknown tenant and ErrConflict
	// for a username or email already used inside the same tenant.
	CreateUser(ctx context.Context, user *User) error
	UserByID(ctx context.Context, userID string) (User, error)
	UserByUsername(ctx context.Context, tenantID, username string) (User, error)
	// UsersByUsername returns every user with username across all tenants.
	UsersByUsername(ctx context.Context, username string) ([]User, error)
	ListUsers(ctx context.Context, tenantID string, opts ListOptions) ([]User, int, error)
	// UpdateUser applies upd to a user of tenantID. upd.Password, when set, is
	// already hashed.
	UpdateUser(ctx context.Context, tenantID, userID string, upd UserUpdate) (User, error)
	SetUserActive(ctx context.Context, tenantID, userID string, active bool) (User, error)
	TenantStats(ctx context.Context, tenantID string) (TenantStats, error)

	Ping(ctx context.Context) error
}
