package auth

import "time"

// Tenant is an isolated namespace that owns users.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// User belongs to exactly one tenant for its whole lifetime.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	Role         Role      `json:"role"`
	Active       bool      `json:"is_active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TenantRegistration is the input of the tenant registration flow.
type TenantRegistration struct {
	TenantName    string
	AdminEmail    string
	AdminUsername string
	AdminPassword string
}

// NewUser describes a user to be created inside an existing tenant.
type NewUser struct {
	Username string
	Email    string
	FullName string
	Role     Role
	// Password is optional; users created without one cannot log in until it is set.
	Password string
}

// UserUpdate carries optional field changes. Nil fields are left untouched.
type UserUpdate struct {
	Email    *string
	FullName *string
	Password *string
}

// ListOptions controls user pagination. Page is 1-based.
type ListOptions struct {
	Page       int
	PageSize   int
	ActiveOnly bool
}

// UserPage is one page of a tenant's users.
type UserPage struct {
	Users      []User
	Page       int
	PageSize   int
	TotalCount int
}

// HasNext reports whether another page follows this one.
func (p UserPage) HasNext() bool { return p.Page*p.PageSize < p.TotalCount }

// HasPrev reports whether a page precedes this one.
func (p UserPage) HasPrev() bool { return p.Page > 1 }

// TenantStats summarises a tenant's users.
type TenantStats struct {
	TenantID      string `json:"tenant_id"`
	TotalUsers    int    `json:"total_users"`
	ActiveUsers   int    `json:"active_users"`
	AdminUsers    int    `json:"admin_users"`
	InactiveUsers int    `json:"inactive_users"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	// ExpiresIn is the access token lifetime in whole seconds.
	ExpiresIn int64
}
