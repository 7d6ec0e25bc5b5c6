package auth

import "strings"

// Role is the privilege level of a user within its tenant.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// roleRanks orders roles by privilege. A role satisfies any requirement with an
// equal or lower rank. New roles are added here.
var roleRanks = map[Role]int{
	RoleUser:  10,
	RoleAdmin: 100,
}

// ParseRole normalises s and reports whether it names a known role.
// The empty string parses as RoleUser.
func ParseRole(s string) (Role, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return RoleUser, true
	}
	r := Role(s)
	_, ok := roleRanks[r]
	return r, ok
}

// Known reports whether r is a registered role.
func (r Role) Known() bool {
	_, ok := roleRanks[r]
	return ok
}

// Satisfies reports whether r carries at least the privilege of required.
func (r Role) Satisfies(required Role) bool {
	have, ok := roleRanks[r]
	if !ok {
		return false
	}
	need, ok := roleRanks[required]
	if !ok {
		return false
	}
	return have >= need
}

func (r Role) String() string { return string(r) }
