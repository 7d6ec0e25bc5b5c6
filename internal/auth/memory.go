package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Uniqueness is
// checked and records inserted under the same write lock, so concurrent
// creators with the same name cannot both succeed.
type InMemory struct {
	mu sync.RWMutex

	tenants     map[string]*Tenant
	tenantNames map[string]string // lower(name) -> tenant id
	users       map[string]*User
	usernames   map[string]map[string]string // tenant id -> username -> user id
	emails      map[string]map[string]string // tenant id -> lower(email) -> user id
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	s := &InMemory{}
	s.reset()
	return s
}

// Reset drops every record. Used by the dev harness reset endpoint.
func (s *InMemory) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *InMemory) reset() {
	s.tenants = make(map[string]*Tenant)
	s.tenantNames = make(map[string]string)
	s.users = make(map[string]*User)
	s.usernames = make(map[string]map[string]string)
	s.emails = make(map[string]map[string]string)
}

func (s *InMemory) CreateTenantWithAdmin(ctx context.Context, tenant *Tenant, admin *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nameKey := strings.ToLower(tenant.Name)
	if _, ok := s.tenantNames[nameKey]; ok {
		return fmt.Errorf("%w: tenant %q already exists", ErrConflict, tenant.Name)
	}
	for _, u := range s.users {
		if u.Username == admin.Username {
			return fmt.Errorf("%w: username %q already exists", ErrConflict, admin.Username)
		}
	}

	now := time.Now().UTC()
	t := *tenant
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	s.tenants[t.ID] = &t
	s.tenantNames[nameKey] = t.ID
	s.usernames[t.ID] = make(map[string]string)
	s.emails[t.ID] = make(map[string]string)

	admin.TenantID = t.ID
	s.insertUserLocked(admin, now)
	*tenant = t
	return nil
}

func (s *InMemory) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemory) DeleteTenant(ctx context.Context, tenantID, requesterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range s.usernames[tenantID] {
		if id != requesterID && s.users[id].Active {
			return fmt.Errorf("%w: tenant still owns active users", ErrConflict)
		}
	}
	for _, id := range s.usernames[tenantID] {
		delete(s.users, id)
	}
	delete(s.usernames, tenantID)
	delete(s.emails, tenantID)
	delete(s.tenantNames, strings.ToLower(t.Name))
	delete(s.tenants, tenantID)
	return nil
}

func (s *InMemory) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[user.TenantID]; !ok {
		return fmt.Errorf("%w: tenant", ErrNotFound)
	}
	if _, taken := s.usernames[user.TenantID][user.Username]; taken {
		return fmt.Errorf("%w: username %q already exists", ErrConflict, user.Username)
	}
	if _, taken := s.emails[user.TenantID][strings.ToLower(user.Email)]; taken {
		return fmt.Errorf("%w: email %q already exists", ErrConflict, user.Email)
	}
	s.insertUserLocked(user, time.Now().UTC())
	return nil
}

func (s *InMemory) insertUserLocked(user *User, now time.Time) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	u := *user
	s.users[u.ID] = &u
	s.usernames[u.TenantID][u.Username] = u.ID
	s.emails[u.TenantID][strings.ToLower(u.Email)] = u.ID
}

func (s *InMemory) UserByID(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) UserByUsername(ctx context.Context, tenantID, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[tenantID][username]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) UsersByUsername(ctx context.Context, username string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for tenantID := range s.usernames {
		if id, ok := s.usernames[tenantID][username]; ok {
			out = append(out, *s.users[id])
		}
	}
	return out, nil
}

func (s *InMemory) ListUsers(ctx context.Context, tenantID string, opts ListOptions) ([]User, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	matched := make([]User, 0, len(s.usernames[tenantID]))
	for _, id := range s.usernames[tenantID] {
		u := s.users[id]
		if opts.ActiveOnly && !u.Active {
			continue
		}
		matched = append(matched, *u)
	}
	s.mu.RUnlock()

	// ids are ULIDs, so id order is creation order
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []User{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *InMemory) UpdateUser(ctx context.Context, tenantID, userID string, upd UserUpdate) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return User{}, ErrNotFound
	}
	if upd.Email != nil {
		newKey := strings.ToLower(*upd.Email)
		oldKey := strings.ToLower(u.Email)
		if newKey != oldKey {
			if _, taken := s.emails[tenantID][newKey]; taken {
				return User{}, fmt.Errorf("%w: email %q already exists", ErrConflict, *upd.Email)
			}
			delete(s.emails[tenantID], oldKey)
			s.emails[tenantID][newKey] = u.ID
		}
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (s *InMemory) SetUserActive(ctx context.Context, tenantID, userID string, active bool) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return User{}, ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (s *InMemory) TenantStats(ctx context.Context, tenantID string) (TenantStats, error) {
	if err := ctx.Err(); err != nil {
		return TenantStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return TenantStats{}, ErrNotFound
	}
	stats := TenantStats{TenantID: tenantID}
	for _, id := range s.usernames[tenantID] {
		u := s.users[id]
		stats.TotalUsers++
		if u.Active {
			stats.ActiveUsers++
		} else {
			stats.InactiveUsers++
		}
		if u.Role == RoleAdmin {
			stats.AdminUsers++
		}
	}
	return stats, nil
}

func (s *InMemory) Ping(ctx context.Context) error { return ctx.Err() }
