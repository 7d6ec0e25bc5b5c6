package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tenantgate.org/internal/ids"
)

const (
	defaultStoreTimeout = 5 * time.Second
	// globalLoginCompares is the bcrypt work done by every login that does
	// not name a tenant.
	globalLoginCompares = 4
	defaultPageSize     = 20
	maxPageSize         = 100
	bulkConcurrency     = 8
)

// CredentialService owns tenant and user records through a Store and verifies
// credentials. Every store call is bounded by the configured timeout; an
// expired bound surfaces as ErrUnavailable.
type CredentialService struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	verify  func(hash, password string) error
}

// CredentialOption configures CredentialService behavior.
type CredentialOption func(*CredentialService) error

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) CredentialOption {
	return func(s *CredentialService) error {
		if d > 0 {
			s.timeout = d
		}
		return nil
	}
}

// WithCredentialClock overrides time source (useful for tests).
func WithCredentialClock(fn func() time.Time) CredentialOption {
	return func(s *CredentialService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewCredentialService constructs CredentialService with optional configuration.
func NewCredentialService(store Store, opts ...CredentialOption) (*CredentialService, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	svc := &CredentialService{
		store:   store,
		timeout: defaultStoreTimeout,
		now:     time.Now,
		verify:  VerifyPassword,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *CredentialService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// RegisterTenant creates a tenant and its first admin atomically.
func (s *CredentialService) RegisterTenant(ctx context.Context, reg TenantRegistration) (string, string, error) {
	name, err := normalizeTenantName(reg.TenantName)
	if err != nil {
		return "", "", err
	}
	username, err := normalizeUsername("admin_username", reg.AdminUsername)
	if err != nil {
		return "", "", err
	}
	email, err := normalizeEmail("admin_email", reg.AdminEmail)
	if err != nil {
		return "", "", err
	}
	if err := validatePassword("admin_password", reg.AdminPassword); err != nil {
		return "", "", err
	}
	hash, err := HashPassword(reg.AdminPassword)
	if err != nil {
		return "", "", fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	tenant := &Tenant{ID: ids.New(), Name: name, Active: true, CreatedAt: now}
	admin := &User{
		ID:           ids.New(),
		TenantID:     tenant.ID,
		Username:     username,
		Email:        email,
		FullName:     "Admin User",
		Role:         RoleAdmin,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.CreateTenantWithAdmin(ctx, tenant, admin); err != nil {
		return "", "", classifyStoreErr("create tenant", err)
	}
	return tenant.ID, admin.ID, nil
}

// CreateUser adds a user to tenantID. The role defaults to RoleUser.
func (s *CredentialService) CreateUser(ctx context.Context, tenantID string, nu NewUser) (User, error) {
	nu, err := normalizeNewUser(nu)
	if err != nil {
		return User{}, err
	}
	return s.createNormalized(ctx, tenantID, nu)
}

func (s *CredentialService) createNormalized(ctx context.Context, tenantID string, nu NewUser) (User, error) {
	var (
		hash string
		err  error
	)
	if nu.Password != "" {
		hash, err = HashPassword(nu.Password)
	} else {
		hash, err = unusablePasswordHash()
	}
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		ID:           ids.New(),
		TenantID:     tenantID,
		Username:     nu.Username,
		Email:        nu.Email,
		FullName:     nu.FullName,
		Role:         nu.Role,
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.store.CreateUser(ctx, user); err != nil {
		return User{}, classifyStoreErr("create user", err)
	}
	return *user, nil
}

// CreateUsers creates a batch of users concurrently. The whole batch is
// validated up front; duplicate usernames or emails inside the batch fail
// with ErrConflict before anything is written.
func (s *CredentialService) CreateUsers(ctx context.Context, tenantID string, batch []NewUser) ([]User, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: at least one user is required", ErrInvalidInput)
	}
	if len(batch) > maxBulkUsers {
		return nil, fmt.Errorf("%w: cannot create more than %d users at once", ErrInvalidInput, maxBulkUsers)
	}
	normalized := make([]NewUser, len(batch))
	usernames := make(map[string]struct{}, len(batch))
	emails := make(map[string]struct{}, len(batch))
	for i, nu := range batch {
		n, err := normalizeNewUser(nu)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", i, err)
		}
		if _, dup := usernames[n.Username]; dup {
			return nil, fmt.Errorf("%w: username %q repeated in batch", ErrConflict, n.Username)
		}
		if _, dup := emails[n.Email]; dup {
			return nil, fmt.Errorf("%w: email %q repeated in batch", ErrConflict, n.Email)
		}
		usernames[n.Username] = struct{}{}
		emails[n.Email] = struct{}{}
		normalized[i] = n
	}

	out := make([]User, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i := range normalized {
		g.Go(func() error {
			u, err := s.createNormalized(gctx, tenantID, normalized[i])
			if err != nil {
				return err
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindUserByUsername looks a user up inside tenantID.
func (s *CredentialService) FindUserByUsername(ctx context.Context, tenantID, username string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := s.store.UserByUsername(ctx, tenantID, strings.TrimSpace(username))
	return u, classifyStoreErr("find user", err)
}

// FindUserByID is a tenant-agnostic lookup. Callers outside the token layer
// must pass the result through the Guard before exposing it.
func (s *CredentialService) FindUserByID(ctx context.Context, userID string) (User, error) {
	if !ids.Valid(userID) {
		return User{}, ErrNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := s.store.UserByID(ctx, userID)
	return u, classifyStoreErr("find user", err)
}

// VerifyCredentials authenticates username/password. An empty tenantID
// searches all tenants and succeeds only when exactly one candidate matches.
// Missing users, wrong passwords, inactive users and ambiguous matches all
// fail with ErrInvalidCredentials.
//
// Every call runs the same number of password comparisons: one when a tenant
// is named, globalLoginCompares otherwise. A global login whose username is
// held in more tenants than that fails; the caller must name the tenant.
func (s *CredentialService) VerifyCredentials(ctx context.Context, tenantID, username, password string) (User, error) {
	budget := 1
	if strings.TrimSpace(tenantID) == "" {
		budget = globalLoginCompares
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		s.burnCompares(password, budget)
		return User{}, ErrInvalidCredentials
	}

	candidates, err := s.credentialCandidates(ctx, tenantID, username)
	if err != nil {
		return User{}, err
	}
	if len(candidates) > budget {
		s.burnCompares(password, budget)
		return User{}, ErrInvalidCredentials
	}

	var matched []User
	for _, u := range candidates {
		if s.verify(u.PasswordHash, password) == nil {
			matched = append(matched, u)
		}
	}
	s.burnCompares(password, budget-len(candidates))
	if len(matched) != 1 || !matched[0].Active {
		return User{}, ErrInvalidCredentials
	}
	return matched[0], nil
}

func (s *CredentialService) burnCompares(password string, n int) {
	for range n {
		_ = s.verify(dummyPasswordHash(), password)
	}
}

func (s *CredentialService) credentialCandidates(ctx context.Context, tenantID, username string) ([]User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		users, err := s.store.UsersByUsername(ctx, username)
		if err != nil {
			return nil, classifyStoreErr("find user", err)
		}
		return users, nil
	}
	u, err := s.store.UserByUsername(ctx, tenantID, username)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStoreErr("find user", err)
	}
	return []User{u}, nil
}

// ListUsers returns one page of tenantID's users. Page and size are clamped
// to sane bounds.
func (s *CredentialService) ListUsers(ctx context.Context, tenantID string, opts ListOptions) (UserPage, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	users, total, err := s.store.ListUsers(ctx, tenantID, opts)
	if err != nil {
		return UserPage{}, classifyStoreErr("list users", err)
	}
	return UserPage{Users: users, Page: opts.Page, PageSize: opts.PageSize, TotalCount: total}, nil
}

// UpdateUser changes email, full name or password of a user in tenantID.
func (s *CredentialService) UpdateUser(ctx context.Context, tenantID, userID string, upd UserUpdate) (User, error) {
	if upd.Email != nil {
		email, err := normalizeEmail("email", *upd.Email)
		if err != nil {
			return User{}, err
		}
		upd.Email = &email
	}
	if upd.FullName != nil {
		name, err := normalizeFullName(*upd.FullName)
		if err != nil {
			return User{}, err
		}
		upd.FullName = &name
	}
	if upd.Password != nil {
		if err := validatePassword("password", *upd.Password); err != nil {
			return User{}, err
		}
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		upd.Password = &hash
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := s.store.UpdateUser(ctx, tenantID, userID, upd)
	return u, classifyStoreErr("update user", err)
}

// DeactivateUser soft-deletes a user of tenantID.
func (s *CredentialService) DeactivateUser(ctx context.Context, tenantID, userID string) (User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := s.store.SetUserActive(ctx, tenantID, userID, false)
	return u, classifyStoreErr("deactivate user", err)
}

// GetTenant loads a tenant by id.
func (s *CredentialService) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	t, err := s.store.GetTenant(ctx, tenantID)
	return t, classifyStoreErr("get tenant", err)
}

// DeleteTenant removes a tenant whose only remaining active user, if any, is
// requesterID.
func (s *CredentialService) DeleteTenant(ctx context.Context, tenantID, requesterID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return classifyStoreErr("delete tenant", s.store.DeleteTenant(ctx, tenantID, requesterID))
}

// TenantStats summarises tenantID's users.
func (s *CredentialService) TenantStats(ctx context.Context, tenantID string) (TenantStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	st, err := s.store.TenantStats(ctx, tenantID)
	return st, classifyStoreErr("tenant stats", err)
}

// Ping checks store reachability.
func (s *CredentialService) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return classifyStoreErr("ping", s.store.Ping(ctx))
}
