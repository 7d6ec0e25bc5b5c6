package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCredentials(t *testing.T) (*CredentialService, *InMemory) {
	t.Helper()
	store := NewInMemory()
	svc, err := NewCredentialService(store)
	require.NoError(t, err)
	return svc, store
}

func registerTenant(t *testing.T, svc *CredentialService, name, admin string) (string, string) {
	t.Helper()
	tenantID, adminID, err := svc.RegisterTenant(context.Background(), TenantRegistration{
		TenantName:    name,
		AdminEmail:    admin + "@example.com",
		AdminUsername: admin,
		AdminPassword: "correct-horse",
	})
	require.NoError(t, err)
	return tenantID, adminID
}

func TestRegisterTenantCreatesAdmin(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()

	tenantID, adminID := registerTenant(t, svc, "Acme Corp", "acme-admin")

	admin, err := svc.FindUserByID(ctx, adminID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, admin.TenantID)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.True(t, admin.Active)
	assert.NotEqual(t, "correct-horse", admin.PasswordHash)

	tenant, err := svc.GetTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", tenant.Name)
}

func TestRegisterTenantValidation(t *testing.T) {
	svc, _ := newTestCredentials(t)
	cases := map[string]TenantRegistration{
		"short name":     {TenantName: "ab", AdminEmail: "a@example.com", AdminUsername: "admin", AdminPassword: "password1"},
		"bad email":      {TenantName: "Acme", AdminEmail: "not-an-email", AdminUsername: "admin", AdminPassword: "password1"},
		"short username": {TenantName: "Acme", AdminEmail: "a@example.com", AdminUsername: "ad", AdminPassword: "password1"},
		"short password": {TenantName: "Acme", AdminEmail: "a@example.com", AdminUsername: "admin", AdminPassword: "short"},
	}
	for name, reg := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.RegisterTenant(context.Background(), reg)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRegisterTenantDuplicates(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	registerTenant(t, svc, "Acme Corp", "acme-admin")

	_, _, err := svc.RegisterTenant(ctx, TenantRegistration{
		TenantName: "ACME CORP", AdminEmail: "other@example.com", AdminUsername: "other-admin", AdminPassword: "correct-horse",
	})
	require.ErrorIs(t, err, ErrConflict)

	_, _, err = svc.RegisterTenant(ctx, TenantRegistration{
		TenantName: "Globex", AdminEmail: "g@example.com", AdminUsername: "acme-admin", AdminPassword: "correct-horse",
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestRegisterTenantConcurrentSameName(t *testing.T) {
	svc, store := newTestCredentials(t)
	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.RegisterTenant(context.Background(), TenantRegistration{
				TenantName:    "Race Tenant",
				AdminEmail:    fmt.Sprintf("admin%d@example.com", i),
				AdminUsername: fmt.Sprintf("race-admin-%d", i),
				AdminPassword: "correct-horse",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)
	assert.Len(t, store.tenants, 1)
	assert.Len(t, store.users, 1)
}

func TestCreateUserScopedUniqueness(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	acme, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")
	globex, _ := registerTenant(t, svc, "Globex", "globex-admin")

	nu := NewUser{Username: "alice", Email: "Alice@Example.com", FullName: "Alice"}
	u, err := svc.CreateUser(ctx, acme, nu)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = svc.CreateUser(ctx, acme, NewUser{Username: "alice", Email: "other@example.com", FullName: "Alice 2"})
	require.ErrorIs(t, err, ErrConflict)
	_, err = svc.CreateUser(ctx, acme, NewUser{Username: "alice2", Email: "ALICE@example.com", FullName: "Alice 2"})
	require.ErrorIs(t, err, ErrConflict)

	// same username and email in another tenant is fine
	_, err = svc.CreateUser(ctx, globex, nu)
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", NewUser{Username: "bob", Email: "bob@example.com", FullName: "Bob"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateUser(ctx, acme, NewUser{Username: "carol", Email: "carol@example.com", FullName: "Carol", Role: "superuser"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateUsersBulk(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	tenantID, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")

	batch := make([]NewUser, 5)
	for i := range batch {
		batch[i] = NewUser{Username: fmt.Sprintf("user%d", i), Email: fmt.Sprintf("user%d@example.com", i), FullName: "User"}
	}
	users, err := svc.CreateUsers(ctx, tenantID, batch)
	require.NoError(t, err)
	require.Len(t, users, 5)
	for i, u := range users {
		assert.Equal(t, batch[i].Username, u.Username)
		assert.Equal(t, tenantID, u.TenantID)
	}

	_, err = svc.CreateUsers(ctx, tenantID, []NewUser{
		{Username: "dup", Email: "dup1@example.com", FullName: "Dup"},
		{Username: "dup", Email: "dup2@example.com", FullName: "Dup"},
	})
	require.ErrorIs(t, err, ErrConflict)
	_, err = svc.FindUserByUsername(ctx, tenantID, "dup")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateUsers(ctx, tenantID, make([]NewUser, maxBulkUsers+1))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyCredentials(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	acme, adminID := registerTenant(t, svc, "Acme Corp", "acme-admin")

	u, err := svc.VerifyCredentials(ctx, acme, "acme-admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, adminID, u.ID)

	u, err = svc.VerifyCredentials(ctx, "", "acme-admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, adminID, u.ID)

	_, wrongPassword := svc.VerifyCredentials(ctx, acme, "acme-admin", "wrong-password")
	_, unknownUser := svc.VerifyCredentials(ctx, acme, "nobody", "correct-horse")
	_, unknownGlobal := svc.VerifyCredentials(ctx, "", "nobody", "correct-horse")
	for _, err := range []error{wrongPassword, unknownUser, unknownGlobal} {
		require.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, ErrInvalidCredentials.Error(), err.Error())
	}

	_, err = svc.DeactivateUser(ctx, acme, adminID)
	require.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, acme, "acme-admin", "correct-horse")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyCredentialsAmbiguousGlobal(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	acme, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")
	globex, _ := registerTenant(t, svc, "Globex", "globex-admin")

	for _, tenantID := range []string{acme, globex} {
		_, err := svc.CreateUser(ctx, tenantID, NewUser{Username: "shared", Email: "shared@example.com", FullName: "Shared", Password: "same-password"})
		require.NoError(t, err)
	}

	_, err := svc.VerifyCredentials(ctx, "", "shared", "same-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	u, err := svc.VerifyCredentials(ctx, globex, "shared", "same-password")
	require.NoError(t, err)
	assert.Equal(t, globex, u.TenantID)
}

func TestVerifyCredentialsFixedCompareCount(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	var compares int
	svc.verify = func(hash, password string) error {
		compares++
		return VerifyPassword(hash, password)
	}

	var tenants []string
	for i := range globalLoginCompares + 1 {
		tenantID, _ := registerTenant(t, svc, fmt.Sprintf("Tenant %d", i), fmt.Sprintf("admin-%d", i))
		tenants = append(tenants, tenantID)
	}
	createShared := func(tenantID string) {
		_, err := svc.CreateUser(ctx, tenantID, NewUser{Username: "shared", Email: "shared@example.com", FullName: "Shared", Password: "shared-password"})
		require.NoError(t, err)
	}
	createShared(tenants[0])

	cases := []struct {
		name     string
		tenantID string
		username string
		password string
		ok       bool
		want     int
	}{
		{"scoped match", tenants[0], "shared", "shared-password", true, 1},
		{"scoped unknown user", tenants[0], "nobody", "shared-password", false, 1},
		{"global match", "", "shared", "shared-password", true, globalLoginCompares},
		{"global wrong password", "", "shared", "wrong-password", false, globalLoginCompares},
		{"global unknown user", "", "nobody", "shared-password", false, globalLoginCompares},
		{"global empty username", "", "", "shared-password", false, globalLoginCompares},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compares = 0
			_, err := svc.VerifyCredentials(ctx, tc.tenantID, tc.username, tc.password)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidCredentials)
			}
			assert.Equal(t, tc.want, compares)
		})
	}

	// more holders than the budget: global login refuses, scoped still works
	for _, tenantID := range tenants[1:] {
		createShared(tenantID)
	}
	compares = 0
	_, err := svc.VerifyCredentials(ctx, "", "shared", "shared-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, globalLoginCompares, compares)

	u, err := svc.VerifyCredentials(ctx, tenants[2], "shared", "shared-password")
	require.NoError(t, err)
	assert.Equal(t, tenants[2], u.TenantID)
}

func TestAdminGlobalLoginAmbiguousWhenUsernameReused(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	acme, adminID := registerTenant(t, svc, "Acme Corp", "acme-admin")
	globex, _ := registerTenant(t, svc, "Globex", "globex-admin")

	// usernames are tenant scoped, so another tenant may reuse an admin's name
	other, err := svc.CreateUser(ctx, globex, NewUser{Username: "acme-admin", Email: "other@example.com", FullName: "Other", Password: "different-password"})
	require.NoError(t, err)
	u, err := svc.VerifyCredentials(ctx, "", "acme-admin", "correct-horse")
	require.NoError(t, err, "a single password match is still unambiguous")
	assert.Equal(t, adminID, u.ID)

	samePassword := "correct-horse"
	_, err = svc.UpdateUser(ctx, globex, other.ID, UserUpdate{Password: &samePassword})
	require.NoError(t, err)
	_, err = svc.VerifyCredentials(ctx, "", "acme-admin", "correct-horse")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	u, err = svc.VerifyCredentials(ctx, acme, "acme-admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, adminID, u.ID)
}

func TestUserWithoutPasswordCannotLogin(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	tenantID, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")
	_, err := svc.CreateUser(ctx, tenantID, NewUser{Username: "nopass", Email: "nopass@example.com", FullName: "No Pass"})
	require.NoError(t, err)

	_, err = svc.VerifyCredentials(ctx, tenantID, "nopass", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestListUsersPagination(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	tenantID, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")
	for i := range 4 {
		_, err := svc.CreateUser(ctx, tenantID, NewUser{Username: fmt.Sprintf("user%d", i), Email: fmt.Sprintf("user%d@example.com", i), FullName: "User"})
		require.NoError(t, err)
	}

	page, err := svc.ListUsers(ctx, tenantID, ListOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)
	assert.Len(t, page.Users, 2)
	assert.True(t, page.HasNext())
	assert.False(t, page.HasPrev())
	assert.Equal(t, "acme-admin", page.Users[0].Username)

	page, err = svc.ListUsers(ctx, tenantID, ListOptions{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Users, 1)
	assert.False(t, page.HasNext())
	assert.True(t, page.HasPrev())

	page, err = svc.ListUsers(ctx, tenantID, ListOptions{PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, maxPageSize, page.PageSize)
}

func TestUpdateAndDeactivateAreTenantScoped(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	acme, _ := registerTenant(t, svc, "Acme Corp", "acme-admin")
	globex, _ := registerTenant(t, svc, "Globex", "globex-admin")
	u, err := svc.CreateUser(ctx, acme, NewUser{Username: "alice", Email: "alice@example.com", FullName: "Alice"})
	require.NoError(t, err)

	name := "Alice Liddell"
	updated, err := svc.UpdateUser(ctx, acme, u.ID, UserUpdate{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.FullName)
	assert.Equal(t, acme, updated.TenantID)

	_, err = svc.UpdateUser(ctx, globex, u.ID, UserUpdate{FullName: &name})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.DeactivateUser(ctx, globex, u.ID)
	require.ErrorIs(t, err, ErrNotFound)

	bad := "nope"
	_, err = svc.UpdateUser(ctx, acme, u.ID, UserUpdate{Email: &bad})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTenantStatsAndDelete(t *testing.T) {
	svc, _ := newTestCredentials(t)
	ctx := context.Background()
	tenantID, adminID := registerTenant(t, svc, "Acme Corp", "acme-admin")
	u, err := svc.CreateUser(ctx, tenantID, NewUser{Username: "alice", Email: "alice@example.com", FullName: "Alice"})
	require.NoError(t, err)
	_, err = svc.DeactivateUser(ctx, tenantID, u.ID)
	require.NoError(t, err)

	stats, err := svc.TenantStats(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, TenantStats{TenantID: tenantID, TotalUsers: 2, ActiveUsers: 1, AdminUsers: 1, InactiveUsers: 1}, stats)

	require.ErrorIs(t, svc.DeleteTenant(ctx, tenantID, ""), ErrConflict)
	require.NoError(t, svc.DeleteTenant(ctx, tenantID, adminID))

	_, err = svc.GetTenant(ctx, tenantID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.FindUserByID(ctx, adminID)
	require.ErrorIs(t, err, ErrNotFound)
}

type slowStore struct {
	*InMemory
}

func (s slowStore) UserByID(ctx context.Context, _ string) (User, error) {
	<-ctx.Done()
	return User{}, ctx.Err()
}

func TestStoreTimeoutMapsToUnavailable(t *testing.T) {
	svc, err := NewCredentialService(slowStore{NewInMemory()}, WithStoreTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = svc.FindUserByID(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFindUserByIDRejectsMalformedID(t *testing.T) {
	svc, _ := newTestCredentials(t)
	_, err := svc.FindUserByID(context.Background(), "../etc/passwd")
	require.ErrorIs(t, err, ErrNotFound)
}
