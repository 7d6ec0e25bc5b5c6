package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
)

// adminUsernameLock serialises registrations so the global admin-username
// check and the insert happen atomically.
const adminUsernameLock int64 = 0x74656e616e74 // "tenant"

func (s *Store) CreateTenantWithAdmin(ctx context.Context, tenant *auth.Tenant, admin *auth.User) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = now
	}
	admin.UpdatedAt = admin.CreatedAt
	admin.TenantID = tenant.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin registration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, adminUsernameLock); err != nil {
		return mapErr("lock registration", err)
	}
	var taken bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from users where username = $1)`, admin.Username).Scan(&taken); err != nil {
		return mapErr("check admin username", err)
	}
	if taken {
		return fmt.Errorf("%w: username %q already exists", auth.ErrConflict, admin.Username)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into tenants (id, name, is_active, created_at)
		values ($1, $2, $3, $4)
	`, tenant.ID, tenant.Name, tenant.Active, tenant.CreatedAt); err != nil {
		return mapErr("insert tenant", err)
	}
	if err := insertUser(ctx, tx, admin); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit registration", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (auth.Tenant, error) {
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, name, is_active, created_at
		from tenants
		where id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Tenant{}, mapErr("get tenant", err)
	}
	return t, nil
}

func (s *Store) DeleteTenant(ctx context.Context, tenantID, requesterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin delete tenant", err)
	}
	defer func() { _ = tx.Rollback() }()

	// the row lock blocks concurrent user inserts through the foreign key
	var id string
	err = tx.QueryRowContext(ctx, `select id from tenants where id = $1 for update`, tenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return mapErr("lock tenant", err)
	}
	var active int
	if err := tx.QueryRowContext(ctx, `select count(*) from users where tenant_id = $1 and is_active and id <> $2`, tenantID, requesterID).Scan(&active); err != nil {
		return mapErr("count active users", err)
	}
	if active > 0 {
		return fmt.Errorf("%w: tenant still owns %d active users", auth.ErrConflict, active)
	}
	if _, err := tx.ExecContext(ctx, `delete from tenants where id = $1`, tenantID); err != nil {
		return mapErr("delete tenant", err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit delete tenant", err)
	}
	return nil
}

func (s *Store) TenantStats(ctx context.Context, tenantID string) (auth.TenantStats, error) {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return auth.TenantStats{}, err
	}
	stats := auth.TenantStats{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where is_active),
		       count(*) filter (where role = 'admin')
		from users
		where tenant_id = $1
	`, tenantID).Scan(&stats.TotalUsers, &stats.ActiveUsers, &stats.AdminUsers)
	if err != nil {
		return auth.TenantStats{}, mapErr("tenant stats", err)
	}
	stats.InactiveUsers = stats.TotalUsers - stats.ActiveUsers
	return stats, nil
}
