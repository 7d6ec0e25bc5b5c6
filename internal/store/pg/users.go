package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantgate.org/internal/auth"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, u *auth.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	_, err := db.ExecContext(ctx, `
		insert into users (id, tenant_id, username, email, full_name, role, is_active, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.TenantID, u.Username, u.Email, u.FullName, string(u.Role), u.Active, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return mapErr("insert user", err)
}

func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return insertUser(ctx, s.db, user)
}

func (s *Store) UserByID(ctx context.Context, userID string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, mapErr("user by id", err)
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, tenantID, username string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and username = $2
	`, tenantID, username))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, mapErr("user by username", err)
	}
	return u, nil
}

func (s *Store) UsersByUsername(ctx context.Context, username string) ([]auth.User, error) {
	return s.queryUsers(ctx, "users by username", `
		select `+userColumns+`
		from users
		where username = $1
		order by id
	`, username)
}

func (s *Store) ListUsers(ctx context.Context, tenantID string, opts auth.ListOptions) ([]auth.User, int, error) {
	filter := `where tenant_id = $1`
	if opts.ActiveOnly {
		filter += ` and is_active`
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users `+filter, tenantID).Scan(&total); err != nil {
		return nil, 0, mapErr("count users", err)
	}
	users, err := s.queryUsers(ctx, "list users", `
		select `+userColumns+`
		from users
		`+filter+`
		order by id
		limit $2 offset $3
	`, tenantID, opts.PageSize, (opts.Page-1)*opts.PageSize)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *Store) queryUsers(ctx context.Context, op, query string, args ...any) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	users := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, tenantID, userID string, upd auth.UserUpdate) (auth.User, error) {
	var (
		sets []string
		args = []any{tenantID, userID}
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.FullName != nil {
		add("full_name", *upd.FullName)
	}
	if upd.Password != nil {
		add("password_hash", *upd.Password)
	}
	sets = append(sets, "updated_at = now()")

	u, err := scanUser(s.db.QueryRowContext(ctx, `
		update users set `+strings.Join(sets, ", ")+`
		where tenant_id = $1 and id = $2
		returning `+userColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, mapErr("update user", err)
	}
	return u, nil
}

func (s *Store) SetUserActive(ctx context.Context, tenantID, userID string, active bool) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		update users set is_active = $3, updated_at = now()
		where tenant_id = $1 and id = $2
		returning `+userColumns, tenantID, userID, active))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, mapErr("set user active", err)
	}
	return u, nil
}
