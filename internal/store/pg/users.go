package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"tenantgate.org/internal/auth"
)

var _ auth.UserDirectory = (*Store)(nil)

const userColumns = `id, name, display_name, email, password_hash, tenant_id, role, is_admin, organization_id, status`

func (s *Store) FindByName(ctx context.Context, name string) (auth.Account, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where name = $1`, strings.TrimSpace(name))
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.Account, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, strings.TrimSpace(email))
}

// UserByID returns the stored identity without its credential.
func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	acct, err := s.findUser(ctx, `select `+userColumns+` from users where id = $1`, id)
	if err != nil {
		return auth.User{}, err
	}
	return acct.User, nil
}

func (s *Store) findUser(ctx context.Context, query string, arg any) (auth.Account, error) {
	var (
		acct    auth.Account
		display sql.NullString
		hash    sql.NullString
		tenant  sql.NullInt64
		org     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&acct.ID, &acct.Name, &display, &acct.Email, &hash, &tenant,
		&acct.Role, &acct.IsAdmin, &org, &acct.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, err
	}
	acct.DisplayName = display.String
	acct.PasswordHash = hash.String
	acct.TenantID = tenant.Int64
	acct.OrganizationID = org.Int64
	return acct, nil
}

// CreateUser stores a new account. Duplicate names or emails give auth.ErrConflict and
// an unknown tenant gives auth.ErrNotFound.
func (s *Store) CreateUser(ctx context.Context, acct auth.Account) (auth.User, error) {
	if strings.TrimSpace(acct.Name) == "" || strings.TrimSpace(acct.Email) == "" {
		return auth.User{}, auth.ErrInvalidInput
	}
	if acct.Role == "" {
		acct.Role = auth.RoleUser
	}
	if acct.Status == 0 {
		acct.Status = auth.StatusEnabled
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (name, display_name, email, password_hash, tenant_id, role, is_admin, organization_id, status)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning id
	`, acct.Name, nullIfEmpty(acct.DisplayName), acct.Email, nullIfEmpty(acct.PasswordHash),
		nullIfZero(acct.TenantID), acct.Role, acct.IsAdmin, nullIfZero(acct.OrganizationID), acct.Status)
	if err := row.Scan(&acct.ID); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.User{}, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.User{}, auth.ErrNotFound
			}
		}
		return auth.User{}, err
	}
	return acct.User, nil
}
