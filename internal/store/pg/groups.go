package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/store/tenantdb"
)

var (
	_ authz.Store   = (*GroupStore)(nil)
	_ authz.GroupTx = (*groupTx)(nil)
)

// GroupStore keeps authorization groups in auth_groups. Membership, rules and filters
// live in the config document.
type GroupStore struct {
	db *tenantdb.DB
}

type groupConfig struct {
	AuthRules                  []authz.AuthRule `json:"authRules,omitempty"`
	DimensionFilters           []string         `json:"dimensionFilters,omitempty"`
	DimensionFilterDescription string           `json:"dimensionFilterDescription,omitempty"`
	AuthorizedUsers            []string         `json:"authorizedUsers,omitempty"`
	AuthorizedDepartmentIDs    []string         `json:"authorizedDepartmentIds,omitempty"`
	InheritFromModel           bool             `json:"inheritFromModel,omitempty"`
}

const groupColumns = `group_id, tenant_id, resource_type, resource_id, name, config, created_by, updated_by, created_at, updated_at`

func (s *GroupStore) Groups(ctx context.Context, f authz.GroupFilter) ([]authz.AuthGroup, error) {
	var (
		where []string
		args  []any
	)
	if f.ResourceType != "" {
		args = append(args, string(f.ResourceType))
		where = append(where, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if len(f.ResourceIDs) > 0 {
		args = append(args, f.ResourceIDs)
		where = append(where, fmt.Sprintf("resource_id = any($%d)", len(args)))
	}
	if f.GroupID != 0 {
		args = append(args, f.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	query := `select ` + groupColumns + ` from auth_groups`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by group_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.AuthGroup
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *GroupStore) InTx(ctx context.Context, fn func(ctx context.Context, tx authz.GroupTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &groupTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type groupTx struct {
	tx *tenantdb.Tx
}

func (t *groupTx) Group(ctx context.Context, id int64) (authz.AuthGroup, error) {
	row := t.tx.QueryRowContext(ctx, `select `+groupColumns+` from auth_groups where group_id = $1 for update`, id)
	g, err := scanGroup(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.AuthGroup{}, authz.ErrNotFound
	}
	return g, err
}

func (t *groupTx) Insert(ctx context.Context, g authz.AuthGroup) (authz.AuthGroup, error) {
	cfg, err := encodeConfig(g)
	if err != nil {
		return authz.AuthGroup{}, err
	}
	row := t.tx.QueryRowContext(ctx, `
		insert into auth_groups (tenant_id, resource_type, resource_id, name, config, created_by, updated_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning group_id
	`, g.TenantID, string(g.ResourceType), g.ResourceID, g.Name, cfg,
		nullIfEmpty(g.CreatedBy), nullIfEmpty(g.UpdatedBy), g.CreatedAt, g.UpdatedAt)
	if err := row.Scan(&g.GroupID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.AuthGroup{}, fmt.Errorf("%w: %s %d", authz.ErrNotFound, g.ResourceType, g.ResourceID)
		}
		return authz.AuthGroup{}, err
	}
	return g, nil
}

func (t *groupTx) Update(ctx context.Context, g authz.AuthGroup) error {
	cfg, err := encodeConfig(g)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		update auth_groups
		set resource_type = $1, resource_id = $2, name = $3, config = $4, updated_by = $5, updated_at = $6
		where group_id = $7
	`, string(g.ResourceType), g.ResourceID, g.Name, cfg, nullIfEmpty(g.UpdatedBy), g.UpdatedAt, g.GroupID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *groupTx) Delete(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `delete from auth_groups where group_id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *groupTx) Audit(ctx context.Context, rec audit.Record) error {
	return insertAudit(ctx, t.tx, rec)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func encodeConfig(g authz.AuthGroup) ([]byte, error) {
	b, err := json.Marshal(groupConfig{
		AuthRules:                  g.AuthRules,
		DimensionFilters:           g.DimensionFilters,
		DimensionFilterDescription: g.DimensionFilterDescription,
		AuthorizedUsers:            g.AuthorizedUsers,
		AuthorizedDepartmentIDs:    g.AuthorizedDepartmentIDs,
		InheritFromModel:           g.InheritFromModel,
	})
	if err != nil {
		return nil, fmt.Errorf("encode group config: %w", err)
	}
	return b, nil
}

func scanGroup(scan func(dest ...any) error) (authz.AuthGroup, error) {
	var (
		g         authz.AuthGroup
		rt        string
		raw       []byte
		createdBy sql.NullString
		updatedBy sql.NullString
	)
	if err := scan(&g.GroupID, &g.TenantID, &rt, &g.ResourceID, &g.Name, &raw, &createdBy, &updatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return authz.AuthGroup{}, err
	}
	g.ResourceType = authz.ResourceType(rt)
	g.CreatedBy = createdBy.String
	g.UpdatedBy = updatedBy.String
	if len(raw) > 0 {
		var cfg groupConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return authz.AuthGroup{}, fmt.Errorf("decode group %d config: %w", g.GroupID, err)
		}
		g.AuthRules = cfg.AuthRules
		g.DimensionFilters = cfg.DimensionFilters
		g.DimensionFilterDescription = cfg.DimensionFilterDescription
		g.AuthorizedUsers = cfg.AuthorizedUsers
		g.AuthorizedDepartmentIDs = cfg.AuthorizedDepartmentIDs
		g.InheritFromModel = cfg.InheritFromModel
	}
	return g, nil
}
