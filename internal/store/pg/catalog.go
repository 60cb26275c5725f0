package pg

import (
	"context"
	"fmt"

	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/store/tenantdb"
)

var _ authz.Catalog = (*Catalog)(nil)

// Catalog reads models, their fields and datasets.
type Catalog struct {
	db *tenantdb.DB
}

func (c *Catalog) Owned(ctx context.Context, rt authz.ResourceType, ids []int64) ([]int64, error) {
	var query string
	switch rt {
	case authz.ResourceModel:
		query = `select id from models where id = any($1) order by id`
	case authz.ResourceDataset:
		query = `select id from datasets where id = any($1) order by id`
	default:
		return nil, fmt.Errorf("%w: unknown resource type %q", authz.ErrInvalidInput, rt)
	}
	rows, err := c.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := []int64{}
	for _, id := range ids {
		if found[id] {
			out = append(out, id)
			delete(found, id)
		}
	}
	return out, nil
}

func (c *Catalog) ModelFields(ctx context.Context, modelID int64) ([]authz.Field, error) {
	var exists bool
	if err := c.db.QueryRowContext(ctx, `select exists (select 1 from models where id = $1)`, modelID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, authz.ErrNotFound
	}
	rows, err := c.db.QueryContext(ctx, `select name, sensitive from model_fields where model_id = $1 order by name`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Field
	for rows.Next() {
		var f authz.Field
		if err := rows.Scan(&f.Name, &f.Sensitive); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (c *Catalog) DatasetModels(ctx context.Context, datasetIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(datasetIDs))
	if len(datasetIDs) == 0 {
		return out, nil
	}
	rows, err := c.db.QueryContext(ctx, `
		select dm.dataset_id, dm.model_id
		from dataset_models dm
		join models m on m.id = dm.model_id
		where dm.dataset_id = any($1)
		order by dm.dataset_id, dm.model_id
	`, datasetIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ds, model int64
		if err := rows.Scan(&ds, &model); err != nil {
			return nil, err
		}
		out[ds] = append(out[ds], model)
	}
	return out, rows.Err()
}
