package pg

import (
	"context"
	"database/sql"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/store/tenantdb"
)

var _ audit.Sink = (*AuditSink)(nil)

// AuditSink appends records to auth_audit_log.
type AuditSink struct {
	db *tenantdb.DB
}

func (s *AuditSink) Write(ctx context.Context, rec audit.Record) error {
	return insertAudit(ctx, s.db, rec)
}

func insertAudit(ctx context.Context, q tenantdb.Querier, rec audit.Record) error {
	_, err := q.ExecContext(ctx, `
		insert into auth_audit_log (id, tenant_id, occurred_at, action, resource_type, resource_id,
			group_id, operator, old_value, new_value, description, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.TenantID, rec.OccurredAt, string(rec.Action), rec.ResourceType, rec.ResourceID,
		nullIfZero(rec.GroupID), rec.Operator, nullIfEmpty(rec.OldValue), nullIfEmpty(rec.NewValue),
		nullIfEmpty(rec.Description), nullIfEmpty(rec.RequestID))
	return err
}

// RecordsFor lists a resource's audit trail, newest first.
func (s *AuditSink) RecordsFor(ctx context.Context, resourceType string, resourceID int64, limit int) ([]audit.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, occurred_at, action, resource_type, resource_id, group_id,
			operator, old_value, new_value, description, request_id
		from auth_audit_log
		where resource_type = $1 and resource_id = $2
		order by occurred_at desc
		limit $3
	`, resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec                         audit.Record
			action                      string
			group                       sql.NullInt64
			oldV, newV, desc, requestID sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.OccurredAt, &action, &rec.ResourceType, &rec.ResourceID,
			&group, &rec.Operator, &oldV, &newV, &desc, &requestID); err != nil {
			return nil, err
		}
		rec.Action = audit.Action(action)
		rec.GroupID = group.Int64
		rec.OldValue, rec.NewValue = oldV.String, newV.String
		rec.Description, rec.RequestID = desc.String, requestID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
