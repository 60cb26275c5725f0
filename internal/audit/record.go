// Package audit records permission-relevant events. Records are append-only and are
// written synchronously with the operation they describe.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/tenant"
)

// Action classifies an audit record.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionGrant  Action = "GRANT"
	ActionRevoke Action = "REVOKE"

	ActionSensitiveFieldAccess Action = "SENSITIVE_FIELD_ACCESS"
	ActionSensitiveFieldDenied Action = "SENSITIVE_FIELD_DENIED"
	ActionRowPermissionApplied Action = "ROW_PERMISSION_APPLIED"
)

// Record is one audit event.
type Record struct {
	ID           string    `json:"id"`
	OccurredAt   time.Time `json:"occurredAt"`
	TenantID     int64     `json:"tenantId"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   int64     `json:"resourceId"`
	GroupID      int64     `json:"groupId,omitempty"`
	Operator     string    `json:"operator"`
	OldValue     string    `json:"oldValue,omitempty"`
	NewValue     string    `json:"newValue,omitempty"`
	Description  string    `json:"description,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
}

// NewRecord stamps a record with an id, the time and whatever request, tenant and
// operator are known from ctx.
func NewRecord(ctx context.Context, action Action, resourceType string, resourceID int64) Record {
	now := time.Now().UTC()
	rec := Record{
		ID:           ids.NewAt(now),
		OccurredAt:   now,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Operator:     "system",
		RequestID:    RequestIDFromContext(ctx),
	}
	if id, ok := tenant.FromContext(ctx); ok {
		rec.TenantID = id
	}
	if u := auth.UserFromContext(ctx); !u.IsVisitor() {
		rec.Operator = u.Name
	}
	return rec
}

// JSON renders v for OldValue/NewValue. Nil renders as "".
func JSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Fields flattens the record for LogEvent.
func (r Record) Fields() map[string]any {
	f := map[string]any{
		"audit_id":      r.ID,
		"occurred_at":   r.OccurredAt.Format(time.RFC3339Nano),
		"action":        string(r.Action),
		"resource_type": r.ResourceType,
		"resource_id":   r.ResourceID,
		"operator":      r.Operator,
	}
	if r.GroupID != 0 {
		f["group_id"] = r.GroupID
	}
	if r.OldValue != "" {
		f["old_value"] = r.OldValue
	}
	if r.NewValue != "" {
		f["new_value"] = r.NewValue
	}
	if r.Description != "" {
		f["description"] = r.Description
	}
	return f
}
