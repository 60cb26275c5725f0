package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/tenant"
)

var errGroupNotFound = fmt.Errorf("%w: %s", ErrNotFound, ReasonGroupNotFound)

// DepartmentsFunc lists the departments an identity belongs to.
type DepartmentsFunc func(ctx context.Context, u auth.User) []string

// Service evaluates and manages authorization groups.
type Service struct {
	store       Store
	catalog     Catalog
	sink        audit.Sink
	log         *zap.Logger
	now         func() time.Time
	departments DepartmentsFunc
}

// Option configures Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDepartments overrides department lookup. The default uses the identity's
// organization id.
func WithDepartments(fn DepartmentsFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.departments = fn
		}
	}
}

// NewService constructs a Service. Access events go to sink; group mutations are
// audited through the store transaction.
func NewService(store Store, catalog Catalog, sink audit.Sink, opts ...Option) *Service {
	s := &Service{
		store:       store,
		catalog:     catalog,
		sink:        sink,
		log:         obs.Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		departments: organizationDepartment,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func organizationDepartment(_ context.Context, u auth.User) []string {
	if u.OrganizationID <= 0 {
		return nil
	}
	return []string{strconv.FormatInt(u.OrganizationID, 10)}
}

func canManage(u auth.User) bool {
	return !u.IsVisitor() && (u.IsAdmin || u.Role == auth.RoleAdmin)
}

// QueryAuthorizedResources returns the requested resources the identity's tenant owns,
// the columns its groups open up and the row filters those groups impose. Visitors get
// an empty view.
func (s *Service) QueryAuthorizedResources(ctx context.Context, req QueryAuthResReq, u auth.User) (AuthorizedResourceResp, error) {
	resp := AuthorizedResourceResp{ResourceIDs: []int64{}, AuthResList: []AuthRes{}, Filters: []DimensionFilter{}}
	if u.IsVisitor() || len(req.ModelIDs)+len(req.DataSetIDs) == 0 {
		return resp, nil
	}

	models, err := s.owned(ctx, ResourceModel, req.ModelIDs)
	if err != nil {
		return resp, err
	}
	datasets, err := s.owned(ctx, ResourceDataset, req.DataSetIDs)
	if err != nil {
		return resp, err
	}
	resp.ResourceIDs = append(append(resp.ResourceIDs, models...), datasets...)

	depts := s.departments(ctx, u)
	seen := make(map[AuthRes]bool)
	apply := func(rt ResourceType, resourceID int64, g AuthGroup) {
		for _, rule := range g.AuthRules {
			for _, name := range rule.ResourceNames() {
				res := AuthRes{ResourceType: rt, ResourceID: resourceID, Name: name}
				if !seen[res] {
					seen[res] = true
					resp.AuthResList = append(resp.AuthResList, res)
				}
			}
		}
		if len(g.DimensionFilters) > 0 {
			resp.Filters = append(resp.Filters, DimensionFilter{
				GroupID:     g.GroupID,
				ResourceID:  resourceID,
				Expressions: append([]string(nil), g.DimensionFilters...),
				Description: g.DimensionFilterDescription,
			})
		}
	}

	if len(models) > 0 {
		groups, err := s.store.Groups(ctx, GroupFilter{ResourceType: ResourceModel, ResourceIDs: models})
		if err != nil {
			return resp, err
		}
		for _, id := range models {
			for _, g := range groups {
				if g.ResourceID == id && g.covers(u.Name, depts) {
					apply(ResourceModel, id, g)
				}
			}
		}
	}

	if len(datasets) > 0 {
		groups, err := s.store.Groups(ctx, GroupFilter{ResourceType: ResourceDataset, ResourceIDs: datasets})
		if err != nil {
			return resp, err
		}
		var inherit []int64
		for _, id := range datasets {
			inherits := false
			for _, g := range groups {
				if g.ResourceID == id && g.covers(u.Name, depts) {
					apply(ResourceDataset, id, g)
					inherits = inherits || g.InheritFromModel
				}
			}
			if inherits {
				inherit = append(inherit, id)
			}
		}
		if len(inherit) > 0 {
			if err := s.inherit(ctx, inherit, u, depts, apply); err != nil {
				return resp, err
			}
		}
	}

	if len(resp.Filters) > 0 {
		rt, id := ResourceModel, int64(0)
		if len(models) > 0 {
			id = models[0]
		} else if len(datasets) > 0 {
			rt, id = ResourceDataset, datasets[0]
		}
		rec := audit.NewRecord(ctx, audit.ActionRowPermissionApplied, string(rt), id)
		rec.Operator = u.Name
		rec.NewValue = audit.JSON(resp.Filters)
		rec.Description = fmt.Sprintf("row filters applied for %s on %s", u.Name, joinIDs(resp.ResourceIDs))
		if err := s.record(ctx, rec); err != nil {
			return AuthorizedResourceResp{}, err
		}
	}
	return resp, nil
}

// inherit adds the parent models' grants to datasets whose groups inherit them.
func (s *Service) inherit(ctx context.Context, datasets []int64, u auth.User, depts []string, apply func(ResourceType, int64, AuthGroup)) error {
	parents, err := s.catalog.DatasetModels(ctx, datasets)
	if err != nil {
		return err
	}
	var modelIDs []int64
	for _, id := range datasets {
		modelIDs = append(modelIDs, parents[id]...)
	}
	if len(modelIDs) == 0 {
		return nil
	}
	groups, err := s.store.Groups(ctx, GroupFilter{ResourceType: ResourceModel, ResourceIDs: modelIDs})
	if err != nil {
		return err
	}
	for _, id := range datasets {
		for _, modelID := range parents[id] {
			for _, g := range groups {
				if g.ResourceID == modelID && g.covers(u.Name, depts) {
					apply(ResourceDataset, id, g)
				}
			}
		}
	}
	return nil
}

func (s *Service) owned(ctx context.Context, rt ResourceType, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.catalog.Owned(ctx, rt, ids)
}

// CheckFieldAccess decides which of fields the identity may read on a model. Fields the
// model does not have are denied. Every sensitive read is audited: one record for the
// sensitive fields allowed and one for those denied.
func (s *Service) CheckFieldAccess(ctx context.Context, u auth.User, modelID int64, fields []string) (FieldDecision, error) {
	dec := FieldDecision{Allowed: []string{}, Denied: []string{}}
	if u.IsVisitor() {
		return dec, ErrForbidden
	}
	meta, err := s.catalog.ModelFields(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return dec, fmt.Errorf("%w: model %d", ErrNotFound, modelID)
		}
		return dec, err
	}
	byName := make(map[string]Field, len(meta))
	for _, f := range meta {
		byName[strings.ToLower(f.Name)] = f
	}

	granted := make(map[string]bool)
	admin := canManage(u)
	if !admin {
		groups, err := s.store.Groups(ctx, GroupFilter{ResourceType: ResourceModel, ResourceIDs: []int64{modelID}})
		if err != nil {
			return dec, err
		}
		depts := s.departments(ctx, u)
		for _, g := range groups {
			if !g.covers(u.Name, depts) {
				continue
			}
			for _, rule := range g.AuthRules {
				for _, n := range rule.ResourceNames() {
					granted[strings.ToLower(n)] = true
				}
			}
		}
	}

	var sensitiveAllowed, sensitiveDenied []string
	dup := make(map[string]bool, len(fields))
	for _, name := range fields {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || dup[key] {
			continue
		}
		dup[key] = true
		f, ok := byName[key]
		switch {
		case !ok:
			dec.Denied = append(dec.Denied, name)
		case !f.Sensitive:
			dec.Allowed = append(dec.Allowed, name)
		case admin || granted[key]:
			dec.Allowed = append(dec.Allowed, name)
			sensitiveAllowed = append(sensitiveAllowed, name)
		default:
			dec.Denied = append(dec.Denied, name)
			sensitiveDenied = append(sensitiveDenied, name)
		}
	}

	if len(sensitiveAllowed) > 0 {
		rec := audit.NewRecord(ctx, audit.ActionSensitiveFieldAccess, string(ResourceModel), modelID)
		rec.Operator = u.Name
		rec.NewValue = audit.JSON(sensitiveAllowed)
		rec.Description = fmt.Sprintf("%s read sensitive fields %s", u.Name, strings.Join(sensitiveAllowed, ","))
		if err := s.record(ctx, rec); err != nil {
			return FieldDecision{}, err
		}
	}
	if len(sensitiveDenied) > 0 {
		rec := audit.NewRecord(ctx, audit.ActionSensitiveFieldDenied, string(ResourceModel), modelID)
		rec.Operator = u.Name
		rec.NewValue = audit.JSON(sensitiveDenied)
		rec.Description = fmt.Sprintf("%s denied sensitive fields %s", u.Name, strings.Join(sensitiveDenied, ","))
		if err := s.record(ctx, rec); err != nil {
			return FieldDecision{}, err
		}
	}
	return dec, nil
}

func (s *Service) record(ctx context.Context, rec audit.Record) error {
	if err := s.sink.Write(ctx, rec); err != nil {
		s.log.Error("audit write failed", zap.Error(err), zap.String("action", string(rec.Action)))
		return fmt.Errorf("audit: %w", err)
	}
	obs.ObserveAuditRecord(string(rec.Action))
	return nil
}

// committed logs mutation records once their transaction has committed.
func (s *Service) committed(ctx context.Context, recs ...audit.Record) {
	for _, rec := range recs {
		obs.ObserveAuditRecord(string(rec.Action))
		if err := audit.LogEvent(ctx, "auth."+string(rec.Action), rec.Fields()); err != nil {
			s.log.Warn("audit log line failed", zap.Error(err))
		}
	}
}

// QueryAuthGroups lists the tenant's groups matching f.
func (s *Service) QueryAuthGroups(ctx context.Context, u auth.User, f GroupFilter) ([]AuthGroup, error) {
	if u.IsVisitor() {
		return nil, ErrForbidden
	}
	return s.store.Groups(ctx, f)
}

func validateGroup(g AuthGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !g.ResourceType.Valid() {
		return fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, g.ResourceType)
	}
	if g.ResourceID <= 0 {
		return fmt.Errorf("%w: resource id is required", ErrInvalidInput)
	}
	for _, expr := range g.DimensionFilters {
		if err := ValidateRowFilter(expr); err != nil {
			return err
		}
	}
	return nil
}

// SaveAuthGroup creates the group when GroupID is zero and replaces it otherwise. The
// mutation and its CREATE or UPDATE record commit together.
func (s *Service) SaveAuthGroup(ctx context.Context, u auth.User, g AuthGroup) (AuthGroup, error) {
	if !canManage(u) {
		return AuthGroup{}, ErrForbidden
	}
	return s.save(ctx, u, g)
}

func (s *Service) save(ctx context.Context, u auth.User, g AuthGroup) (AuthGroup, error) {
	if err := validateGroup(g); err != nil {
		return AuthGroup{}, err
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return AuthGroup{}, fmt.Errorf("%w: no tenant bound", ErrForbidden)
	}
	owned, err := s.catalog.Owned(ctx, g.ResourceType, []int64{g.ResourceID})
	if err != nil {
		return AuthGroup{}, err
	}
	if len(owned) == 0 {
		return AuthGroup{}, fmt.Errorf("%w: %s %d", ErrNotFound, g.ResourceType, g.ResourceID)
	}

	now := s.now()
	var rec audit.Record
	err = s.store.InTx(ctx, func(ctx context.Context, tx GroupTx) error {
		if g.GroupID == 0 {
			g.TenantID = tenantID
			g.CreatedBy, g.UpdatedBy = u.Name, u.Name
			g.CreatedAt, g.UpdatedAt = now, now
			saved, err := tx.Insert(ctx, g)
			if err != nil {
				return err
			}
			g = saved
			rec = audit.NewRecord(ctx, audit.ActionCreate, string(g.ResourceType), g.ResourceID)
			rec.NewValue = audit.JSON(g)
			rec.Description = "Created auth group: " + g.Name
		} else {
			old, err := tx.Group(ctx, g.GroupID)
			if err != nil {
				return groupErr(err)
			}
			g.TenantID = old.TenantID
			g.CreatedBy, g.CreatedAt = old.CreatedBy, old.CreatedAt
			g.UpdatedBy, g.UpdatedAt = u.Name, now
			if err := tx.Update(ctx, g); err != nil {
				return groupErr(err)
			}
			rec = audit.NewRecord(ctx, audit.ActionUpdate, string(g.ResourceType), g.ResourceID)
			rec.OldValue = audit.JSON(old)
			rec.NewValue = audit.JSON(g)
			rec.Description = "Updated auth group: " + g.Name
		}
		rec.GroupID = g.GroupID
		rec.Operator = u.Name
		return tx.Audit(ctx, rec)
	})
	if err != nil {
		return AuthGroup{}, err
	}
	s.committed(ctx, rec)
	return g, nil
}

// RemoveAuthGroup deletes a group and records DELETE with its last state.
func (s *Service) RemoveAuthGroup(ctx context.Context, u auth.User, groupID int64) error {
	if !canManage(u) {
		return ErrForbidden
	}
	return s.remove(ctx, u, groupID)
}

func (s *Service) remove(ctx context.Context, u auth.User, groupID int64) error {
	var rec audit.Record
	err := s.store.InTx(ctx, func(ctx context.Context, tx GroupTx) error {
		old, err := tx.Group(ctx, groupID)
		if err != nil {
			return groupErr(err)
		}
		if err := tx.Delete(ctx, groupID); err != nil {
			return groupErr(err)
		}
		rec = audit.NewRecord(ctx, audit.ActionDelete, string(old.ResourceType), old.ResourceID)
		rec.GroupID = groupID
		rec.Operator = u.Name
		rec.OldValue = audit.JSON(old)
		rec.Description = "Deleted auth group: " + old.Name
		return tx.Audit(ctx, rec)
	})
	if err != nil {
		return err
	}
	s.committed(ctx, rec)
	return nil
}

func groupErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return errGroupNotFound
	}
	return err
}

// BatchCreate creates each group independently. Failures are keyed by 1-based position.
func (s *Service) BatchCreate(ctx context.Context, u auth.User, groups []AuthGroup) (BatchOperationResult, error) {
	if !canManage(u) {
		return BatchOperationResult{}, ErrForbidden
	}
	res := newBatchResult()
	for i, g := range groups {
		g.GroupID = 0
		saved, err := s.save(ctx, u, g)
		if err != nil {
			res.addFail("#"+strconv.Itoa(i+1), s.reason(err, "create", 0))
			continue
		}
		res.addSuccess(saved.GroupID)
	}
	return *res, nil
}

// BatchUpdate replaces each group independently.
func (s *Service) BatchUpdate(ctx context.Context, u auth.User, groups []AuthGroup) (BatchOperationResult, error) {
	if !canManage(u) {
		return BatchOperationResult{}, ErrForbidden
	}
	res := newBatchResult()
	for i, g := range groups {
		if g.GroupID == 0 {
			res.addFail("#"+strconv.Itoa(i+1), "groupId is required for update")
			continue
		}
		if _, err := s.save(ctx, u, g); err != nil {
			res.addFail(idKey(g.GroupID), s.reason(err, "update", g.GroupID))
			continue
		}
		res.addSuccess(g.GroupID)
	}
	return *res, nil
}

// BatchRemove deletes each group independently.
func (s *Service) BatchRemove(ctx context.Context, u auth.User, groupIDs []int64) (BatchOperationResult, error) {
	if !canManage(u) {
		return BatchOperationResult{}, ErrForbidden
	}
	res := newBatchResult()
	for _, id := range groupIDs {
		if err := s.remove(ctx, u, id); err != nil {
			res.addFail(idKey(id), s.reason(err, "remove", id))
			continue
		}
		res.addSuccess(id)
	}
	return *res, nil
}

// BatchAuthorize adds req.Users and req.DepartmentIDs to every listed group. Each group
// is updated in its own transaction together with its GRANT record, so one bad id
// never aborts its siblings.
func (s *Service) BatchAuthorize(ctx context.Context, u auth.User, req BatchAuthorizeReq) (BatchOperationResult, error) {
	return s.batchMembers(ctx, u, req, audit.ActionGrant)
}

// BatchRevokeAuthorize removes req.Users and req.DepartmentIDs from every listed group.
func (s *Service) BatchRevokeAuthorize(ctx context.Context, u auth.User, req BatchAuthorizeReq) (BatchOperationResult, error) {
	return s.batchMembers(ctx, u, req, audit.ActionRevoke)
}

type members struct {
	Users       []string `json:"authorizedUsers"`
	Departments []string `json:"authorizedDepartmentIds"`
}

func (s *Service) batchMembers(ctx context.Context, u auth.User, req BatchAuthorizeReq, action audit.Action) (BatchOperationResult, error) {
	if !canManage(u) {
		return BatchOperationResult{}, ErrForbidden
	}
	res := newBatchResult()
	for _, id := range req.GroupIDs {
		var rec *audit.Record
		err := s.store.InTx(ctx, func(ctx context.Context, tx GroupTx) error {
			g, err := tx.Group(ctx, id)
			if err != nil {
				return groupErr(err)
			}
			before := members{Users: g.AuthorizedUsers, Departments: g.AuthorizedDepartmentIDs}
			after := before
			if action == audit.ActionGrant {
				after.Users = union(before.Users, req.Users)
				after.Departments = union(before.Departments, req.DepartmentIDs)
			} else {
				after.Users = subtract(before.Users, req.Users)
				after.Departments = subtract(before.Departments, req.DepartmentIDs)
			}
			if equal(before.Users, after.Users) && equal(before.Departments, after.Departments) {
				return nil
			}
			g.AuthorizedUsers, g.AuthorizedDepartmentIDs = after.Users, after.Departments
			g.UpdatedBy, g.UpdatedAt = u.Name, s.now()
			if err := tx.Update(ctx, g); err != nil {
				return groupErr(err)
			}
			r := audit.NewRecord(ctx, action, string(g.ResourceType), g.ResourceID)
			r.GroupID = id
			r.Operator = u.Name
			r.OldValue = audit.JSON(before)
			r.NewValue = audit.JSON(after)
			verb := "Granted"
			if action == audit.ActionRevoke {
				verb = "Revoked"
			}
			r.Description = fmt.Sprintf("%s users %v departments %v on auth group: %s", verb, req.Users, req.DepartmentIDs, g.Name)
			rec = &r
			return tx.Audit(ctx, r)
		})
		if err != nil {
			res.addFail(idKey(id), s.reason(err, strings.ToLower(string(action)), id))
			continue
		}
		if rec != nil {
			s.committed(ctx, *rec)
		}
		res.addSuccess(id)
	}
	return *res, nil
}

// reason turns an item error into a caller-facing message. Unexpected errors are logged
// and reported generically.
func (s *Service) reason(err error, op string, id int64) string {
	switch {
	case errors.Is(err, errGroupNotFound):
		return ReasonGroupNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidRowFilter), errors.Is(err, ErrForbidden):
		return err.Error()
	}
	s.log.Error("batch item failed", zap.String("op", op), zap.Int64("group_id", id), zap.Error(err))
	return "internal error"
}

func union(base, add []string) []string {
	out := append([]string(nil), base...)
	for _, v := range add {
		v = strings.TrimSpace(v)
		if v != "" && !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func subtract(base, remove []string) []string {
	out := make([]string, 0, len(base))
	for _, v := range base {
		if !contains(remove, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinIDs(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
