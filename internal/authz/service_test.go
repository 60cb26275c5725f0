package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

var (
	admin = auth.User{ID: 1, Name: "root", TenantID: 1, Role: auth.RoleAdmin, IsAdmin: true}
	alice = auth.User{ID: 2, Name: "alice", TenantID: 1, Role: auth.RoleUser, OrganizationID: 5}
	carol = auth.User{ID: 3, Name: "carol", TenantID: 1, Role: auth.RoleUser}
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	catalog *MemoryCatalog
	sink    *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := NewMemoryCatalog()
	catalog.AddModel(1, 10,
		Field{Name: "name"},
		Field{Name: "region"},
		Field{Name: "salary", Sensitive: true},
		Field{Name: "ssn", Sensitive: true},
	)
	catalog.AddModel(1, 11, Field{Name: "id"})
	catalog.AddDataset(1, 20, 10)
	catalog.AddModel(2, 30, Field{Name: "id"})

	store := NewMemoryStore()
	sink := audit.NewRecorder()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, catalog, sink, WithClock(func() time.Time { return fixed }))
	return &fixture{svc: svc, store: store, catalog: catalog, sink: sink}
}

func bound(t *testing.T, tenantID int64) context.Context {
	t.Helper()
	ctx, release := tenant.Bind(context.Background(), tenantID)
	t.Cleanup(release)
	return ctx
}

func (f *fixture) mustSave(t *testing.T, ctx context.Context, g AuthGroup) AuthGroup {
	t.Helper()
	saved, err := f.svc.SaveAuthGroup(ctx, admin, g)
	require.NoError(t, err)
	return saved
}

func modelGroup(name string, modelID int64) AuthGroup {
	return AuthGroup{Name: name, ResourceType: ResourceModel, ResourceID: modelID}
}

func actions(recs []audit.Record) []audit.Action {
	out := make([]audit.Action, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}

func TestBatchAuthorizeReportsMissingGroups(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)
	g1 := f.mustSave(t, ctx, modelGroup("analysts", 10))
	g2 := f.mustSave(t, ctx, modelGroup("finance", 11))
	require.Equal(t, int64(1), g1.GroupID)
	require.Equal(t, int64(2), g2.GroupID)

	res, err := f.svc.BatchAuthorize(ctx, admin, BatchAuthorizeReq{
		GroupIDs: []int64{1, 2, 999},
		Users:    []string{"bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailCount)
	assert.Equal(t, []int64{1, 2}, res.SuccessIDs)
	assert.Equal(t, map[string]string{"999": ReasonGroupNotFound}, res.FailDetails)

	groups, err := f.svc.QueryAuthGroups(ctx, admin, GroupFilter{})
	require.NoError(t, err)
	for _, g := range groups {
		assert.Equal(t, []string{"bob"}, g.AuthorizedUsers)
	}

	trail := f.store.AuditTrail()
	assert.Equal(t, []audit.Action{audit.ActionCreate, audit.ActionCreate, audit.ActionGrant, audit.ActionGrant}, actions(trail))
	grant := trail[2]
	assert.Equal(t, int64(1), grant.GroupID)
	assert.Equal(t, "root", grant.Operator)
	assert.Equal(t, int64(1), grant.TenantID)
	assert.JSONEq(t, `{"authorizedUsers":["bob"],"authorizedDepartmentIds":null}`, grant.NewValue)
}

func TestBatchAuthorizeIsIdempotentAndRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)
	g := modelGroup("analysts", 10)
	g.AuthorizedUsers = []string{"alice"}
	saved := f.mustSave(t, ctx, g)

	req := BatchAuthorizeReq{GroupIDs: []int64{saved.GroupID}, Users: []string{"alice"}, DepartmentIDs: []string{"5"}}
	res, err := f.svc.BatchAuthorize(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)

	// nothing changes the second time, so nothing is audited
	res, err = f.svc.BatchAuthorize(ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Len(t, f.store.AuditTrail(), 2)

	res, err = f.svc.BatchRevokeAuthorize(ctx, admin, BatchAuthorizeReq{
		GroupIDs: []int64{saved.GroupID, 42},
		Users:    []string{"alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, ReasonGroupNotFound, res.FailDetails["42"])

	groups, err := f.svc.QueryAuthGroups(ctx, admin, GroupFilter{GroupID: saved.GroupID})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].AuthorizedUsers)
	assert.Equal(t, []string{"5"}, groups[0].AuthorizedDepartmentIDs)

	trail := f.store.AuditTrail()
	assert.Equal(t, []audit.Action{audit.ActionCreate, audit.ActionGrant, audit.ActionRevoke}, actions(trail))
}

func TestGroupMutationsAreAuditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	saved := f.mustSave(t, ctx, modelGroup("analysts", 10))
	assert.Equal(t, "root", saved.CreatedBy)
	assert.Equal(t, int64(1), saved.TenantID)

	saved.Name = "analysts-eu"
	saved.DimensionFilters = []string{"region = 'EU'"}
	updated := f.mustSave(t, ctx, saved)
	assert.Equal(t, "analysts-eu", updated.Name)

	require.NoError(t, f.svc.RemoveAuthGroup(ctx, admin, saved.GroupID))
	assert.True(t, errors.Is(f.svc.RemoveAuthGroup(ctx, admin, saved.GroupID), ErrNotFound))

	trail := f.store.AuditTrail()
	require.Equal(t, []audit.Action{audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete}, actions(trail))
	assert.Empty(t, trail[0].OldValue)
	assert.Contains(t, trail[0].NewValue, `"name":"analysts"`)
	assert.Contains(t, trail[1].OldValue, `"name":"analysts"`)
	assert.Contains(t, trail[1].NewValue, `"name":"analysts-eu"`)
	assert.Contains(t, trail[2].OldValue, `"name":"analysts-eu"`)
	assert.Equal(t, "Deleted auth group: analysts-eu", trail[2].Description)
	for _, rec := range trail {
		assert.Equal(t, saved.GroupID, rec.GroupID)
	}
	// access sink is for access events only
	assert.Empty(t, f.sink.Records())
}

func TestSaveRejectsInvalidGroups(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	bad := modelGroup("x", 10)
	bad.DimensionFilters = []string{"1 = 1; DROP TABLE models"}
	_, err := f.svc.SaveAuthGroup(ctx, admin, bad)
	assert.True(t, errors.Is(err, ErrInvalidRowFilter))

	_, err = f.svc.SaveAuthGroup(ctx, admin, AuthGroup{Name: "x", ResourceType: "TABLE", ResourceID: 10})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = f.svc.SaveAuthGroup(ctx, alice, modelGroup("x", 10))
	assert.True(t, errors.Is(err, ErrForbidden))

	// model 30 belongs to tenant 2
	_, err = f.svc.SaveAuthGroup(ctx, admin, modelGroup("x", 30))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.SaveAuthGroup(context.Background(), admin, modelGroup("x", 10))
	assert.True(t, errors.Is(err, ErrForbidden))

	missing := modelGroup("x", 10)
	missing.GroupID = 77
	_, err = f.svc.SaveAuthGroup(ctx, admin, missing)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Empty(t, f.store.AuditTrail())
}

func TestBatchCreateAndUpdateCollectFailures(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	bad := modelGroup("bad", 10)
	bad.DimensionFilters = []string{"sleep(10) = 0"}
	res, err := f.svc.BatchCreate(ctx, admin, []AuthGroup{modelGroup("a", 10), bad, modelGroup("c", 11)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, []int64{1, 2}, res.SuccessIDs)
	assert.Contains(t, res.FailDetails["#2"], "forbidden function")

	res, err = f.svc.BatchUpdate(ctx, admin, []AuthGroup{
		{GroupID: 1, Name: "a2", ResourceType: ResourceModel, ResourceID: 10},
		{Name: "no-id", ResourceType: ResourceModel, ResourceID: 10},
		{GroupID: 99, Name: "ghost", ResourceType: ResourceModel, ResourceID: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, "groupId is required for update", res.FailDetails["#2"])
	assert.Equal(t, ReasonGroupNotFound, res.FailDetails["99"])

	res, err = f.svc.BatchRemove(ctx, admin, []int64{2, 99})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.SuccessIDs)
	assert.Equal(t, ReasonGroupNotFound, res.FailDetails["99"])

	_, err = f.svc.BatchRemove(ctx, alice, []int64{1})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestGroupsAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	one := bound(t, 1)
	two := bound(t, 2)
	saved := f.mustSave(t, one, modelGroup("analysts", 10))

	groups, err := f.svc.QueryAuthGroups(two, admin, GroupFilter{})
	require.NoError(t, err)
	assert.Empty(t, groups)

	res, err := f.svc.BatchAuthorize(two, admin, BatchAuthorizeReq{GroupIDs: []int64{saved.GroupID}, Users: []string{"eve"}})
	require.NoError(t, err)
	assert.Equal(t, ReasonGroupNotFound, res.FailDetails["1"])

	_, err = f.svc.QueryAuthGroups(context.Background(), admin, GroupFilter{})
	assert.True(t, errors.Is(err, tenantdb.ErrNoTenant))

	all, err := f.svc.QueryAuthGroups(tenant.WithExempt(context.Background()), admin, GroupFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueryAuthorizedResources(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	g := modelGroup("analysts", 10)
	g.AuthorizedUsers = []string{"alice"}
	g.AuthRules = []AuthRule{{Metrics: []string{"revenue"}, Dimensions: []string{"region"}}}
	g.DimensionFilters = []string{"region = 'EU'"}
	g.DimensionFilterDescription = "EU only"
	f.mustSave(t, ctx, g)

	dept := modelGroup("dept", 10)
	dept.AuthorizedDepartmentIDs = []string{"5"}
	dept.AuthRules = []AuthRule{{Dimensions: []string{"city", "region"}}}
	f.mustSave(t, ctx, dept)

	other := modelGroup("others", 11)
	other.AuthorizedUsers = []string{"carol"}
	other.AuthRules = []AuthRule{{Metrics: []string{"cost"}}}
	f.mustSave(t, ctx, other)

	resp, err := f.svc.QueryAuthorizedResources(ctx, QueryAuthResReq{ModelIDs: []int64{10, 11, 30}}, alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, resp.ResourceIDs)
	assert.Equal(t, []AuthRes{
		{ResourceType: ResourceModel, ResourceID: 10, Name: "revenue"},
		{ResourceType: ResourceModel, ResourceID: 10, Name: "region"},
		{ResourceType: ResourceModel, ResourceID: 10, Name: "city"},
	}, resp.AuthResList)
	require.Len(t, resp.Filters, 1)
	assert.Equal(t, []string{"region = 'EU'"}, resp.Filters[0].Expressions)
	assert.Equal(t, "EU only", resp.Filters[0].Description)

	applied := f.sink.ByAction(audit.ActionRowPermissionApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, int64(10), applied[0].ResourceID)
	assert.Equal(t, "alice", applied[0].Operator)

	resp, err = f.svc.QueryAuthorizedResources(ctx, QueryAuthResReq{ModelIDs: []int64{10, 11}}, carol)
	require.NoError(t, err)
	assert.Equal(t, []AuthRes{{ResourceType: ResourceModel, ResourceID: 11, Name: "cost"}}, resp.AuthResList)
	assert.Empty(t, resp.Filters)
	assert.Len(t, f.sink.Records(), 1)
}

func TestQueryAuthorizedResourcesInheritsModelGrants(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	mg := modelGroup("model", 10)
	mg.AuthorizedUsers = []string{"alice"}
	mg.AuthRules = []AuthRule{{Metrics: []string{"revenue"}}}
	f.mustSave(t, ctx, mg)

	dg := AuthGroup{Name: "dataset", ResourceType: ResourceDataset, ResourceID: 20, InheritFromModel: true,
		AuthorizedUsers: []string{"alice"}, AuthRules: []AuthRule{{Dimensions: []string{"day"}}}}
	f.mustSave(t, ctx, dg)

	resp, err := f.svc.QueryAuthorizedResources(ctx, QueryAuthResReq{DataSetIDs: []int64{20}}, alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, resp.ResourceIDs)
	assert.Equal(t, []AuthRes{
		{ResourceType: ResourceDataset, ResourceID: 20, Name: "day"},
		{ResourceType: ResourceDataset, ResourceID: 20, Name: "revenue"},
	}, resp.AuthResList)

	dg2 := dg
	dg2.GroupID = 2
	dg2.InheritFromModel = false
	f.mustSave(t, ctx, dg2)
	resp, err = f.svc.QueryAuthorizedResources(ctx, QueryAuthResReq{DataSetIDs: []int64{20}}, alice)
	require.NoError(t, err)
	assert.Equal(t, []AuthRes{{ResourceType: ResourceDataset, ResourceID: 20, Name: "day"}}, resp.AuthResList)
}

func TestQueryAuthorizedResourcesVisitorGetsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)
	g := modelGroup("open", 10)
	g.AuthorizedUsers = []string{"visit"}
	g.DimensionFilters = []string{"1 = 1"}
	f.mustSave(t, ctx, g)

	resp, err := f.svc.QueryAuthorizedResources(ctx, QueryAuthResReq{ModelIDs: []int64{10}}, auth.Visitor())
	require.NoError(t, err)
	assert.Empty(t, resp.ResourceIDs)
	assert.Empty(t, resp.AuthResList)
	assert.Empty(t, f.sink.Records())
}

func TestCheckFieldAccess(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)
	g := modelGroup("payroll", 10)
	g.AuthorizedUsers = []string{"alice"}
	g.AuthRules = []AuthRule{{Dimensions: []string{"salary"}}}
	f.mustSave(t, ctx, g)

	dec, err := f.svc.CheckFieldAccess(ctx, alice, 10, []string{"name", "salary", "ssn", "bogus", "name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "salary"}, dec.Allowed)
	assert.Equal(t, []string{"ssn", "bogus"}, dec.Denied)

	allowed := f.sink.ByAction(audit.ActionSensitiveFieldAccess)
	denied := f.sink.ByAction(audit.ActionSensitiveFieldDenied)
	require.Len(t, allowed, 1)
	require.Len(t, denied, 1)
	assert.Equal(t, `["salary"]`, allowed[0].NewValue)
	assert.Equal(t, `["ssn"]`, denied[0].NewValue)

	dec, err = f.svc.CheckFieldAccess(ctx, admin, 10, []string{"ssn"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ssn"}, dec.Allowed)

	dec, err = f.svc.CheckFieldAccess(ctx, alice, 10, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, dec.Allowed)
	assert.Len(t, f.sink.Records(), 3, "non-sensitive reads are not audited")
}

func TestCheckFieldAccessNotFoundIsNotDenial(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)

	_, err := f.svc.CheckFieldAccess(ctx, alice, 404, []string{"x"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))

	_, err = f.svc.CheckFieldAccess(ctx, alice, 30, []string{"id"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.CheckFieldAccess(ctx, auth.Visitor(), 10, []string{"name"})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestCheckFieldAccessFailsWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := bound(t, 1)
	f.sink.FailWith(errors.New("audit store down"))

	_, err := f.svc.CheckFieldAccess(ctx, alice, 10, []string{"ssn"})
	assert.Error(t, err)

	dec, err := f.svc.CheckFieldAccess(ctx, alice, 10, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, dec.Allowed)
}
