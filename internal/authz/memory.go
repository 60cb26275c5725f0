package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

// scope resolves the tenant a memory lookup is limited to. It follows the same rules
// as tenantdb: a bound tenant filters, an exempt context sees everything, anything
// else is refused.
func scope(ctx context.Context) (id int64, all bool, err error) {
	if id, ok := tenant.FromContext(ctx); ok {
		return id, false, nil
	}
	if tenant.IsExempt(ctx) {
		return 0, true, nil
	}
	return 0, false, tenantdb.ErrNoTenant
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ GroupTx = (*memoryTx)(nil)
	_ Catalog = (*MemoryCatalog)(nil)
)

// MemoryStore keeps groups and their audit trail in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	groups map[int64]AuthGroup
	nextID int64
	audit  []audit.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[int64]AuthGroup)}
}

func (m *MemoryStore) Groups(ctx context.Context, f GroupFilter) ([]AuthGroup, error) {
	tid, all, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuthGroup
	for _, g := range m.groups {
		if (all || g.TenantID == tid) && f.match(g) {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// InTx holds the store lock for the whole of fn and restores the previous state when
// fn fails. fn must only use tx.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx GroupTx) error) error {
	tid, all, err := scope(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[int64]AuthGroup, len(m.groups))
	for k, v := range m.groups {
		snapshot[k] = v
	}
	nextID, trail := m.nextID, len(m.audit)

	if err := fn(ctx, &memoryTx{m: m, tenant: tid, all: all}); err != nil {
		m.groups, m.nextID, m.audit = snapshot, nextID, m.audit[:trail]
		return err
	}
	return nil
}

// AuditTrail returns the records committed with group mutations.
func (m *MemoryStore) AuditTrail() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.audit...)
}

type memoryTx struct {
	m      *MemoryStore
	tenant int64
	all    bool
}

func (t *memoryTx) visible(g AuthGroup) bool { return t.all || g.TenantID == t.tenant }

func (t *memoryTx) Group(_ context.Context, id int64) (AuthGroup, error) {
	g, ok := t.m.groups[id]
	if !ok || !t.visible(g) {
		return AuthGroup{}, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (t *memoryTx) Insert(_ context.Context, g AuthGroup) (AuthGroup, error) {
	if !t.all {
		if g.TenantID != 0 && g.TenantID != t.tenant {
			return AuthGroup{}, tenantdb.ErrTenantMismatch
		}
		g.TenantID = t.tenant
	}
	if g.TenantID <= 0 {
		return AuthGroup{}, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	t.m.nextID++
	g.GroupID = t.m.nextID
	t.m.groups[g.GroupID] = cloneGroup(g)
	return g, nil
}

func (t *memoryTx) Update(_ context.Context, g AuthGroup) error {
	old, ok := t.m.groups[g.GroupID]
	if !ok || !t.visible(old) {
		return ErrNotFound
	}
	g.TenantID = old.TenantID
	t.m.groups[g.GroupID] = cloneGroup(g)
	return nil
}

func (t *memoryTx) Delete(_ context.Context, id int64) error {
	g, ok := t.m.groups[id]
	if !ok || !t.visible(g) {
		return ErrNotFound
	}
	delete(t.m.groups, id)
	return nil
}

func (t *memoryTx) Audit(_ context.Context, rec audit.Record) error {
	t.m.audit = append(t.m.audit, rec)
	return nil
}

func cloneGroup(g AuthGroup) AuthGroup {
	g.AuthRules = append([]AuthRule(nil), g.AuthRules...)
	g.DimensionFilters = append([]string(nil), g.DimensionFilters...)
	g.AuthorizedUsers = append([]string(nil), g.AuthorizedUsers...)
	g.AuthorizedDepartmentIDs = append([]string(nil), g.AuthorizedDepartmentIDs...)
	return g
}

// MemoryCatalog is an in-process model and dataset catalog.
type MemoryCatalog struct {
	mu       sync.RWMutex
	models   map[int64]memoryModel
	datasets map[int64]memoryDataset
}

type memoryModel struct {
	tenant int64
	fields []Field
}

type memoryDataset struct {
	tenant int64
	models []int64
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{models: make(map[int64]memoryModel), datasets: make(map[int64]memoryDataset)}
}

// AddModel registers a model owned by tenantID.
func (c *MemoryCatalog) AddModel(tenantID, id int64, fields ...Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[id] = memoryModel{tenant: tenantID, fields: append([]Field(nil), fields...)}
}

// AddDataset registers a dataset built on models.
func (c *MemoryCatalog) AddDataset(tenantID, id int64, models ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[id] = memoryDataset{tenant: tenantID, models: append([]int64(nil), models...)}
}

func (c *MemoryCatalog) Owned(ctx context.Context, rt ResourceType, ids []int64) ([]int64, error) {
	tid, all, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []int64{}
	for _, id := range ids {
		var owner int64
		var ok bool
		switch rt {
		case ResourceModel:
			var m memoryModel
			m, ok = c.models[id]
			owner = m.tenant
		case ResourceDataset:
			var d memoryDataset
			d, ok = c.datasets[id]
			owner = d.tenant
		default:
			return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
		}
		if ok && (all || owner == tid) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *MemoryCatalog) ModelFields(ctx context.Context, modelID int64) ([]Field, error) {
	tid, all, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[modelID]
	if !ok || !(all || m.tenant == tid) {
		return nil, ErrNotFound
	}
	return append([]Field(nil), m.fields...), nil
}

func (c *MemoryCatalog) DatasetModels(ctx context.Context, datasetIDs []int64) (map[int64][]int64, error) {
	tid, all, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64][]int64, len(datasetIDs))
	for _, id := range datasetIDs {
		d, ok := c.datasets[id]
		if !ok || !(all || d.tenant == tid) {
			continue
		}
		for _, mid := range d.models {
			if m, ok := c.models[mid]; ok && (all || m.tenant == tid) {
				out[id] = append(out[id], mid)
			}
		}
	}
	return out, nil
}
