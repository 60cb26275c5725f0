// Package authz computes which resources, columns and rows an identity may read inside
// its tenant, and manages the authorization groups those decisions come from.
package authz

import (
	"context"
	"errors"
	"strconv"
	"time"

	"tenantgate.org/internal/audit"
)

var (
	ErrForbidden        = errors.New("authz: forbidden")
	ErrNotFound         = errors.New("authz: not found")
	ErrInvalidInput     = errors.New("authz: invalid input")
	ErrInvalidRowFilter = errors.New("authz: invalid row filter")
)

// ReasonGroupNotFound is the batch failure reason for unknown group ids.
const ReasonGroupNotFound = "AuthGroup not found"

// ResourceType is the kind of resource a group protects.
type ResourceType string

const (
	ResourceModel   ResourceType = "MODEL"
	ResourceDataset ResourceType = "DATASET"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceModel, ResourceDataset:
		return true
	}
	return false
}

// AuthRule lists the metric and dimension columns a group opens up.
type AuthRule struct {
	Metrics    []string `json:"metrics,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// ResourceNames returns metrics followed by dimensions.
func (r AuthRule) ResourceNames() []string {
	out := make([]string, 0, len(r.Metrics)+len(r.Dimensions))
	out = append(out, r.Metrics...)
	return append(out, r.Dimensions...)
}

// AuthGroup binds a resource to users and departments, with optional row filters.
type AuthGroup struct {
	GroupID                    int64        `json:"groupId"`
	ResourceType               ResourceType `json:"resourceType"`
	ResourceID                 int64        `json:"resourceId"`
	Name                       string       `json:"name"`
	AuthRules                  []AuthRule   `json:"authRules,omitempty"`
	DimensionFilters           []string     `json:"dimensionFilters,omitempty"`
	DimensionFilterDescription string       `json:"dimensionFilterDescription,omitempty"`
	AuthorizedUsers            []string     `json:"authorizedUsers,omitempty"`
	AuthorizedDepartmentIDs    []string     `json:"authorizedDepartmentIds,omitempty"`
	InheritFromModel           bool         `json:"inheritFromModel,omitempty"`
	TenantID                   int64        `json:"tenantId"`
	CreatedBy                  string       `json:"createdBy,omitempty"`
	UpdatedBy                  string       `json:"updatedBy,omitempty"`
	CreatedAt                  time.Time    `json:"createdAt"`
	UpdatedAt                  time.Time    `json:"updatedAt"`
}

// covers reports whether the group grants to user name or any of departments.
func (g AuthGroup) covers(name string, departments []string) bool {
	for _, u := range g.AuthorizedUsers {
		if u == name {
			return true
		}
	}
	for _, d := range departments {
		for _, gd := range g.AuthorizedDepartmentIDs {
			if gd == d {
				return true
			}
		}
	}
	return false
}

// QueryAuthResReq names the resources a caller wants an authorization view for.
type QueryAuthResReq struct {
	ModelIDs   []int64 `json:"modelIds"`
	DataSetIDs []int64 `json:"dataSetIds"`
}

// AuthRes is one authorized column of one resource.
type AuthRes struct {
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   int64        `json:"resourceId"`
	Name         string       `json:"name"`
}

// DimensionFilter is the row filter a group applies.
type DimensionFilter struct {
	GroupID     int64    `json:"groupId"`
	ResourceID  int64    `json:"resourceId"`
	Expressions []string `json:"expressions"`
	Description string   `json:"description,omitempty"`
}

// AuthorizedResourceResp is handed to the query layer.
type AuthorizedResourceResp struct {
	// ResourceIDs are the requested resources owned by the caller's tenant.
	ResourceIDs []int64           `json:"resourceIds"`
	AuthResList []AuthRes         `json:"authResList"`
	Filters     []DimensionFilter `json:"filters"`
}

// BatchAuthorizeReq adds or removes users and departments on groups.
type BatchAuthorizeReq struct {
	GroupIDs      []int64  `json:"groupIds"`
	Users         []string `json:"users"`
	DepartmentIDs []string `json:"departmentIds"`
}

// BatchOperationResult reports per-item outcomes. FailDetails is keyed by group id;
// create failures are keyed by "#<position>".
type BatchOperationResult struct {
	SuccessCount int               `json:"successCount"`
	FailCount    int               `json:"failCount"`
	SuccessIDs   []int64           `json:"successIds"`
	FailDetails  map[string]string `json:"failDetails"`
}

func newBatchResult() *BatchOperationResult {
	return &BatchOperationResult{SuccessIDs: []int64{}, FailDetails: map[string]string{}}
}

func (r *BatchOperationResult) addSuccess(id int64) {
	r.SuccessIDs = append(r.SuccessIDs, id)
	r.SuccessCount++
}

func (r *BatchOperationResult) addFail(key, reason string) {
	r.FailDetails[key] = reason
	r.FailCount++
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

// FieldDecision splits requested fields into readable and denied ones.
type FieldDecision struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// Field is one column of a model.
type Field struct {
	Name      string
	Sensitive bool
}

// GroupFilter narrows group listings. Zero values match everything.
type GroupFilter struct {
	ResourceType ResourceType
	ResourceIDs  []int64
	GroupID      int64
}

func (f GroupFilter) match(g AuthGroup) bool {
	if f.ResourceType != "" && g.ResourceType != f.ResourceType {
		return false
	}
	if f.GroupID != 0 && g.GroupID != f.GroupID {
		return false
	}
	if len(f.ResourceIDs) == 0 {
		return true
	}
	for _, id := range f.ResourceIDs {
		if id == g.ResourceID {
			return true
		}
	}
	return false
}

// Store persists groups. Implementations scope every call to the tenant bound in ctx.
type Store interface {
	Groups(ctx context.Context, f GroupFilter) ([]AuthGroup, error)
	// InTx runs fn atomically: group mutations and audit records commit together.
	InTx(ctx context.Context, fn func(ctx context.Context, tx GroupTx) error) error
}

// GroupTx is the transactional view of Store.
type GroupTx interface {
	Group(ctx context.Context, id int64) (AuthGroup, error)
	Insert(ctx context.Context, g AuthGroup) (AuthGroup, error)
	Update(ctx context.Context, g AuthGroup) error
	Delete(ctx context.Context, id int64) error
	Audit(ctx context.Context, rec audit.Record) error
}

// Catalog describes the resources groups point at.
type Catalog interface {
	// Owned returns the subset of ids that exist in the caller's tenant.
	Owned(ctx context.Context, t ResourceType, ids []int64) ([]int64, error)
	// ModelFields lists a model's columns, or ErrNotFound.
	ModelFields(ctx context.Context, modelID int64) ([]Field, error)
	// DatasetModels maps datasets to the models they are built on.
	DatasetModels(ctx context.Context, datasetIDs []int64) (map[int64][]int64, error)
}
