package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"tenantgate.org/internal/authz"
)

type fieldsRequest struct {
	ModelID int64    `json:"modelId"`
	Fields  []string `json:"fields"`
}

type groupsRequest struct {
	Groups []authz.AuthGroup `json:"groups"`
}

type groupIDsRequest struct {
	GroupIDs []int64 `json:"groupIds"`
}

func (a *API) handleResources(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req authz.QueryAuthResReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.deps.Authz.QueryAuthorizedResources(r.Context(), req, u)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFields(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req fieldsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ModelID <= 0 {
		writeError(w, r, http.StatusBadRequest, "modelId is required")
		return
	}
	decision, err := a.deps.Authz.CheckFieldAccess(r.Context(), u, req.ModelID, req.Fields)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := authz.GroupFilter{ResourceType: authz.ResourceType(strings.ToUpper(strings.TrimSpace(q.Get("resourceType"))))}
	if f.ResourceType != "" && !f.ResourceType.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown resourceType")
		return
	}
	ids, err := parseIDs(q.Get("resourceIds"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "resourceIds must be a comma separated list of ids")
		return
	}
	f.ResourceIDs = ids
	if raw := q.Get("groupId"); raw != "" {
		if f.GroupID, err = strconv.ParseInt(raw, 10, 64); err != nil || f.GroupID <= 0 {
			writeError(w, r, http.StatusBadRequest, "groupId must be a positive integer")
			return
		}
	}
	groups, err := a.deps.Authz.QueryAuthGroups(r.Context(), u, f)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []authz.AuthGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *API) handleSaveGroup(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var g authz.AuthGroup
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	creating := g.GroupID == 0
	saved, err := a.deps.Authz.SaveAuthGroup(r.Context(), u, g)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if creating {
		w.Header().Set("Location", "/api/authz/groups/"+strconv.FormatInt(saved.GroupID, 10))
		code = http.StatusCreated
	}
	writeJSON(w, code, saved)
}

func (a *API) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "group id must be a positive integer")
		return
	}
	if err := a.deps.Authz.RemoveAuthGroup(r.Context(), u, id); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req groupsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Authz.BatchCreate(r.Context(), u, req.Groups)
	a.writeBatch(w, r, res, err)
}

func (a *API) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req groupsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Authz.BatchUpdate(r.Context(), u, req.Groups)
	a.writeBatch(w, r, res, err)
}

func (a *API) handleBatchRemove(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req groupIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Authz.BatchRemove(r.Context(), u, req.GroupIDs)
	a.writeBatch(w, r, res, err)
}

func (a *API) handleBatchAuthorize(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req authz.BatchAuthorizeReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Authz.BatchAuthorize(r.Context(), u, req)
	a.writeBatch(w, r, res, err)
}

func (a *API) handleBatchRevoke(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req authz.BatchAuthorizeReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Authz.BatchRevokeAuthorize(r.Context(), u, req)
	a.writeBatch(w, r, res, err)
}

func (a *API) writeBatch(w http.ResponseWriter, r *http.Request, res authz.BatchOperationResult, err error) {
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, strconv.ErrSyntax
		}
		out = append(out, id)
	}
	return out, nil
}
