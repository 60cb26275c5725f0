package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/store/tenantdb"
)

// requireUser returns the resolved caller, answering 401 for the visitor.
func requireUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u := auth.UserFromContext(r.Context())
	if u.IsVisitor() {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.User{}, false
	}
	return u, true
}

// handleServiceError maps domain errors to statuses. Isolation failures are reported as
// a generic 500; the details only go to the log.
func (a *API) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenantdb.ErrNoTenant),
		errors.Is(err, tenantdb.ErrTenantMismatch),
		errors.Is(err, tenantdb.ErrUnsupportedStatement):
		a.log.Error("tenant isolation violation",
			zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	case errors.Is(err, authz.ErrInvalidRowFilter),
		errors.Is(err, authz.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, authz.ErrForbidden), errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.log.Error("request failed",
			zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
