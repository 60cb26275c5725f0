package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/auth/oauth"
	"tenantgate.org/internal/auth/pkce"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/token"
)

const reasonUserRevoked = "revoked by user"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	SessionID string    `json:"sessionId,omitempty"`
	User      userView  `json:"user"`
}

type userView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	TenantID    int64  `json:"tenantId,omitempty"`
	Role        string `json:"role"`
	IsAdmin     bool   `json:"isAdmin"`
}

func viewOf(u auth.User) userView {
	return userView{
		ID:          u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		TenantID:    u.TenantID,
		Role:        u.Role,
		IsAdmin:     u.IsAdmin,
	}
}

type sessionView struct {
	SessionID      string    `json:"sessionId"`
	AuthMethod     string    `json:"authMethod"`
	Provider       string    `json:"provider,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Current        bool      `json:"current"`
}

type exchangeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.deps.Users == nil || a.deps.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := auth.Authenticate(r.Context(), a.deps.Users, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			a.log.Info("login rejected", zap.String("user", strings.TrimSpace(req.Username)))
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrAccountLocked):
			writeError(w, r, http.StatusForbidden, "account disabled")
		default:
			a.handleServiceError(w, r, err)
		}
		return
	}
	resp, err := a.signIn(r, u)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.setTokenCookie(w, r, resp.Token, resp.ExpiresAt)
	writeJSON(w, http.StatusOK, resp)
}

// signIn opens a session when tracking is on and issues the platform token.
func (a *API) signIn(r *http.Request, u auth.User) (loginResponse, error) {
	ctx := r.Context()
	if a.deps.Sessions.IsEnabled() {
		sess, err := a.deps.Sessions.Create(ctx, session.Meta{
			UserID:     u.ID,
			TenantID:   u.TenantID,
			AuthMethod: u.AuthMethod,
			Provider:   u.Provider,
			IPAddress:  clientIP(r),
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			return loginResponse{}, err
		}
		u.SessionID = sess.SessionID
	}
	raw, err := a.deps.Tokens.Issue(token.ClaimsFor(u))
	if err != nil {
		return loginResponse{}, err
	}
	fields := map[string]any{
		"user_id":     u.ID,
		"user":        u.Name,
		"auth_method": u.AuthMethod,
	}
	if u.Provider != "" {
		fields["provider"] = u.Provider
	}
	_ = audit.LogEvent(ctx, "auth.login", fields)
	return loginResponse{
		Token:     raw,
		TokenType: strings.TrimSpace(token.BearerPrefix),
		ExpiresAt: a.now().Add(a.deps.Tokens.Timeout()).UTC(),
		SessionID: u.SessionID,
		User:      viewOf(u),
	}, nil
}

func (a *API) setTokenCookie(w http.ResponseWriter, r *http.Request, raw string, expires time.Time) {
	name := a.deps.Tokens.CookieName()
	if name == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    raw,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	if u.SessionID != "" {
		if _, err := a.deps.Sessions.Revoke(r.Context(), u.SessionID, session.ReasonLogout); err != nil {
			a.handleServiceError(w, r, err)
			return
		}
	}
	if name := a.deps.Tokens.CookieName(); name != "" {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"user": u.Name})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if a.deps.Flow != nil {
		names = append(names, a.deps.Flow.Registry().Names()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if a.deps.Flow == nil {
		writeError(w, r, http.StatusNotFound, "oauth is disabled")
		return
	}
	returnTo := r.URL.Query().Get("redirect")
	if !isLocalRedirect(returnTo) {
		returnTo = ""
	}
	authURL, st, err := a.deps.Flow.Begin(r.Context(), r.PathValue("provider"), returnTo)
	if err != nil {
		a.handleOAuthError(w, r, err)
		return
	}
	if r.URL.Query().Get("mode") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{
			"authorizationUrl": authURL,
			"state":            st.Value,
		})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if a.deps.Flow == nil {
		writeError(w, r, http.StatusNotFound, "oauth is disabled")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		a.log.Info("provider returned error", zap.String("provider", r.PathValue("provider")), zap.String("error", e))
		writeError(w, r, http.StatusBadRequest, "authorization was not granted")
		return
	}
	info, st, err := a.deps.Flow.Complete(r.Context(), r.PathValue("provider"), q.Get("code"), q.Get("state"))
	if err != nil {
		a.handleOAuthError(w, r, err)
		return
	}
	if strings.TrimSpace(info.Email) == "" {
		writeError(w, r, http.StatusForbidden, "identity has no email")
		return
	}
	if !a.deps.Flow.EmailTrusted(info) {
		a.log.Info("oauth identity with unverified email", zap.String("provider", info.Provider))
		writeError(w, r, http.StatusForbidden, "email not verified by provider")
		return
	}
	acct, err := a.deps.Users.FindByEmail(r.Context(), info.Email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			a.log.Info("oauth identity without account", zap.String("provider", info.Provider))
			writeError(w, r, http.StatusForbidden, "no account for this identity")
			return
		}
		a.handleServiceError(w, r, err)
		return
	}
	if acct.Status != auth.StatusEnabled {
		writeError(w, r, http.StatusForbidden, "account disabled")
		return
	}
	u := acct.User
	u.AuthMethod = auth.MethodOAuth
	u.Provider = info.Provider
	if u.Role == "" {
		u.Role = auth.RoleUser
	}
	resp, err := a.signIn(r, u)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}

	code, err := pkce.GenerateState()
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	ex := oauth.Exchange{
		Code:        code,
		AccessToken: resp.Token,
		SessionID:   resp.SessionID,
		UserID:      u.ID,
		ExpiresAt:   a.now().Add(a.exchangeTTL),
	}
	if err := a.deps.Exchanges.PutExchange(r.Context(), ex, a.exchangeTTL); err != nil {
		a.handleServiceError(w, r, err)
		return
	}

	if a.frontendURL == "" {
		writeJSON(w, http.StatusOK, map[string]any{"code": code})
		return
	}
	target := a.frontendURL + st.ReturnTo
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+"code="+url.QueryEscape(code), http.StatusFound)
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	if a.deps.Exchanges == nil {
		writeError(w, r, http.StatusNotFound, "oauth is disabled")
		return
	}
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ex, err := a.deps.Exchanges.TakeExchange(r.Context(), strings.TrimSpace(req.Code))
	if err != nil || !a.now().Before(ex.ExpiresAt) {
		if err != nil && !errors.Is(err, oauth.ErrNotFound) {
			a.handleServiceError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid or expired code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     ex.AccessToken,
		"tokenType": strings.TrimSpace(token.BearerPrefix),
		"sessionId": ex.SessionID,
	})
}

func (a *API) handleOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, "unknown provider")
	case errors.Is(err, oauth.ErrInvalidState):
		writeError(w, r, http.StatusBadRequest, "invalid or expired state")
	case errors.Is(err, oauth.ErrExchange):
		a.log.Warn("oauth exchange failed", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "identity provider exchange failed")
	default:
		a.handleServiceError(w, r, err)
	}
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	active, err := a.deps.Sessions.Active(r.Context(), u.ID)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(active))
	for _, s := range active {
		out = append(out, sessionView{
			SessionID:      s.SessionID,
			AuthMethod:     s.AuthMethod,
			Provider:       s.Provider,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			Current:        s.SessionID == u.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	active, err := a.deps.Sessions.Active(r.Context(), u.ID)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	owned := false
	for _, s := range active {
		if s.SessionID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if _, err := a.deps.Sessions.Revoke(r.Context(), id, reasonUserRevoked); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeOtherSessions signs the caller out everywhere except the current session.
func (a *API) handleRevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	u, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := a.deps.Sessions.RevokeAllForUser(r.Context(), u.ID, u.SessionID, reasonUserRevoked)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// isLocalRedirect accepts only same-site absolute paths.
func isLocalRedirect(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "\\")
}
