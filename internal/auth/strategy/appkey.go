package strategy

import (
	"context"

	"tenantgate.org/internal/auth"
)

// AppKey resolves tokens signed with a non-default application key named by the
// request.
type AppKey struct {
	tokens TokenVerifier
}

var _ Strategy = (*AppKey)(nil)

// NewAppKey constructs the application-key strategy.
func NewAppKey(tokens TokenVerifier) *AppKey {
	return &AppKey{tokens: tokens}
}

func (a *AppKey) Name() string { return NameAppKey }

func (a *AppKey) Accept(authEnabled bool) bool { return authEnabled }

func (a *AppKey) FindUser(ctx context.Context, c auth.Carrier) (auth.User, error) {
	return a.FindUserByToken(ctx, a.tokens.TokenFrom(c), a.tokens.NamedAppKey(c))
}

func (a *AppKey) FindUserByToken(_ context.Context, raw, appKey string) (auth.User, error) {
	if appKey == "" || appKey == a.tokens.DefaultAppKey() || !a.tokens.HasAppKey(appKey) {
		return auth.Visitor(), nil
	}
	claims, ok := a.tokens.Claims(raw, appKey)
	if !ok {
		return auth.Visitor(), nil
	}
	u, ok := claimsUser(claims)
	if !ok {
		return u, nil
	}
	u.AuthMethod = auth.MethodAppKey
	if claims.Role == "" {
		u.Role = auth.RoleApp
	}
	return u, nil
}
