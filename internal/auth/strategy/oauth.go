package strategy

import (
	"context"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// OAuth resolves platform tokens minted after an OAuth login. Session checks are
// advisory in the same way as for Password.
type OAuth struct {
	tokens  TokenVerifier
	enabled bool
	check   sessionCheck
}

var _ Strategy = (*OAuth)(nil)

// NewOAuth constructs the OAuth/JWT hybrid strategy. oauthEnabled mirrors the OAuth
// feature flag.
func NewOAuth(tokens TokenVerifier, sessions SessionValidator, oauthEnabled, strictSession bool, log *zap.Logger) *OAuth {
	if log == nil {
		log = obs.Logger()
	}
	return &OAuth{tokens: tokens, enabled: oauthEnabled, check: sessionCheck{sessions: sessions, strict: strictSession, log: log}}
}

func (o *OAuth) Name() string { return NameOAuth }

func (o *OAuth) Accept(authEnabled bool) bool { return authEnabled && o.enabled }

func (o *OAuth) FindUser(ctx context.Context, c auth.Carrier) (auth.User, error) {
	if named := o.tokens.NamedAppKey(c); named != "" && named != o.tokens.DefaultAppKey() {
		return auth.Visitor(), nil
	}
	u, ok := o.resolve(o.tokens.TokenFrom(c))
	if !ok {
		return auth.Visitor(), nil
	}
	return o.check.apply(ctx, c, u)
}

func (o *OAuth) FindUserByToken(_ context.Context, raw, appKey string) (auth.User, error) {
	if appKey != "" && appKey != o.tokens.DefaultAppKey() {
		return auth.Visitor(), nil
	}
	u, _ := o.resolve(raw)
	return u, nil
}

func (o *OAuth) resolve(raw string) (auth.User, bool) {
	claims, ok := o.tokens.Claims(raw, "")
	if !ok || claims.AuthMethod != auth.MethodOAuth {
		return auth.Visitor(), false
	}
	return claimsUser(claims)
}
