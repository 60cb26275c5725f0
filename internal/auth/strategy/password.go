package strategy

import (
	"context"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// Password resolves tokens issued after a username/password login, optionally backed
// by a server-side session.
type Password struct {
	tokens TokenVerifier
	check  sessionCheck
}

var _ Strategy = (*Password)(nil)

// NewPassword constructs the password/session strategy. sessions may be nil.
func NewPassword(tokens TokenVerifier, sessions SessionValidator, strictSession bool, log *zap.Logger) *Password {
	if log == nil {
		log = obs.Logger()
	}
	return &Password{tokens: tokens, check: sessionCheck{sessions: sessions, strict: strictSession, log: log}}
}

func (p *Password) Name() string { return NamePassword }

func (p *Password) Accept(authEnabled bool) bool { return authEnabled }

func (p *Password) FindUser(ctx context.Context, c auth.Carrier) (auth.User, error) {
	if named := p.tokens.NamedAppKey(c); named != "" && named != p.tokens.DefaultAppKey() {
		return auth.Visitor(), nil
	}
	u, ok := p.resolve(p.tokens.TokenFrom(c), "")
	if !ok {
		return auth.Visitor(), nil
	}
	return p.check.apply(ctx, c, u)
}

func (p *Password) FindUserByToken(_ context.Context, raw, appKey string) (auth.User, error) {
	if appKey != "" && appKey != p.tokens.DefaultAppKey() {
		return auth.Visitor(), nil
	}
	u, _ := p.resolve(raw, "")
	return u, nil
}

func (p *Password) resolve(raw, appKey string) (auth.User, bool) {
	claims, ok := p.tokens.Claims(raw, appKey)
	if !ok {
		return auth.Visitor(), false
	}
	if claims.AuthMethod != "" && claims.AuthMethod != auth.MethodPassword {
		return auth.Visitor(), false
	}
	u, ok := claimsUser(claims)
	if ok && u.AuthMethod == "" {
		u.AuthMethod = auth.MethodPassword
	}
	return u, ok
}
