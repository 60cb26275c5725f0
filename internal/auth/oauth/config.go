package oauth

import (
	"fmt"
	"strings"
)

var defaultScopes = []string{"openid", "profile", "email"}

// ProviderConfig is the per-provider configuration supplied by tenants or operators.
// Endpoint fields override the provider family defaults.
type ProviderConfig struct {
	Type             string            `mapstructure:"type"`
	ClientID         string            `mapstructure:"client_id"`
	ClientSecret     string            `mapstructure:"client_secret"`
	AuthorizationURL string            `mapstructure:"authorization_url"`
	TokenURL         string            `mapstructure:"token_url"`
	UserInfoURL      string            `mapstructure:"userinfo_url"`
	JWKSURL          string            `mapstructure:"jwks_url"`
	Issuer           string            `mapstructure:"issuer"`
	TenantID         string            `mapstructure:"tenant_id"`
	Scopes           []string          `mapstructure:"scopes"`
	DisablePKCE      bool              `mapstructure:"disable_pkce"`
	Disabled         bool              `mapstructure:"disabled"`
	AdditionalParams map[string]string `mapstructure:"additional_params"`
	// TrustUnverifiedEmail links identities whose email the provider does not mark as
	// verified. Only for providers that vouch for every address they issue.
	TrustUnverifiedEmail bool `mapstructure:"trust_unverified_email"`
}

// EffectiveScopes returns the configured scopes or openid/profile/email.
func (c ProviderConfig) EffectiveScopes() []string {
	var out []string
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultScopes...)
	}
	return out
}

// PKCEEnabled reports whether authorization requests carry a code challenge.
func (c ProviderConfig) PKCEEnabled() bool {
	return !c.DisablePKCE
}

// ResolveEndpoints merges the configuration with the family defaults and substitutes the
// tenant placeholder. It performs no network I/O. Self-hosted families without explicit
// authorization and token endpoints are a configuration error.
func ResolveEndpoints(t ProviderType, cfg ProviderConfig) (Endpoints, error) {
	if !t.Valid() {
		return Endpoints{}, fmt.Errorf("%w: unknown provider type %d", ErrConfiguration, uint8(t))
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return Endpoints{}, fmt.Errorf("%w: client id is required", ErrConfiguration)
	}
	if t.RequiresExplicitEndpoints() {
		if strings.TrimSpace(cfg.AuthorizationURL) == "" || strings.TrimSpace(cfg.TokenURL) == "" {
			return Endpoints{}, fmt.Errorf("%w: %s requires explicit authorization and token endpoints", ErrConfiguration, t)
		}
	}
	if t.RequiresTenant() && strings.TrimSpace(cfg.TenantID) == "" {
		return Endpoints{}, fmt.Errorf("%w: %s requires a tenant id", ErrConfiguration, t)
	}

	def := t.Defaults()
	ep := Endpoints{
		AuthorizationURL: firstNonEmpty(cfg.AuthorizationURL, def.AuthorizationURL),
		TokenURL:         firstNonEmpty(cfg.TokenURL, def.TokenURL),
		UserInfoURL:      firstNonEmpty(cfg.UserInfoURL, def.UserInfoURL),
		JWKSURL:          firstNonEmpty(cfg.JWKSURL, def.JWKSURL),
		Issuer:           firstNonEmpty(cfg.Issuer, def.Issuer),
	}

	tenant := strings.TrimSpace(cfg.TenantID)
	for _, field := range []*string{&ep.AuthorizationURL, &ep.TokenURL, &ep.UserInfoURL, &ep.JWKSURL, &ep.Issuer} {
		if !strings.Contains(*field, TenantPlaceholder) {
			continue
		}
		if tenant == "" {
			return Endpoints{}, fmt.Errorf("%w: endpoint %q needs a tenant id", ErrConfiguration, *field)
		}
		*field = strings.ReplaceAll(*field, TenantPlaceholder, tenant)
	}
	return ep, nil
}

// CanVerifyIDTokens reports whether issuer and JWKS are known for local ID-token checks.
func (e Endpoints) CanVerifyIDTokens() bool {
	return e.Issuer != "" && e.JWKSURL != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
