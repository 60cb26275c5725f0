package oauth

import (
	"fmt"
	"strings"
)

// TenantPlaceholder is substituted with the configured directory tenant in endpoint
// templates.
const TenantPlaceholder = "{tenant}"

// ProviderType is the closed set of identity provider families.
type ProviderType uint8

const (
	Google ProviderType = iota + 1
	AzureAD
	Keycloak
	GenericOIDC
)

// AllProviderTypes lists every variant in declaration order.
var AllProviderTypes = []ProviderType{Google, AzureAD, Keycloak, GenericOIDC}

// Endpoints are the URIs needed to run an authorization code flow.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	JWKSURL          string
	Issuer           string
}

// String returns the configuration name of the provider type.
func (t ProviderType) String() string {
	switch t {
	case Google:
		return "GOOGLE"
	case AzureAD:
		return "AZURE_AD"
	case Keycloak:
		return "KEYCLOAK"
	case GenericOIDC:
		return "GENERIC_OIDC"
	default:
		return fmt.Sprintf("ProviderType(%d)", uint8(t))
	}
}

// Defaults returns the globally hosted endpoints for the provider family. Self-hosted
// families have none.
func (t ProviderType) Defaults() Endpoints {
	switch t {
	case Google:
		return Endpoints{
			AuthorizationURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			UserInfoURL:      "https://openidconnect.googleapis.com/v1/userinfo",
			JWKSURL:          "https://www.googleapis.com/oauth2/v3/certs",
			Issuer:           "https://accounts.google.com",
		}
	case AzureAD:
		return Endpoints{
			AuthorizationURL: "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/authorize",
			TokenURL:         "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token",
			UserInfoURL:      "https://graph.microsoft.com/oidc/userinfo",
			JWKSURL:          "https://login.microsoftonline.com/{tenant}/discovery/v2.0/keys",
			Issuer:           "https://login.microsoftonline.com/{tenant}/v2.0",
		}
	case Keycloak, GenericOIDC:
		return Endpoints{}
	default:
		return Endpoints{}
	}
}

// RequiresExplicitEndpoints reports whether the family is self-hosted and therefore has no
// universal endpoint defaults.
func (t ProviderType) RequiresExplicitEndpoints() bool {
	switch t {
	case Keycloak, GenericOIDC:
		return true
	case Google, AzureAD:
		return false
	default:
		return true
	}
}

// RequiresTenant reports whether endpoint templates need a directory tenant.
func (t ProviderType) RequiresTenant() bool {
	return t == AzureAD
}

// Valid reports whether t is one of the declared variants.
func (t ProviderType) Valid() bool {
	return t >= Google && t <= GenericOIDC
}

// ParseProviderType accepts configuration spellings such as "google", "azure-ad" or
// "GENERIC_OIDC".
func ParseProviderType(s string) (ProviderType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "GOOGLE":
		return Google, nil
	case "AZURE_AD", "AZURE", "AZUREAD":
		return AzureAD, nil
	case "KEYCLOAK":
		return Keycloak, nil
	case "GENERIC_OIDC", "OIDC", "GENERIC":
		return GenericOIDC, nil
	}
	return 0, fmt.Errorf("%w: unknown provider type %q", ErrConfiguration, s)
}
