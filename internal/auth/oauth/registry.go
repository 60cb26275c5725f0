package oauth

import (
	"fmt"
	"sort"
	"strings"
)

const callbackPath = "/api/auth/oauth/callback/"

// Provider is a validated provider entry with resolved endpoints.
type Provider struct {
	Name      string
	Type      ProviderType
	Config    ProviderConfig
	Endpoints Endpoints
}

// Registry holds the provider set resolved at startup. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	providers    map[string]Provider
	defaultName  string
	callbackBase string
}

// RegistryOption configures Registry construction.
type RegistryOption func(*Registry) error

// WithDefaultProvider names the provider used when a request does not specify one.
func WithDefaultProvider(name string) RegistryOption {
	return func(r *Registry) error {
		r.defaultName = normalizeName(name)
		return nil
	}
}

// WithCallbackBase sets the externally reachable base URL for redirect URIs.
func WithCallbackBase(base string) RegistryOption {
	return func(r *Registry) error {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base != "" {
			r.callbackBase = base
		}
		return nil
	}
}

// NewRegistry validates every enabled provider and resolves its endpoints. Any invalid
// entry fails the whole registry with ErrConfiguration.
func NewRegistry(cfgs map[string]ProviderConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		providers:    make(map[string]Provider, len(cfgs)),
		callbackBase: "http://localhost:9080",
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	for rawName, cfg := range cfgs {
		name := normalizeName(rawName)
		if name == "" {
			return nil, fmt.Errorf("%w: provider name is empty", ErrConfiguration)
		}
		if cfg.Disabled {
			continue
		}
		typeName := cfg.Type
		if strings.TrimSpace(typeName) == "" {
			typeName = name
		}
		t, err := ParseProviderType(typeName)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		ep, err := ResolveEndpoints(t, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		r.providers[name] = Provider{Name: name, Type: t, Config: cfg, Endpoints: ep}
	}
	if r.defaultName != "" {
		if _, ok := r.providers[r.defaultName]; !ok {
			return nil, fmt.Errorf("%w: default provider %q is not configured", ErrConfiguration, r.defaultName)
		}
	}
	return r, nil
}

// Provider returns the named provider.
func (r *Registry) Provider(name string) (Provider, error) {
	if r == nil {
		return Provider{}, ErrUnknownProvider
	}
	name = normalizeName(name)
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Resolve returns the concrete endpoints of the named provider.
func (r *Registry) Resolve(name string) (Endpoints, error) {
	p, err := r.Provider(name)
	if err != nil {
		return Endpoints{}, err
	}
	return p.Endpoints, nil
}

// Names lists enabled providers in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of enabled providers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.providers)
}

// CallbackURL is the redirect URI registered with the named provider.
func (r *Registry) CallbackURL(name string) string {
	return r.callbackBase + callbackPath + normalizeName(name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
