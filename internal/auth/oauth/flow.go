package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tenantgate.org/internal/auth/pkce"
	"tenantgate.org/internal/obs"
)

const (
	// DefaultStateTTL bounds how long a user may take at the provider.
	DefaultStateTTL = 5 * time.Minute
	// DefaultExchangeTTL bounds the lifetime of one-time exchange codes.
	DefaultExchangeTTL = 30 * time.Second

	maxUserInfoBytes = 1 << 20
)

// UserInfo is the provider-asserted identity after a completed flow.
type UserInfo struct {
	Provider      string `json:"provider"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// Flow runs the authorization code flow with PKCE against registry providers.
type Flow struct {
	registry *Registry
	states   StateStore
	client   *http.Client
	log      *zap.Logger
	stateTTL time.Duration
	now      func() time.Time

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

// FlowOption configures Flow.
type FlowOption func(*Flow) error

// WithHTTPClient sets the client used for token, JWKS and userinfo calls.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) error {
		if c == nil {
			return errors.New("oauth: nil http client")
		}
		f.client = c
		return nil
	}
}

// WithLogger sets the flow logger.
func WithLogger(l *zap.Logger) FlowOption {
	return func(f *Flow) error {
		if l != nil {
			f.log = l
		}
		return nil
	}
}

// WithStateTTL overrides DefaultStateTTL.
func WithStateTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: state ttl must be positive", ErrConfiguration)
		}
		f.stateTTL = ttl
		return nil
	}
}

// WithClock overrides the time source for state timestamps and token expiry checks.
func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) error {
		if now != nil {
			f.now = now
		}
		return nil
	}
}

// NewFlow constructs a Flow.
func NewFlow(reg *Registry, states StateStore, opts ...FlowOption) (*Flow, error) {
	if reg == nil || states == nil {
		return nil, fmt.Errorf("%w: registry and state store are required", ErrConfiguration)
	}
	f := &Flow{
		registry:  reg,
		states:    states,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       obs.Logger(),
		stateTTL:  DefaultStateTTL,
		now:       time.Now,
		verifiers: make(map[string]*oidc.IDTokenVerifier),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Registry exposes the provider set the flow was built with.
func (f *Flow) Registry() *Registry { return f.registry }

// Begin starts an authorization attempt and returns the provider URL to redirect to.
// returnTo is carried through the state for the post-login redirect.
func (f *Flow) Begin(ctx context.Context, provider, returnTo string) (string, State, error) {
	p, err := f.registry.Provider(provider)
	if err != nil {
		return "", State{}, err
	}
	stateValue, err := pkce.GenerateState()
	if err != nil {
		return "", State{}, err
	}
	nonce, err := pkce.GenerateNonce()
	if err != nil {
		return "", State{}, err
	}

	now := f.now()
	st := State{
		Value:       stateValue,
		Provider:    p.Name,
		RedirectURI: f.registry.CallbackURL(p.Name),
		Nonce:       nonce,
		ReturnTo:    returnTo,
		CreatedAt:   now,
		ExpiresAt:   now.Add(f.stateTTL),
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	if p.Config.PKCEEnabled() {
		pair := pkce.Generate()
		st.Verifier = pair.Verifier
		opts = append(opts, oauth2.S256ChallengeOption(pair.Verifier))
	}
	for k, v := range p.Config.AdditionalParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if err := f.states.SaveState(ctx, st, f.stateTTL); err != nil {
		return "", State{}, fmt.Errorf("save oauth state: %w", err)
	}
	url := f.config(p).AuthCodeURL(stateValue, opts...)
	f.log.Debug("oauth authorization started", zap.String("provider", p.Name))
	return url, st, nil
}

// Complete consumes the state, exchanges the code and returns the verified identity.
// The state is gone after this call whatever the outcome.
func (f *Flow) Complete(ctx context.Context, provider, code, stateValue string) (UserInfo, State, error) {
	if strings.TrimSpace(stateValue) == "" {
		return UserInfo{}, State{}, fmt.Errorf("%w: missing state", ErrInvalidState)
	}
	st, err := f.states.ConsumeState(ctx, stateValue)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserInfo{}, State{}, fmt.Errorf("%w: unknown or expired state", ErrInvalidState)
		}
		return UserInfo{}, State{}, err
	}
	if !f.now().Before(st.ExpiresAt) {
		return UserInfo{}, State{}, fmt.Errorf("%w: expired state", ErrInvalidState)
	}
	p, err := f.registry.Provider(provider)
	if err != nil {
		return UserInfo{}, State{}, err
	}
	if st.Provider != p.Name {
		return UserInfo{}, State{}, fmt.Errorf("%w: state issued for another provider", ErrInvalidState)
	}
	if strings.TrimSpace(code) == "" {
		return UserInfo{}, State{}, fmt.Errorf("%w: missing authorization code", ErrExchange)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	var opts []oauth2.AuthCodeOption
	if st.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(st.Verifier))
	}
	tok, err := f.config(p).Exchange(ctx, code, opts...)
	if err != nil {
		return UserInfo{}, State{}, fmt.Errorf("%w: %v", ErrExchange, err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	var info UserInfo
	switch {
	case rawID != "" && p.Endpoints.CanVerifyIDTokens():
		info, err = f.verifyIDToken(ctx, p, rawID, st.Nonce)
	case p.Endpoints.UserInfoURL != "":
		info, err = f.fetchUserInfo(ctx, p, tok)
	default:
		err = fmt.Errorf("%w: provider %q returned no verifiable identity", ErrExchange, p.Name)
	}
	if err != nil {
		return UserInfo{}, State{}, err
	}
	info.Provider = p.Name
	if info.Subject == "" {
		return UserInfo{}, State{}, fmt.Errorf("%w: identity without subject", ErrExchange)
	}
	return info, st, nil
}

// EmailTrusted reports whether info's email may be used to find a local account.
func (f *Flow) EmailTrusted(info UserInfo) bool {
	if strings.TrimSpace(info.Email) == "" {
		return false
	}
	if info.EmailVerified {
		return true
	}
	p, err := f.registry.Provider(info.Provider)
	return err == nil && p.Config.TrustUnverifiedEmail
}

func (f *Flow) config(p Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.Config.ClientID,
		ClientSecret: p.Config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.Endpoints.AuthorizationURL,
			TokenURL: p.Endpoints.TokenURL,
		},
		RedirectURL: f.registry.CallbackURL(p.Name),
		Scopes:      p.Config.EffectiveScopes(),
	}
}

func (f *Flow) verifier(p Provider) *oidc.IDTokenVerifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.verifiers[p.Name]; ok {
		return v
	}
	// key fetches outlive any single request
	keyCtx := oidc.ClientContext(context.Background(), f.client)
	keys := oidc.NewRemoteKeySet(keyCtx, p.Endpoints.JWKSURL)
	v := oidc.NewVerifier(p.Endpoints.Issuer, keys, &oidc.Config{
		ClientID: p.Config.ClientID,
		Now:      f.now,
	})
	f.verifiers[p.Name] = v
	return v
}

func (f *Flow) verifyIDToken(ctx context.Context, p Provider, raw, nonce string) (UserInfo, error) {
	idt, err := f.verifier(p).Verify(ctx, raw)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: id token: %v", ErrExchange, err)
	}
	if nonce == "" || idt.Nonce != nonce {
		return UserInfo{}, fmt.Errorf("%w: nonce mismatch", ErrInvalidState)
	}
	var info UserInfo
	if err := idt.Claims(&info); err != nil {
		return UserInfo{}, fmt.Errorf("%w: id token claims: %v", ErrExchange, err)
	}
	info.Subject = idt.Subject
	return info, nil
}

func (f *Flow) fetchUserInfo(ctx context.Context, p Provider, tok *oauth2.Token) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoints.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: userinfo: %v", ErrExchange, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("%w: userinfo status %d", ErrExchange, resp.StatusCode)
	}
	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&info); err != nil {
		return UserInfo{}, fmt.Errorf("%w: userinfo decode: %v", ErrExchange, err)
	}
	return info, nil
}
