package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth/pkce"
)

// fakeIdP is a minimal OIDC provider: authorization codes are accepted once, the
// token response carries an RS256 ID token signed with a key published at /jwks.
type fakeIdP struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	mu        sync.Mutex
	challenge string
	nonce     string
	omitID    bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: string(jose.RS256)},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	idp := &fakeIdP{t: t, key: key, signer: signer}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", idp.handleJWKS)
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/userinfo", idp.handleUserInfo)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (p *fakeIdP) expect(authURL string, nonce string) {
	u, err := url.Parse(authURL)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = u.Query().Get("code_challenge")
	p.nonce = nonce
}

func (p *fakeIdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     "test-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (p *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	challenge, nonce, omitID := p.challenge, p.nonce, p.omitID
	p.mu.Unlock()

	if r.PostForm.Get("code") != "good-code" {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	if challenge != "" && !pkce.Verify(r.PostForm.Get("code_verifier"), challenge) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"access_token": "provider-access",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omitID {
		now := time.Now()
		claims := map[string]any{
			"iss":            p.srv.URL,
			"sub":            "user-42",
			"aud":            "client-1",
			"exp":            now.Add(time.Hour).Unix(),
			"iat":            now.Unix(),
			"nonce":          nonce,
			"email":          "ada@example.com",
			"email_verified": true,
			"name":           "Ada Lovelace",
		}
		payload, _ := json.Marshal(claims)
		obj, err := p.signer.Sign(payload)
		require.NoError(p.t, err)
		raw, err := obj.CompactSerialize()
		require.NoError(p.t, err)
		resp["id_token"] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *fakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer provider-access" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"sub":"plain-7","email":"grace@example.com","name":"Grace"}`))
}

func newTestFlow(t *testing.T, idp *fakeIdP, opts ...FlowOption) *Flow {
	t.Helper()
	base := idp.srv.URL
	reg, err := NewRegistry(map[string]ProviderConfig{
		"corp": {
			Type:             "generic_oidc",
			ClientID:         "client-1",
			ClientSecret:     "secret",
			AuthorizationURL: base + "/authorize",
			TokenURL:         base + "/token",
			JWKSURL:          base + "/jwks",
			Issuer:           base,
		},
		"plain": {
			Type:             "keycloak",
			ClientID:         "client-1",
			AuthorizationURL: base + "/authorize",
			TokenURL:         base + "/token",
			UserInfoURL:      base + "/userinfo",
		},
	}, WithCallbackBase("https://gate.example.com"))
	require.NoError(t, err)

	opts = append([]FlowOption{WithHTTPClient(idp.srv.Client())}, opts...)
	flow, err := NewFlow(reg, NewMemoryStore(), opts...)
	require.NoError(t, err)
	return flow
}

func TestFlowBeginBuildsPKCEAuthorizationURL(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)

	authURL, st, err := flow.Begin(context.Background(), "corp", "/dashboard")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, idp.srv.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, st.Value, q.Get("state"))
	assert.Equal(t, st.Nonce, q.Get("nonce"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, pkce.ChallengeFor(st.Verifier), q.Get("code_challenge"))
	assert.Equal(t, "https://gate.example.com/api/auth/oauth/callback/corp", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "/dashboard", st.ReturnTo)
}

func TestFlowCompleteVerifiesIDToken(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)
	ctx := context.Background()

	authURL, st, err := flow.Begin(ctx, "corp", "")
	require.NoError(t, err)
	idp.expect(authURL, st.Nonce)

	info, got, err := flow.Complete(ctx, "corp", "good-code", st.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-42", info.Subject)
	assert.Equal(t, "ada@example.com", info.Email)
	assert.True(t, info.EmailVerified)
	assert.Equal(t, "corp", info.Provider)
	assert.Equal(t, st.Value, got.Value)

	_, _, err = flow.Complete(ctx, "corp", "good-code", st.Value)
	assert.True(t, errors.Is(err, ErrInvalidState), "state must be single use, got %v", err)
}

func TestFlowCompleteRejectsNonceMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)
	ctx := context.Background()

	authURL, st, err := flow.Begin(ctx, "corp", "")
	require.NoError(t, err)
	idp.expect(authURL, "someone-elses-nonce")

	_, _, err = flow.Complete(ctx, "corp", "good-code", st.Value)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestFlowCompleteRejectsProviderMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)
	ctx := context.Background()

	_, st, err := flow.Begin(ctx, "corp", "")
	require.NoError(t, err)

	_, _, err = flow.Complete(ctx, "plain", "good-code", st.Value)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestFlowCompleteRejectsUnknownState(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)

	_, _, err := flow.Complete(context.Background(), "corp", "good-code", "forged")
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, _, err = flow.Complete(context.Background(), "corp", "good-code", "")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestFlowCompleteRejectsExpiredState(t *testing.T) {
	idp := newFakeIdP(t)
	now := time.Now()
	flow := newTestFlow(t, idp, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, st, err := flow.Begin(ctx, "corp", "")
	require.NoError(t, err)
	now = now.Add(DefaultStateTTL + time.Second)

	_, _, err = flow.Complete(ctx, "corp", "good-code", st.Value)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestFlowCompleteFallsBackToUserInfo(t *testing.T) {
	idp := newFakeIdP(t)
	idp.omitID = true
	flow := newTestFlow(t, idp)
	ctx := context.Background()

	authURL, st, err := flow.Begin(ctx, "plain", "")
	require.NoError(t, err)
	idp.expect(authURL, st.Nonce)

	info, _, err := flow.Complete(ctx, "plain", "good-code", st.Value)
	require.NoError(t, err)
	assert.Equal(t, "plain-7", info.Subject)
	assert.Equal(t, "grace@example.com", info.Email)
}

func TestFlowCompleteRejectsBadCode(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)
	ctx := context.Background()

	authURL, st, err := flow.Begin(ctx, "corp", "")
	require.NoError(t, err)
	idp.expect(authURL, st.Nonce)

	_, _, err = flow.Complete(ctx, "corp", "stolen-code", st.Value)
	assert.True(t, errors.Is(err, ErrExchange))
}

func TestFlowCompleteHonoursCancellation(t *testing.T) {
	idp := newFakeIdP(t)
	flow := newTestFlow(t, idp)

	authURL, st, err := flow.Begin(context.Background(), "corp", "")
	require.NoError(t, err)
	idp.expect(authURL, st.Nonce)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = flow.Complete(ctx, "corp", "good-code", st.Value)
	assert.Error(t, err)
}

func TestFlowEmailTrusted(t *testing.T) {
	flow := newTestFlow(t, newFakeIdP(t))

	assert.True(t, flow.EmailTrusted(UserInfo{Provider: "corp", Email: "a@example.com", EmailVerified: true}))
	assert.False(t, flow.EmailTrusted(UserInfo{Provider: "corp", Email: "a@example.com"}))
	assert.False(t, flow.EmailTrusted(UserInfo{Provider: "corp", EmailVerified: true}))
	assert.False(t, flow.EmailTrusted(UserInfo{Provider: "gone", Email: "a@example.com"}))
}
