package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/token"
)

type fixture struct {
	tokens   *token.Service
	sessions *session.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tokens, err := token.NewService(
		token.WithSecret("web", "web-secret"),
		token.WithSecret("partner", "partner-secret"),
		token.WithDefaultAppKey("web"),
	)
	require.NoError(t, err)
	return fixture{tokens: tokens, sessions: session.NewService(session.NewMemoryStore())}
}

func (f fixture) dispatcher(strict bool, opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher([]Strategy{
		NewPassword(f.tokens, f.sessions, strict, nil),
		NewOAuth(f.tokens, f.sessions, true, strict, nil),
		NewAppKey(f.tokens),
	}, opts...)
}

func (f fixture) issue(t *testing.T, c token.Claims, appKey string) string {
	t.Helper()
	raw, err := f.tokens.IssueFor(c, appKey)
	require.NoError(t, err)
	return raw
}

func tenantID(id int64) *int64 { return &id }

func carrier(headers map[string]string) auth.Carrier {
	return auth.MapCarrier{Headers: headers}
}

func TestResolveWithoutCredentialsIsVisitor(t *testing.T) {
	f := newFixture(t)
	u := f.dispatcher(false).Resolve(context.Background(), carrier(nil))
	assert.True(t, u.IsVisitor())
	_, bound := u.Tenant()
	assert.False(t, bound)
}

func TestResolvePasswordToken(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada", TenantID: tenantID(2), AuthMethod: auth.MethodPassword}, "web")

	u := f.dispatcher(false).Resolve(context.Background(), carrier(map[string]string{"Authorization": "Bearer " + raw}))
	assert.Equal(t, int64(4), u.ID)
	assert.Equal(t, auth.MethodPassword, u.AuthMethod)
	tid, ok := u.Tenant()
	require.True(t, ok)
	assert.Equal(t, int64(2), tid)
}

func TestResolveOAuthToken(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 5, Name: "g", AuthMethod: auth.MethodOAuth, Provider: "google"}, "web")

	u := f.dispatcher(false).Resolve(context.Background(), carrier(map[string]string{"Authorization": raw}))
	assert.Equal(t, int64(5), u.ID)
	assert.Equal(t, auth.MethodOAuth, u.AuthMethod)
}

func TestResolveOAuthTokenIgnoredWhenOAuthDisabled(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 5, Name: "g", AuthMethod: auth.MethodOAuth}, "web")

	d := NewDispatcher([]Strategy{
		NewPassword(f.tokens, f.sessions, false, nil),
		NewOAuth(f.tokens, f.sessions, false, false, nil),
	})
	u := d.Resolve(context.Background(), carrier(map[string]string{"Authorization": raw}))
	assert.True(t, u.IsVisitor())
}

func TestResolveAppKeyToken(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 9, Name: "svc", TenantID: tenantID(3)}, "partner")

	u := f.dispatcher(false).Resolve(context.Background(), carrier(map[string]string{
		"Authorization":           raw,
		token.DefaultAppKeyHeader: "partner",
	}))
	assert.Equal(t, int64(9), u.ID)
	assert.Equal(t, auth.MethodAppKey, u.AuthMethod)
	assert.Equal(t, auth.RoleApp, u.Role)

	u = f.dispatcher(false).ResolveToken(context.Background(), raw, "partner")
	assert.Equal(t, int64(9), u.ID)
}

func TestResolveAuthDisabledIsVisitor(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")
	u := f.dispatcher(false, WithAuthEnabled(false)).Resolve(context.Background(), carrier(map[string]string{"Authorization": raw}))
	assert.True(t, u.IsVisitor())
}

func TestValidTokenWithMissingSessionStillAuthenticates(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")

	u := f.dispatcher(false).Resolve(context.Background(), carrier(map[string]string{
		"Authorization": raw,
		SessionHeader:   "no-such-session",
	}))
	assert.Equal(t, int64(4), u.ID)
}

func TestValidTokenWithRevokedSessionStillAuthenticates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.Meta{UserID: 4})
	require.NoError(t, err)
	_, err = f.sessions.Revoke(ctx, sess.SessionID, session.ReasonLogout)
	require.NoError(t, err)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")

	u := f.dispatcher(false).Resolve(ctx, carrier(map[string]string{"Authorization": raw, SessionHeader: sess.SessionID}))
	assert.Equal(t, int64(4), u.ID)
	assert.Empty(t, u.SessionID)
}

func TestStrictSessionRejectsInvalidPresentSession(t *testing.T) {
	f := newFixture(t)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")

	u := f.dispatcher(true).Resolve(context.Background(), carrier(map[string]string{
		"Authorization": raw,
		SessionHeader:   "no-such-session",
	}))
	assert.True(t, u.IsVisitor())

	u = f.dispatcher(true).Resolve(context.Background(), carrier(map[string]string{"Authorization": raw}))
	assert.Equal(t, int64(4), u.ID, "absent session header is not checked")
}

func TestInvalidTokenWithValidSessionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.Meta{UserID: 4})
	require.NoError(t, err)

	u := f.dispatcher(false).Resolve(ctx, carrier(map[string]string{
		"Authorization": "Bearer forged.token.value",
		SessionHeader:   sess.SessionID,
	}))
	assert.True(t, u.IsVisitor())
}

func TestValidSessionIsTouchedAndAttached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, session.Meta{UserID: 4})
	require.NoError(t, err)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")

	u := f.dispatcher(true).Resolve(ctx, carrier(map[string]string{"Authorization": raw, SessionHeader: sess.SessionID}))
	assert.Equal(t, sess.SessionID, u.SessionID)
}

func TestForeignSessionIsNotAttached(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t)
	f.sessions = session.NewService(session.NewMemoryStore(), session.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	theirs, err := f.sessions.Create(ctx, session.Meta{UserID: 99})
	require.NoError(t, err)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")
	headers := map[string]string{"Authorization": raw, SessionHeader: theirs.SessionID}

	now = now.Add(time.Minute)
	u := f.dispatcher(false).Resolve(ctx, carrier(headers))
	assert.Equal(t, int64(4), u.ID)
	assert.Empty(t, u.SessionID)

	got := f.sessions.Validate(ctx, theirs.SessionID)
	require.NotNil(t, got)
	assert.True(t, got.LastActivityAt.Equal(theirs.LastActivityAt), "foreign session must not be touched")

	assert.True(t, f.dispatcher(true).Resolve(ctx, carrier(headers)).IsVisitor())
}

func TestInvalidSessionIsLoggedAtInfo(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	raw := f.issue(t, token.Claims{UserID: 4, Name: "ada"}, "web")

	d := NewDispatcher([]Strategy{NewPassword(f.tokens, f.sessions, false, zap.New(core))})
	u := d.Resolve(context.Background(), carrier(map[string]string{
		"Authorization": raw,
		SessionHeader:   "no-such-session",
	}))
	assert.Equal(t, int64(4), u.ID)
	assert.Equal(t, 1, logs.FilterMessage("session invalid or expired, token still valid").Len())
}

type stubStrategy struct {
	name  string
	user  auth.User
	err   error
	panic bool
	calls int
}

func (s *stubStrategy) Name() string      { return s.name }
func (s *stubStrategy) Accept(bool) bool { return true }
func (s *stubStrategy) FindUser(context.Context, auth.Carrier) (auth.User, error) {
	s.calls++
	if s.panic {
		panic("boom")
	}
	return s.user, s.err
}
func (s *stubStrategy) FindUserByToken(ctx context.Context, _, _ string) (auth.User, error) {
	return s.FindUser(ctx, nil)
}

func TestDispatcherOrderFirstMatchWins(t *testing.T) {
	first := &stubStrategy{name: "first", user: auth.User{ID: 1, Role: auth.RoleUser}}
	second := &stubStrategy{name: "second", user: auth.User{ID: 2, Role: auth.RoleUser}}

	u := NewDispatcher([]Strategy{first, second}).Resolve(context.Background(), carrier(nil))
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, 0, second.calls)
}

func TestDispatcherRecoversPanicsAndErrors(t *testing.T) {
	panicking := &stubStrategy{name: "panics", panic: true}
	failing := &stubStrategy{name: "fails", err: errors.New("db down")}
	last := &stubStrategy{name: "last", user: auth.User{ID: 3, Role: auth.RoleUser}}

	d := NewDispatcher([]Strategy{panicking, failing, last})
	assert.Equal(t, []string{"panics", "fails", "last"}, d.Strategies())

	u := d.Resolve(context.Background(), carrier(nil))
	assert.Equal(t, int64(3), u.ID)
	assert.Equal(t, 1, panicking.calls)
	assert.Equal(t, 1, failing.calls)

	u = NewDispatcher([]Strategy{panicking}).Resolve(context.Background(), carrier(nil))
	assert.True(t, u.IsVisitor())
}
