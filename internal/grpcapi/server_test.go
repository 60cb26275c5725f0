package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

// headerResolver authenticates "authorization: user-<tenant>" and nothing else.
type headerResolver struct{}

func (headerResolver) Resolve(_ context.Context, c auth.Carrier) auth.User {
	switch c.Header("Authorization") {
	case "user-7":
		return auth.User{ID: 1, Name: "alice", TenantID: 7, Role: auth.RoleUser}
	case "no-tenant":
		return auth.User{ID: 2, Name: "orphan", Role: auth.RoleUser}
	}
	if c.Cookie("tenantgate_token") == "user-7" {
		return auth.User{ID: 1, Name: "alice", TenantID: 7, Role: auth.RoleUser}
	}
	return auth.Visitor()
}

func newPipeline(t *testing.T) (*pipeline, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	return &pipeline{
		resolver:    headerResolver{},
		exempt:      map[string]bool{"/grpc.health.v1.Health/Check": true},
		requireAuth: true,
		log:         zap.New(core),
	}, logs
}

func incoming(pairs ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
}

func TestUnaryInterceptorBindsAndReleasesTenant(t *testing.T) {
	p, logs := newPipeline(t)

	var inside context.Context
	_, err := p.UnaryInterceptor(incoming("authorization", "user-7", "x-request-id", "rid-1"), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
		func(ctx context.Context, _ any) (any, error) {
			inside = ctx
			id, ok := tenant.FromContext(ctx)
			assert.True(t, ok)
			assert.Equal(t, int64(7), id)
			assert.Equal(t, "alice", auth.UserFromContext(ctx).Name)
			assert.Equal(t, "rid-1", audit.RequestIDFromContext(ctx))
			return "ok", nil
		})
	require.NoError(t, err)

	_, bound := tenant.FromContext(inside)
	assert.False(t, bound, "binding must be released after the call")

	entries := logs.FilterMessage("rpc_complete").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "OK", entries[0].ContextMap()["code"])
	assert.Equal(t, "rid-1", entries[0].ContextMap()["request_id"])
}

func TestUnaryInterceptorReadsCookies(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.UnaryInterceptor(incoming("cookie", "theme=dark; tenantgate_token=user-7"), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
		func(ctx context.Context, _ any) (any, error) {
			id, ok := tenant.FromContext(ctx)
			assert.True(t, ok)
			assert.Equal(t, int64(7), id)
			return nil, nil
		})
	require.NoError(t, err)
}

func TestUnaryInterceptorRejectsVisitors(t *testing.T) {
	p, _ := newPipeline(t)
	called := false
	_, err := p.UnaryInterceptor(incoming(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
		func(ctx context.Context, _ any) (any, error) {
			called = true
			return nil, nil
		})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, called)
}

func TestUnaryInterceptorExemptMethod(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.UnaryInterceptor(incoming(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, _ any) (any, error) {
			assert.True(t, tenant.IsExempt(ctx))
			return nil, nil
		})
	require.NoError(t, err)
}

func TestUnaryInterceptorMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{tenantdb.ErrNoTenant, codes.Internal},
		{authz.ErrForbidden, codes.PermissionDenied},
		{authz.ErrInvalidRowFilter, codes.InvalidArgument},
		{authz.ErrNotFound, codes.NotFound},
		{auth.ErrConflict, codes.AlreadyExists},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
	}
	for _, tc := range cases {
		p, _ := newPipeline(t)
		_, err := p.UnaryInterceptor(incoming("authorization", "no-tenant"), nil,
			&grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
			func(context.Context, any) (any, error) { return nil, tc.err })
		assert.Equal(t, tc.code, status.Code(err), "error %v", tc.err)
	}

	p, _ := newPipeline(t)
	_, err := p.UnaryInterceptor(incoming("authorization", "no-tenant"), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
		func(context.Context, any) (any, error) { return nil, tenantdb.ErrNoTenant })
	assert.Equal(t, "internal error", status.Convert(err).Message())
}

type flakyChecker struct{ err error }

func (c *flakyChecker) Check(context.Context) error { return c.err }

func TestHealthServiceOverBufconn(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	srv := New(headerResolver{}, WithLogger(zap.New(core)))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	checker := &flakyChecker{err: errors.New("db down")}
	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.WatchReadiness(watchCtx, checker, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	stopWatch()
	<-done
}
