package grpcapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

const (
	requestIDKey    = "x-request-id"
	maxRequestIDLen = 128
)

// pipeline resolves the caller and binds its tenant around one call.
type pipeline struct {
	resolver    tenant.Resolver
	exempt      map[string]bool
	requireAuth bool
	log         *zap.Logger
}

// metadataCarrier exposes incoming metadata to the strategies. Cookies are read from
// the "cookie" key the way browsers send them through grpc-web proxies.
func metadataCarrier(md metadata.MD) auth.MapCarrier {
	c := auth.MapCarrier{Headers: make(map[string]string, len(md))}
	for k, v := range md {
		if len(v) > 0 {
			c.Headers[k] = v[0]
		}
	}
	if raw := md.Get("cookie"); len(raw) > 0 {
		c.Cookies = make(map[string]string)
		for _, line := range raw {
			cookies, err := http.ParseCookie(line)
			if err != nil {
				continue
			}
			for _, ck := range cookies {
				c.Cookies[ck.Name] = ck.Value
			}
		}
	}
	return c
}

func requestID(md metadata.MD) string {
	if v := md.Get(requestIDKey); len(v) > 0 {
		rid := strings.TrimSpace(v[0])
		if rid != "" && len(rid) <= maxRequestIDLen && !strings.ContainsAny(rid, "\r\n") {
			return rid
		}
	}
	return ids.New()
}

// enter prepares the call context. The returned release must run when the call ends.
func (p *pipeline) enter(ctx context.Context, method string) (context.Context, func(), error) {
	md, _ := metadata.FromIncomingContext(ctx)
	rid := requestID(md)
	ctx = audit.WithRequestID(ctx, rid)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, rid))

	user := p.resolver.Resolve(ctx, metadataCarrier(md))
	ctx = auth.ContextWithUser(ctx, user)
	if p.exempt[method] {
		return tenant.WithExempt(ctx), func() {}, nil
	}
	if p.requireAuth && user.IsVisitor() {
		return ctx, func() {}, status.Error(codes.Unauthenticated, "authentication required")
	}
	if id, ok := user.Tenant(); ok {
		ctx, release := tenant.Bind(ctx, id)
		return ctx, func() { release() }, nil
	}
	return ctx, func() {}, nil
}

func (p *pipeline) done(ctx context.Context, method string, start time.Time, err error) {
	p.log.Info("rpc_complete",
		zap.String("request_id", audit.RequestIDFromContext(ctx)),
		zap.String("method", method),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
	)
}

// UnaryInterceptor runs the request pipeline around unary calls.
func (p *pipeline) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx, release, err := p.enter(ctx, info.FullMethod)
	defer release()
	if err != nil {
		p.done(ctx, info.FullMethod, start, err)
		return nil, err
	}
	resp, err := handler(ctx, req)
	err = p.toStatus(ctx, err)
	p.done(ctx, info.FullMethod, start, err)
	return resp, err
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// StreamInterceptor runs the request pipeline around streaming calls.
func (p *pipeline) StreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	ctx, release, err := p.enter(ss.Context(), info.FullMethod)
	defer release()
	if err != nil {
		p.done(ctx, info.FullMethod, start, err)
		return err
	}
	err = p.toStatus(ctx, handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx}))
	p.done(ctx, info.FullMethod, start, err)
	return err
}

// toStatus maps domain errors to gRPC codes. Isolation failures surface as a generic
// Internal error.
func (p *pipeline) toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, tenantdb.ErrNoTenant),
		errors.Is(err, tenantdb.ErrTenantMismatch),
		errors.Is(err, tenantdb.ErrUnsupportedStatement):
		p.log.Error("tenant isolation violation", zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(ctx)))
		return status.Error(codes.Internal, "internal error")
	case errors.Is(err, authz.ErrInvalidRowFilter), errors.Is(err, authz.ErrInvalidInput), errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, authz.ErrForbidden), errors.Is(err, auth.ErrAccountLocked):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	p.log.Error("rpc failed", zap.Error(err), zap.String("request_id", audit.RequestIDFromContext(ctx)))
	return status.Error(codes.Internal, "internal error")
}
