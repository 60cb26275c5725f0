// Package grpcapi is the gRPC surface. Every call passes through the same identity
// resolution and tenant binding as HTTP requests; the standard health service reports
// readiness.
package grpcapi

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/tenant"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "tenantgate.api"

// DefaultExemptMethods run without a tenant binding.
var DefaultExemptMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// Checker reports readiness of a dependency.
type Checker interface {
	Check(ctx context.Context) error
}

// Server wraps *grpc.Server with the request pipeline and a health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	pipe   *pipeline
	log    *zap.Logger
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the call logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
			s.pipe.log = l
		}
	}
}

// WithExemptMethods adds full method names that run without a tenant.
func WithExemptMethods(methods ...string) Option {
	return func(s *Server) {
		for _, m := range methods {
			s.pipe.exempt[m] = true
		}
	}
}

// WithRequireAuth rejects visitors on non-exempt methods with Unauthenticated.
func WithRequireAuth(on bool) Option {
	return func(s *Server) { s.pipe.requireAuth = on }
}

func New(resolver tenant.Resolver, opts ...Option) *Server {
	log := obs.Logger()
	s := &Server{
		health: health.NewServer(),
		pipe: &pipeline{
			resolver:    resolver,
			exempt:      make(map[string]bool, len(DefaultExemptMethods)),
			requireAuth: true,
			log:         log,
		},
		log: log,
	}
	for _, m := range DefaultExemptMethods {
		s.pipe.exempt[m] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.pipe.UnaryInterceptor),
		grpc.ChainStreamInterceptor(s.pipe.StreamInterceptor),
	)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.setServing(true)
	return s
}

// GRPC exposes the underlying server for service registration.
func (s *Server) GRPC() *grpc.Server { return s.srv }

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error { return s.srv.Serve(lis) }

// GracefulStop marks the server not serving and waits for in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// Stop closes every connection immediately.
func (s *Server) Stop() { s.srv.Stop() }

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness polls c and mirrors the result into the health service until ctx ends.
func (s *Server) WatchReadiness(ctx context.Context, c Checker, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := c.Check(cctx); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			s.setServing(false)
			return
		}
		s.setServing(true)
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			check()
		}
	}
}
