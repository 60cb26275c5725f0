package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth/oauth"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/strategy"
	"tenantgate.org/internal/auth/token"
	"tenantgate.org/internal/authz"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/grpcapi"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/pg"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to $TENANTGATE_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tenantgate-api:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := obs.InitLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	store, err := pg.Open(cfg.Postgres.DSN,
		tenantdb.WithTenantColumn(cfg.Tenant.Column),
		tenantdb.WithExcludedTables(cfg.Tenant.ExcludedTables...),
		tenantdb.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	tokens, err := token.NewService(
		token.WithSecrets(cfg.Auth.Secrets),
		token.WithDefaultAppKey(cfg.Auth.DefaultAppKey),
		token.WithTimeout(cfg.Auth.TokenTimeout),
		token.WithIssuer(cfg.Auth.Issuer),
		token.WithHeaders(cfg.Auth.TokenHeader, cfg.Auth.AppKeyHeader),
		token.WithCookie(cfg.Auth.CookieName),
		token.WithLogger(log),
	)
	if err != nil {
		return err
	}

	sessions := session.NewService(store.Sessions(),
		session.WithEnabled(cfg.Session.Enabled),
		session.WithTimeout(cfg.Session.Timeout),
		session.WithMaxConcurrent(cfg.Session.MaxConcurrent),
		session.WithLogger(log),
	)

	var (
		flow      *oauth.Flow
		exchanges oauth.ExchangeStore
	)
	if cfg.OAuth.Enabled {
		var states interface {
			oauth.StateStore
			oauth.ExchangeStore
		}
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			states = oauth.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		} else {
			log.Warn("oauth state kept in process memory; run a single replica or configure redis.addr")
			states = oauth.NewMemoryStore()
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		flow, err = oauth.NewFlow(reg, states, oauth.WithLogger(log), oauth.WithStateTTL(cfg.OAuth.StateTTL))
		if err != nil {
			return err
		}
		exchanges = states
	}

	dispatcher := strategy.NewDispatcher([]strategy.Strategy{
		strategy.NewPassword(tokens, sessions, cfg.Session.Strict, log),
		strategy.NewOAuth(tokens, sessions, cfg.OAuth.Enabled, cfg.Session.Strict, log),
		strategy.NewAppKey(tokens),
	}, strategy.WithAuthEnabled(cfg.Auth.Enabled), strategy.WithLogger(log))

	exempt := cfg.Tenant.ExemptPaths
	if !cfg.Tenant.Enabled {
		log.Warn("tenant isolation disabled; every request runs unscoped")
		exempt = []string{"/**"}
	}

	engine := authz.NewService(store.AuthGroups(), store.Catalog(),
		audit.Tee(store.Audit(), audit.NewLogSink(log)),
		authz.WithLogger(log),
	)

	api := httpapi.New(httpapi.Deps{
		Ready:     httpapi.ReadyProbe{DB: store.DB()},
		Tokens:    tokens,
		Sessions:  sessions,
		Users:     store,
		Resolver:  dispatcher,
		Exempt:    tenant.NewExemptionList(exempt...),
		Flow:      flow,
		Exchanges: exchanges,
		Authz:     engine,
	}, version,
		httpapi.WithLogger(log),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins...),
		httpapi.WithFrontendURL(cfg.OAuth.FrontendURL),
		httpapi.WithExchangeTTL(cfg.OAuth.ExchangeTTL),
	)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	rpc := grpcapi.New(dispatcher, grpcapi.WithLogger(log), grpcapi.WithRequireAuth(cfg.Auth.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			log.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			return rpc.Serve(lis)
		})
		g.Go(func() error {
			return rpc.WatchReadiness(gctx, httpapi.ReadyProbe{DB: store.DB()}, 10*time.Second)
		})
	}
	if sessions.IsEnabled() {
		g.Go(func() error { return sessions.RunCleanup(gctx, cfg.Session.CleanupInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		rpc.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}
