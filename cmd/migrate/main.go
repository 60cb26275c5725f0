package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/migrate"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/store/pg"
	"tenantgate.org/ops/migrations"
)

var (
	configPath string
	dsn        string
	timeout    time.Duration

	userName     string
	userEmail    string
	userPassword string
	userTenant   int64
	userAdmin    bool
)

func main() {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the tenantgate schema, seeds and bootstrap accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $TENANTGATE_CONFIG)")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN, overrides postgres.dsn")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "overall deadline")

	userCmd := &cobra.Command{Use: "user", Short: "Manage accounts"}
	createUser := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a bcrypt password hash",
		RunE:  withStore(runCreateUser),
	}
	createUser.Flags().StringVar(&userName, "name", "", "login name")
	createUser.Flags().StringVar(&userEmail, "email", "", "email, used to match OAuth identities")
	createUser.Flags().StringVar(&userPassword, "password", "", "password; read from TENANTGATE_BOOTSTRAP_PASSWORD when empty")
	createUser.Flags().Int64Var(&userTenant, "tenant", 0, "tenant id")
	createUser.Flags().BoolVar(&userAdmin, "admin", false, "grant the administrator role")
	_ = createUser.MarkFlagRequired("name")
	_ = createUser.MarkFlagRequired("email")
	userCmd.AddCommand(createUser)

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: withManager(runUp)},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", Args: cobra.NoArgs, RunE: withManager(runDown)},
		&cobra.Command{Use: "seed", Short: "Apply pending seed files", Args: cobra.NoArgs, RunE: withManager(runSeed)},
		&cobra.Command{Use: "status", Short: "List applied and pending migrations", Args: cobra.NoArgs, RunE: withManager(runStatus)},
		userCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func openStore() (*pg.Store, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := obs.InitLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	if dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, errors.New("missing DSN: provide --dsn or TENANTGATE_POSTGRES_DSN")
	}
	store, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return store, log, nil
}

func withStore(run func(ctx context.Context, store *pg.Store, log *zap.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, log, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		defer func() { _ = log.Sync() }()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return run(ctx, store, log)
	}
}

func withManager(run func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
	return withStore(func(ctx context.Context, store *pg.Store, log *zap.Logger) error {
		sqlFS, err := fs.Sub(migrations.SQL, "sql")
		if err != nil {
			return err
		}
		seedFS, err := fs.Sub(migrations.Seeds, "seeds")
		if err != nil {
			return err
		}
		return run(ctx, migrate.NewManager(store.Raw(), sqlFS, seedFS, migrate.WithLogger(log)))
	})
}

func runUp(ctx context.Context, m *migrate.Manager) error {
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("schema is up to date")
	}
	for _, name := range applied {
		fmt.Println("applied", name)
	}
	return nil
}

func runDown(ctx context.Context, m *migrate.Manager) error {
	name, err := m.Down(ctx)
	if err != nil {
		return err
	}
	fmt.Println("rolled back", name)
	return nil
}

func runSeed(ctx context.Context, m *migrate.Manager) error {
	applied, err := m.Seed(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Println("seeded", name)
	}
	return nil
}

func runStatus(ctx context.Context, m *migrate.Manager) error {
	applied, pending, err := m.Status(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Println("applied ", name)
	}
	for _, name := range pending {
		fmt.Println("pending ", name)
	}
	return nil
}

func runCreateUser(ctx context.Context, store *pg.Store, log *zap.Logger) error {
	password := userPassword
	if password == "" {
		password = os.Getenv("TENANTGATE_BOOTSTRAP_PASSWORD")
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("a password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	acct := auth.Account{
		User: auth.User{
			Name:     userName,
			Email:    userEmail,
			TenantID: userTenant,
			Role:     auth.RoleUser,
			IsAdmin:  userAdmin,
		},
		PasswordHash: hash,
	}
	if userAdmin {
		acct.Role = auth.RoleAdmin
	}
	u, err := store.CreateUser(ctx, acct)
	switch {
	case errors.Is(err, auth.ErrConflict):
		return fmt.Errorf("an account named %q or with that email already exists", userName)
	case errors.Is(err, auth.ErrNotFound):
		return fmt.Errorf("tenant %d does not exist", userTenant)
	case err != nil:
		return err
	}
	log.Info("account created", zap.Int64("user_id", u.ID), zap.String("user", u.Name), zap.Int64("tenant_id", u.TenantID))
	fmt.Printf("created user %d (%s)\n", u.ID, u.Name)
	return nil
}
