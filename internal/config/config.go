// Package config loads service settings from defaults, an optional YAML file, a .env
// file and TENANTGATE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tenantgate.org/internal/auth/oauth"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/token"
	"tenantgate.org/internal/store/tenantdb"
	"tenantgate.org/internal/tenant"
)

// EnvPrefix prefixes every environment variable: server.http_addr is read from
// TENANTGATE_SERVER_HTTP_ADDR.
const EnvPrefix = "TENANTGATE"

// ErrInvalid marks a configuration that must not start.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Redis     Redis     `mapstructure:"redis"`
	Auth      Auth      `mapstructure:"auth"`
	Session   Session   `mapstructure:"session"`
	OAuth     OAuth     `mapstructure:"oauth"`
	Tenant    Tenant    `mapstructure:"tenant"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// Redis backs the OAuth state and exchange stores. An empty address keeps them in memory.
type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type Auth struct {
	Enabled       bool              `mapstructure:"enabled"`
	TokenTimeout  time.Duration     `mapstructure:"token_timeout"`
	Issuer        string            `mapstructure:"issuer"`
	DefaultAppKey string            `mapstructure:"default_app_key"`
	// Secret is the default app key's secret, for deployments configured by env alone.
	Secret        string            `mapstructure:"secret"`
	Secrets       map[string]string `mapstructure:"secrets"`
	TokenHeader   string            `mapstructure:"token_header"`
	AppKeyHeader  string            `mapstructure:"app_key_header"`
	CookieName    string            `mapstructure:"cookie_name"`
}

type Session struct {
	Enabled         bool          `mapstructure:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	Strict          bool          `mapstructure:"strict"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type OAuth struct {
	Enabled         bool                            `mapstructure:"enabled"`
	DefaultProvider string                          `mapstructure:"default_provider"`
	CallbackBaseURL string                          `mapstructure:"callback_base_url"`
	FrontendURL     string                          `mapstructure:"frontend_url"`
	StateTTL        time.Duration                   `mapstructure:"state_ttl"`
	ExchangeTTL     time.Duration                   `mapstructure:"exchange_ttl"`
	Providers       map[string]oauth.ProviderConfig `mapstructure:"providers"`
}

type Tenant struct {
	Enabled        bool     `mapstructure:"enabled"`
	Column         string   `mapstructure:"column"`
	ExcludedTables []string `mapstructure:"excluded_tables"`
	ExemptPaths    []string `mapstructure:"exempt_paths"`
}

// RateLimit applies per client IP to the login and OAuth endpoints.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tenantgate:")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.token_timeout", token.DefaultTimeout)
	v.SetDefault("auth.issuer", token.DefaultIssuer)
	v.SetDefault("auth.default_app_key", "default")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.secrets", map[string]string{})
	v.SetDefault("auth.token_header", token.DefaultHeader)
	v.SetDefault("auth.app_key_header", token.DefaultAppKeyHeader)
	v.SetDefault("auth.cookie_name", token.DefaultCookie)

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.timeout", session.DefaultTimeout)
	v.SetDefault("session.max_concurrent", session.DefaultMaxConcurrent)
	v.SetDefault("session.strict", false)
	v.SetDefault("session.cleanup_interval", time.Hour)

	v.SetDefault("oauth.enabled", false)
	v.SetDefault("oauth.default_provider", "")
	v.SetDefault("oauth.callback_base_url", "http://localhost:8080")
	v.SetDefault("oauth.frontend_url", "")
	v.SetDefault("oauth.state_ttl", oauth.DefaultStateTTL)
	v.SetDefault("oauth.exchange_ttl", oauth.DefaultExchangeTTL)
	v.SetDefault("oauth.providers", map[string]any{})

	v.SetDefault("tenant.enabled", true)
	v.SetDefault("tenant.column", tenantdb.DefaultColumn)
	v.SetDefault("tenant.excluded_tables", tenantdb.DefaultExcludedTables)
	v.SetDefault("tenant.exempt_paths", tenant.DefaultExemptPaths)

	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)
}

// Load reads the configuration. path names a YAML file and may be empty; when empty,
// TENANTGATE_CONFIG is consulted. A missing .env file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Auth.Secret != "" {
		if cfg.Auth.Secrets == nil {
			cfg.Auth.Secrets = make(map[string]string)
		}
		cfg.Auth.Secrets[cfg.Auth.DefaultAppKey] = cfg.Auth.Secret
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with. OAuth provider problems are
// reported here so they surface at startup rather than on the first login.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		errs = append(errs, fmt.Errorf("%w: server.http_addr is required", ErrInvalid))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.max_body_bytes must be positive", ErrInvalid))
	}
	if c.Auth.Enabled {
		if c.Auth.TokenTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%w: auth.token_timeout must be positive", ErrInvalid))
		}
		if _, ok := c.Auth.Secrets[c.Auth.DefaultAppKey]; !ok {
			errs = append(errs, fmt.Errorf("%w: auth.secrets has no entry for default app key %q", ErrInvalid, c.Auth.DefaultAppKey))
		}
	}
	if c.Session.Enabled {
		if c.Session.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%w: session.timeout must be positive", ErrInvalid))
		}
		if c.Session.MaxConcurrent < 1 {
			errs = append(errs, fmt.Errorf("%w: session.max_concurrent must be at least 1", ErrInvalid))
		}
	}
	if c.OAuth.Enabled {
		if _, err := c.Registry(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Tenant.Enabled && strings.TrimSpace(c.Tenant.Column) == "" {
		errs = append(errs, fmt.Errorf("%w: tenant.column is required", ErrInvalid))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("%w: rate_limit values must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Registry builds the OAuth provider registry from the providers section.
func (c Config) Registry() (*oauth.Registry, error) {
	return oauth.NewRegistry(c.OAuth.Providers,
		oauth.WithDefaultProvider(c.OAuth.DefaultProvider),
		oauth.WithCallbackBase(c.OAuth.CallbackBaseURL),
	)
}
