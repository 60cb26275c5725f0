// Package token issues and validates the platform's signed bearer credentials.
package token

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const (
	// BearerPrefix is stripped from header values before parsing.
	BearerPrefix = "Bearer "

	minKeyBytes = 64

	DefaultHeader       = "Authorization"
	DefaultAppKeyHeader = "X-App-Key"
	DefaultCookie       = "tenantgate_token"
	DefaultIssuer       = "tenantgate"
	DefaultTimeout      = 2 * time.Hour
)

var (
	// ErrUnknownAppKey is returned when issuing for an app key with no secret.
	ErrUnknownAppKey = errors.New("token: unknown app key")
	// ErrConfiguration marks an unusable service setup.
	ErrConfiguration = errors.New("token: invalid configuration")
)

// Claims is the decoded payload of a verified token. Absent fields keep their zero
// values: IsAdmin false and TenantID nil (no tenant binding).
type Claims struct {
	UserID      int64
	Name        string
	DisplayName string
	Email       string
	IsAdmin     bool
	TenantID    *int64
	Role        string
	AuthMethod  string
	Provider    string
	SessionID   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ID          string
}

type wireClaims struct {
	UserID      int64  `json:"userId,omitempty"`
	Name        string `json:"userName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	IsAdmin     bool   `json:"isAdmin,omitempty"`
	TenantID    *int64 `json:"tenantId,omitempty"`
	Role        string `json:"role,omitempty"`
	AuthMethod  string `json:"authMethod,omitempty"`
	Provider    string `json:"provider,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// ClaimsFor builds claims for an authenticated identity.
func ClaimsFor(u auth.User) Claims {
	c := Claims{
		UserID:      u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		IsAdmin:     u.IsAdmin,
		Role:        u.Role,
		AuthMethod:  u.AuthMethod,
		Provider:    u.Provider,
		SessionID:   u.SessionID,
	}
	if tid, ok := u.Tenant(); ok {
		c.TenantID = &tid
	}
	return c
}

// User converts verified claims into an identity.
func (c Claims) User() auth.User {
	u := auth.User{
		ID:          c.UserID,
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Email:       c.Email,
		IsAdmin:     c.IsAdmin,
		Role:        c.Role,
		Status:      auth.StatusEnabled,
		AuthMethod:  c.AuthMethod,
		Provider:    c.Provider,
		SessionID:   c.SessionID,
	}
	if c.TenantID != nil {
		u.TenantID = *c.TenantID
	}
	if u.Role == "" {
		u.Role = auth.RoleUser
		if u.IsAdmin {
			u.Role = auth.RoleAdmin
		}
	}
	return u
}

// Service signs tokens with HS512 using a per-app-key secret.
type Service struct {
	secrets       map[string]string
	defaultAppKey string
	timeout       time.Duration
	issuer        string
	header        string
	appKeyHeader  string
	cookie        string
	log           *zap.Logger
	now           func() time.Time

	keyMu sync.Mutex
	keys  map[string][]byte
}

// Option configures Service.
type Option func(*Service) error

// WithSecret registers the signing secret for an app key.
func WithSecret(appKey, secret string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(appKey) == "" || secret == "" {
			return fmt.Errorf("%w: app key and secret are required", ErrConfiguration)
		}
		s.secrets[appKey] = secret
		return nil
	}
}

// WithSecrets registers several app key secrets at once.
func WithSecrets(m map[string]string) Option {
	return func(s *Service) error {
		for k, v := range m {
			if err := WithSecret(k, v)(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithDefaultAppKey sets the app key used when a request names none.
func WithDefaultAppKey(appKey string) Option {
	return func(s *Service) error {
		s.defaultAppKey = strings.TrimSpace(appKey)
		return nil
	}
}

// WithTimeout sets the token lifetime.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrConfiguration)
		}
		s.timeout = d
		return nil
	}
}

// WithIssuer sets the iss claim written and required on parse.
func WithIssuer(iss string) Option {
	return func(s *Service) error {
		if iss != "" {
			s.issuer = iss
		}
		return nil
	}
}

// WithHeaders overrides the token and app key header names.
func WithHeaders(tokenHeader, appKeyHeader string) Option {
	return func(s *Service) error {
		if tokenHeader != "" {
			s.header = tokenHeader
		}
		if appKeyHeader != "" {
			s.appKeyHeader = appKeyHeader
		}
		return nil
	}
}

// WithCookie overrides the cookie consulted when the header is empty.
func WithCookie(name string) Option {
	return func(s *Service) error {
		s.cookie = name
		return nil
	}
}

// WithLogger sets the logger used for validation failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewService constructs a Service. The default app key must have a secret.
func NewService(opts ...Option) (*Service, error) {
	s := &Service{
		secrets:      make(map[string]string),
		timeout:      DefaultTimeout,
		issuer:       DefaultIssuer,
		header:       DefaultHeader,
		appKeyHeader: DefaultAppKeyHeader,
		cookie:       DefaultCookie,
		log:          obs.Logger(),
		now:          time.Now,
		keys:         make(map[string][]byte),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.defaultAppKey == "" {
		return nil, fmt.Errorf("%w: default app key is required", ErrConfiguration)
	}
	if _, ok := s.secrets[s.defaultAppKey]; !ok {
		return nil, fmt.Errorf("%w: no secret for default app key %q", ErrConfiguration, s.defaultAppKey)
	}
	return s, nil
}

// DefaultAppKey returns the app key used when a request names none.
func (s *Service) DefaultAppKey() string { return s.defaultAppKey }

// Timeout returns the configured token lifetime.
func (s *Service) Timeout() time.Duration { return s.timeout }

// CookieName returns the cookie consulted for tokens.
func (s *Service) CookieName() string { return s.cookie }

// HasAppKey reports whether a secret is configured for appKey.
func (s *Service) HasAppKey(appKey string) bool {
	_, ok := s.secrets[appKey]
	return ok
}

// Issue signs claims with the default app key.
func (s *Service) Issue(c Claims) (string, error) {
	return s.IssueFor(c, s.defaultAppKey)
}

// IssueFor signs claims with the secret of appKey. The subject is the user name.
func (s *Service) IssueFor(c Claims, appKey string) (string, error) {
	key, err := s.key(appKey)
	if err != nil {
		return "", err
	}
	now := s.now()
	exp := now.Add(s.timeout)
	if !c.ExpiresAt.IsZero() {
		exp = c.ExpiresAt
	}
	wc := wireClaims{
		UserID:      c.UserID,
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Email:       c.Email,
		IsAdmin:     c.IsAdmin,
		TenantID:    c.TenantID,
		Role:        c.Role,
		AuthMethod:  c.AuthMethod,
		Provider:    c.Provider,
		SessionID:   c.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Name,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS512, wc).SignedString(key)
}

// Claims validates raw (with or without the Bearer prefix) against appKey's secret.
// Every failure yields false; the reason is only logged.
func (s *Service) Claims(raw, appKey string) (Claims, bool) {
	raw = StripBearer(raw)
	if raw == "" {
		s.log.Debug("token is blank", zap.String("app_key", appKey))
		return Claims{}, false
	}
	if appKey == "" {
		appKey = s.defaultAppKey
	}
	key, err := s.key(appKey)
	if err != nil {
		s.log.Info("token app key rejected", zap.String("app_key", appKey))
		return Claims{}, false
	}

	var wc wireClaims
	_, err = jwt.ParseWithClaims(raw, &wc, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			s.log.Info("token expired", zap.String("app_key", appKey))
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			s.log.Warn("token signature verification failed", zap.String("app_key", appKey))
		case errors.Is(err, jwt.ErrTokenMalformed):
			s.log.Warn("malformed token", zap.String("app_key", appKey))
		default:
			s.log.Info("token rejected", zap.String("app_key", appKey), zap.Error(err))
		}
		return Claims{}, false
	}

	c := Claims{
		UserID:      wc.UserID,
		Name:        wc.Name,
		DisplayName: wc.DisplayName,
		Email:       wc.Email,
		IsAdmin:     wc.IsAdmin,
		TenantID:    wc.TenantID,
		Role:        wc.Role,
		AuthMethod:  wc.AuthMethod,
		Provider:    wc.Provider,
		SessionID:   wc.SessionID,
		ID:          wc.ID,
	}
	if c.Name == "" {
		c.Name = wc.Subject
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	return c, true
}

// ClaimsFromRequest reads the token from the configured header, then the cookie, and
// validates it with the app key named by the request or the default one.
func (s *Service) ClaimsFromRequest(c auth.Carrier) (Claims, bool) {
	return s.Claims(s.TokenFrom(c), s.AppKeyFrom(c))
}

// TokenFrom extracts the raw token carried by the request.
func (s *Service) TokenFrom(c auth.Carrier) string {
	if c == nil {
		return ""
	}
	if v := StripBearer(c.Header(s.header)); v != "" {
		return v
	}
	return StripBearer(c.Cookie(s.cookie))
}

// AppKeyFrom returns the app key named by the request, or the default one.
func (s *Service) AppKeyFrom(c auth.Carrier) string {
	if c != nil {
		if v := c.Header(s.appKeyHeader); v != "" {
			return v
		}
	}
	return s.defaultAppKey
}

// NamedAppKey returns the app key header value without defaulting.
func (s *Service) NamedAppKey(c auth.Carrier) string {
	if c == nil {
		return ""
	}
	return c.Header(s.appKeyHeader)
}

func (s *Service) key(appKey string) ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if k, ok := s.keys[appKey]; ok {
		return k, nil
	}
	secret, ok := s.secrets[appKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAppKey, appKey)
	}
	k := []byte(secret)
	// HS512 needs at least 64 key bytes
	if len(k) < minKeyBytes {
		sum := sha512.Sum512(k)
		k = sum[:]
	}
	s.keys[appKey] = k
	return k, nil
}

// StripBearer removes an optional Bearer prefix and surrounding spaces.
func StripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= len(BearerPrefix) && strings.EqualFold(v[:len(BearerPrefix)], BearerPrefix) {
		v = v[len(BearerPrefix):]
	}
	return strings.TrimSpace(v)
}
