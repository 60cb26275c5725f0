// Package session tracks server-side login sessions that back bearer tokens.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
)

const (
	DefaultTimeout       = 24 * time.Hour
	DefaultMaxConcurrent = 5
	// RevokedRetention is how long revoked rows are kept for inspection.
	RevokedRetention = 7 * 24 * time.Hour

	maxUserAgent = 500
	idBytes      = 32

	ReasonLogout        = "logout"
	ReasonMaxConcurrent = "Max concurrent sessions exceeded"
)

var (
	// ErrNotFound is returned by stores for unknown session ids.
	ErrNotFound = errors.New("session: not found")
	// ErrDisabled is returned by Create when session tracking is off.
	ErrDisabled = errors.New("session: disabled")
)

// Session is one login of one user.
type Session struct {
	ID             string
	SessionID      string
	UserID         int64
	TenantID       int64
	AuthMethod     string
	Provider       string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	IPAddress      string
	UserAgent      string
	Revoked        bool
	RevokedAt      *time.Time
	RevokedReason  string
}

// Valid reports whether the session is usable at now.
func (s Session) Valid(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Meta describes the client that opened a session.
type Meta struct {
	UserID     int64
	TenantID   int64
	AuthMethod string
	Provider   string
	IPAddress  string
	UserAgent  string
}

// Store persists sessions.
type Store interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	// TouchActivity sets last activity; concurrent touches are last-write-wins.
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error
	Revoke(ctx context.Context, sessionID string, at time.Time, reason string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID int64, exceptSessionID string, at time.Time, reason string) (int, error)
	// ListActive returns unrevoked, unexpired sessions, most recently active first.
	ListActive(ctx context.Context, userID int64, now time.Time) ([]Session, error)
	DeleteStale(ctx context.Context, now, revokedBefore time.Time) (expired, revoked int, err error)
}

// Service applies session policy over a Store.
type Service struct {
	store         Store
	enabled       bool
	timeout       time.Duration
	maxConcurrent int
	log           *zap.Logger
	now           func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithEnabled toggles session tracking.
func WithEnabled(enabled bool) Option {
	return func(s *Service) { s.enabled = enabled }
}

// WithTimeout sets the absolute session lifetime.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxConcurrent caps active sessions per user. Zero disables the cap.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxConcurrent = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. Tracking is enabled by default.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		enabled:       true,
		timeout:       DefaultTimeout,
		maxConcurrent: DefaultMaxConcurrent,
		log:           obs.Logger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsEnabled reports whether session tracking is on.
func (s *Service) IsEnabled() bool {
	return s != nil && s.enabled && s.store != nil
}

// Create opens a session, revoking the oldest active one when the user is at the cap.
func (s *Service) Create(ctx context.Context, m Meta) (Session, error) {
	if !s.IsEnabled() {
		return Session{}, ErrDisabled
	}
	if s.maxConcurrent > 0 {
		active, err := s.store.ListActive(ctx, m.UserID, s.now())
		if err != nil {
			return Session{}, fmt.Errorf("list active sessions: %w", err)
		}
		if len(active) >= s.maxConcurrent {
			oldest := active[0]
			for _, a := range active[1:] {
				if a.CreatedAt.Before(oldest.CreatedAt) {
					oldest = a
				}
			}
			if _, err := s.Revoke(ctx, oldest.SessionID, ReasonMaxConcurrent); err != nil {
				return Session{}, err
			}
		}
	}

	sid, err := newSessionID()
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		ID:             ids.NewAt(now),
		SessionID:      sid,
		UserID:         m.UserID,
		TenantID:       m.TenantID,
		AuthMethod:     m.AuthMethod,
		Provider:       m.Provider,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.timeout),
		IPAddress:      m.IPAddress,
		UserAgent:      truncate(m.UserAgent, maxUserAgent),
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	s.log.Debug("session created", zap.Int64("user_id", m.UserID), zap.String("auth_method", m.AuthMethod))
	return sess, nil
}

// Validate returns the session when it exists, is unrevoked and unexpired. Misses,
// expiry and store failures all yield nil.
func (s *Service) Validate(ctx context.Context, sessionID string) *Session {
	if !s.IsEnabled() || sessionID == "" {
		return nil
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("session lookup failed", zap.Error(err))
		}
		return nil
	}
	if !sess.Valid(s.now()) {
		return nil
	}
	return &sess
}

// Touch records activity on a valid session.
func (s *Service) Touch(ctx context.Context, sessionID string) {
	if !s.IsEnabled() || sessionID == "" {
		return
	}
	if err := s.store.TouchActivity(ctx, sessionID, s.now()); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Warn("session touch failed", zap.Error(err))
	}
}

// Revoke marks a session revoked. It reports false for unknown or already revoked ids.
func (s *Service) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	if sessionID == "" || s.store == nil {
		return false, nil
	}
	ok, err := s.store.Revoke(ctx, sessionID, s.now(), reason)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	if ok {
		s.log.Info("session revoked", zap.String("reason", reason))
	}
	return ok, nil
}

// RevokeAllForUser revokes every active session of the user except exceptSessionID.
func (s *Service) RevokeAllForUser(ctx context.Context, userID int64, exceptSessionID, reason string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	n, err := s.store.RevokeAllForUser(ctx, userID, exceptSessionID, s.now(), reason)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	s.log.Info("user sessions revoked", zap.Int64("user_id", userID), zap.Int("count", n), zap.String("reason", reason))
	return n, nil
}

// Active lists the user's active sessions, most recently used first.
func (s *Service) Active(ctx context.Context, userID int64) ([]Session, error) {
	if !s.IsEnabled() {
		return nil, nil
	}
	return s.store.ListActive(ctx, userID, s.now())
}

// Cleanup deletes expired sessions and revoked ones past RevokedRetention.
func (s *Service) Cleanup(ctx context.Context) (int, int, error) {
	if s.store == nil {
		return 0, 0, nil
	}
	now := s.now()
	expired, revoked, err := s.store.DeleteStale(ctx, now, now.Add(-RevokedRetention))
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	if expired > 0 || revoked > 0 {
		s.log.Info("sessions cleaned up", zap.Int("expired", expired), zap.Int("revoked", revoked))
	}
	return expired, revoked, nil
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := s.Cleanup(ctx); err != nil {
				s.log.Warn("session cleanup failed", zap.Error(err))
			}
		}
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
