package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/auth/token"
)

// TokenVerifier is the part of the token service the strategies need.
type TokenVerifier interface {
	Claims(raw, appKey string) (token.Claims, bool)
	TokenFrom(c auth.Carrier) string
	NamedAppKey(c auth.Carrier) string
	DefaultAppKey() string
	HasAppKey(appKey string) bool
}

// SessionValidator is the part of the session service the strategies need.
type SessionValidator interface {
	IsEnabled() bool
	Validate(ctx context.Context, sessionID string) *session.Session
	Touch(ctx context.Context, sessionID string)
}

var (
	_ TokenVerifier    = (*token.Service)(nil)
	_ SessionValidator = (*session.Service)(nil)
)

// sessionCheck is the advisory session validation shared by token strategies. With
// strict unset an invalid session never denies a request whose token is valid.
type sessionCheck struct {
	sessions SessionValidator
	strict   bool
	log      *zap.Logger
}

func (s sessionCheck) apply(ctx context.Context, c auth.Carrier, u auth.User) (auth.User, error) {
	if s.sessions == nil || !s.sessions.IsEnabled() || c == nil {
		return u, nil
	}
	sid := c.Header(SessionHeader)
	if sid == "" {
		return u, nil
	}
	sess := s.sessions.Validate(ctx, sid)
	switch {
	case sess == nil:
		if s.strict {
			return auth.Visitor(), fmt.Errorf("%w: user %d", ErrSessionRejected, u.ID)
		}
		s.log.Info("session invalid or expired, token still valid", zap.Int64("user_id", u.ID))
		return u, nil
	case sess.UserID != u.ID:
		if s.strict {
			return auth.Visitor(), fmt.Errorf("%w: session belongs to another user", ErrSessionRejected)
		}
		// the session is not attached, so logout and listings never reach it
		s.log.Info("session belongs to another user, ignored",
			zap.Int64("user_id", u.ID), zap.Int64("session_user_id", sess.UserID))
		return u, nil
	}
	s.sessions.Touch(ctx, sid)
	u.SessionID = sid
	return u, nil
}

func claimsUser(c token.Claims) (auth.User, bool) {
	u := c.User()
	if u.ID <= 0 {
		return auth.Visitor(), false
	}
	return u, true
}
