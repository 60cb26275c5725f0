// Package strategy resolves the identity behind a request by trying a fixed, ordered set
// of authentication strategies.
package strategy

import (
	"context"
	"errors"

	"tenantgate.org/internal/auth"
)

// SessionHeader carries the optional opaque session id.
const SessionHeader = "X-Session-Id"

// Strategy names, also used as metric labels.
const (
	NamePassword = "password"
	NameOAuth    = "oauth"
	NameAppKey   = "app_key"
)

// ErrSessionRejected is returned in strict mode when a present session is not valid.
var ErrSessionRejected = errors.New("strategy: session rejected")

// Strategy is one way of turning request credentials into an identity. A strategy that
// does not recognise the credentials returns the visitor and no error.
type Strategy interface {
	Name() string
	Accept(authEnabled bool) bool
	FindUser(ctx context.Context, c auth.Carrier) (auth.User, error)
	FindUserByToken(ctx context.Context, token, appKey string) (auth.User, error)
}
