package oauth

import "errors"

var (
	// ErrConfiguration marks provider setup that cannot work. Raised at startup.
	ErrConfiguration = errors.New("oauth: invalid provider configuration")
	// ErrUnknownProvider is returned for provider names not in the registry.
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	// ErrInvalidState covers missing, expired, reused or mismatched state values.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExchange wraps failures talking to the identity provider.
	ErrExchange = errors.New("oauth: code exchange failed")
	// ErrNotFound is returned by stores for absent or expired entries.
	ErrNotFound = errors.New("oauth: not found")
)
