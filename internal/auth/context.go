package auth

import "context"

type userContextKey struct{}
type tokenContextKey struct{}

// ContextWithUser attaches the resolved identity to the context.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, &user)
}

// UserFromContext returns the identity attached to ctx, or the visitor when none is.
func UserFromContext(ctx context.Context) User {
	if ctx == nil {
		return Visitor()
	}
	v, ok := ctx.Value(userContextKey{}).(*User)
	if !ok || v == nil {
		return Visitor()
	}
	return *v
}

// UserNameFromContext returns the login name of an authenticated identity.
func UserNameFromContext(ctx context.Context) (string, bool) {
	u := UserFromContext(ctx)
	if u.IsVisitor() {
		return "", false
	}
	return u.Name, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
