// Package tenant carries the request's tenant binding and its explicit release.
package tenant

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrInvalidTenant is returned when binding a non-positive tenant id.
var ErrInvalidTenant = errors.New("tenant: invalid tenant id")

type bindingKey struct{}
type exemptKey struct{}

type binding struct {
	id       int64
	released atomic.Bool
}

// Release ends a binding. Calling it more than once is harmless.
type Release func()

// Bind scopes ctx to tenant id until the returned Release is called. Values derived from
// the returned context observe the release.
func Bind(ctx context.Context, id int64) (context.Context, Release) {
	b := &binding{id: id}
	if id <= 0 {
		b.released.Store(true)
	}
	return context.WithValue(ctx, bindingKey{}, b), func() { b.released.Store(true) }
}

// FromContext returns the bound tenant. It reports false when nothing is bound or the
// binding was released.
func FromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	b, ok := ctx.Value(bindingKey{}).(*binding)
	if !ok || b == nil || b.released.Load() {
		return 0, false
	}
	return b.id, true
}

// Run binds id for the duration of fn and releases on return, error or panic.
func Run(ctx context.Context, id int64, fn func(context.Context) error) error {
	if id <= 0 {
		return ErrInvalidTenant
	}
	scoped, release := Bind(ctx, id)
	defer release()
	return fn(scoped)
}

// WithExempt marks ctx as allowed to run data operations without a tenant.
func WithExempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, exemptKey{}, true)
}

// IsExempt reports whether ctx was marked by WithExempt.
func IsExempt(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(exemptKey{}).(bool)
	return v
}
