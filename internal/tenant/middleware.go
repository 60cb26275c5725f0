package tenant

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// Resolver turns request credentials into an identity. The strategy dispatcher
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, c auth.Carrier) auth.User
}

// Middleware resolves the identity, binds its tenant and releases the binding when the
// request completes, whatever the outcome.
func Middleware(resolver Resolver, exempt *ExemptionList, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = obs.Logger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			user := resolver.Resolve(ctx, auth.RequestCarrier(r))
			ctx = auth.ContextWithUser(ctx, user)
			if exempt.Match(r.URL.Path) {
				ctx = WithExempt(ctx)
			}
			if id, ok := user.Tenant(); ok {
				var release Release
				ctx, release = Bind(ctx, id)
				defer release()
			} else if !user.IsVisitor() {
				log.Debug("authenticated identity without tenant", zap.Int64("user_id", user.ID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
