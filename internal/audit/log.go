package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/tenant"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id attached with WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request, user and tenant context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(obs.Logger(), ctx, event, fields)
}

func logEvent(l *zap.Logger, ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if u := auth.UserFromContext(ctx); !u.IsVisitor() {
		zf = append(zf, zap.Int64("user_id", u.ID), zap.String("user", u.Name))
	}
	if id, ok := tenant.FromContext(ctx); ok {
		zf = append(zf, zap.Int64("tenant_id", id))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))
	l.Info("audit", zf...)
	return nil
}
