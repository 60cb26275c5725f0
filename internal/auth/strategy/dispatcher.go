package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

// Dispatcher tries strategies in order; the first non-visitor identity wins.
type Dispatcher struct {
	strategies  []Strategy
	authEnabled bool
	log         *zap.Logger
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAuthEnabled sets the global authentication flag passed to Accept.
func WithAuthEnabled(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.authEnabled = enabled }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher constructs a Dispatcher over strategies in the given order.
func NewDispatcher(strategies []Strategy, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		strategies:  append([]Strategy(nil), strategies...),
		authEnabled: true,
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Strategies returns the configured strategy names in order.
func (d *Dispatcher) Strategies() []string {
	out := make([]string, 0, len(d.strategies))
	for _, s := range d.strategies {
		out = append(out, s.Name())
	}
	return out
}

// Resolve returns the identity behind the request, or the visitor. It never fails:
// strategy errors and panics are logged and count as no identity.
func (d *Dispatcher) Resolve(ctx context.Context, c auth.Carrier) auth.User {
	return d.run(func(s Strategy) (auth.User, error) { return s.FindUser(ctx, c) })
}

// ResolveToken is Resolve for callers holding a raw token and app key.
func (d *Dispatcher) ResolveToken(ctx context.Context, raw, appKey string) auth.User {
	return d.run(func(s Strategy) (auth.User, error) { return s.FindUserByToken(ctx, raw, appKey) })
}

func (d *Dispatcher) run(find func(Strategy) (auth.User, error)) auth.User {
	for _, s := range d.strategies {
		if !s.Accept(d.authEnabled) {
			continue
		}
		u, err := d.try(s, find)
		if err != nil {
			obs.ObserveAuthResolution(s.Name(), "error")
			d.log.Info("authentication strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if !u.IsVisitor() {
			obs.ObserveAuthResolution(s.Name(), "success")
			return u
		}
	}
	obs.ObserveAuthResolution("none", "visitor")
	return auth.Visitor()
}

func (d *Dispatcher) try(s Strategy, find func(Strategy) (auth.User, error)) (u auth.User, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("authentication strategy panicked", zap.String("strategy", s.Name()), zap.Any("panic", r))
			u, err = auth.Visitor(), fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return find(s)
}
