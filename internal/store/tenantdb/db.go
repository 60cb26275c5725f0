// Package tenantdb scopes every SQL statement to the tenant bound in the request
// context. It wraps database/sql and refuses to run tenant-scoped statements when no
// tenant is bound.
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/tenant"
)

// DefaultExcludedTables hold rows that are read before a tenant is known or that are
// shared by every tenant.
var DefaultExcludedTables = []string{
	"users",
	"user_sessions",
	"tenants",
	"schema_migrations",
	"schema_seeds",
}

const planCacheSize = 512

// Querier is implemented by DB and Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*Tx)(nil)
)

// DB decorates *sql.DB with tenant scoping.
type DB struct {
	db  *sql.DB
	sc  *scoper
	log *zap.Logger
}

// Option configures DB.
type Option func(*DB)

// WithExcludedTables replaces the default exclusion list.
func WithExcludedTables(tables ...string) Option {
	return func(d *DB) { d.sc.rw = NewRewriter(d.sc.rw.column, tables...) }
}

// WithTenantColumn changes the discriminator column.
func WithTenantColumn(column string) Option {
	return func(d *DB) {
		excluded := make([]string, 0, len(d.sc.rw.excluded))
		for t := range d.sc.rw.excluded {
			excluded = append(excluded, t)
		}
		d.sc.rw = NewRewriter(column, excluded...)
	}
}

// WithLogger sets the logger for isolation violations.
func WithLogger(l *zap.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.log = l
			d.sc.log = l
		}
	}
}

// New wraps db.
func New(db *sql.DB, opts ...Option) *DB {
	log := obs.Logger()
	d := &DB{
		db:  db,
		sc:  &scoper{rw: NewRewriter(DefaultColumn, DefaultExcludedTables...), log: log, plans: make(map[string]*Plan)},
		log: log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Raw exposes the undecorated pool for migrations and health checks.
func (d *DB) Raw() *sql.DB { return d.db }

// Rewriter returns the statement rewriter in use.
func (d *DB) Rewriter() *Rewriter { return d.sc.rw }

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := d.sc.scope(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return d.db.QueryContext(ctx, q, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := d.sc.scope(ctx, query, args)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: d.db.QueryRowContext(ctx, q, args...)}
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := d.sc.scope(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return d.db.ExecContext(ctx, q, args...)
}

// BeginTx starts a transaction whose statements are scoped like DB's.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, sc: d.sc}, nil
}

func (d *DB) PingContext(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Close() error { return d.db.Close() }

// Tx decorates *sql.Tx.
type Tx struct {
	tx *sql.Tx
	sc *scoper
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := t.sc.scope(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return t.tx.QueryContext(ctx, q, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := t.sc.scope(ctx, query, args)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: t.tx.QueryRowContext(ctx, q, args...)}
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := t.sc.scope(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return t.tx.ExecContext(ctx, q, args...)
}

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Row is *sql.Row that can also carry a scoping error.
type Row struct {
	row *sql.Row
	err error
}

// Scan behaves like (*sql.Row).Scan.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err returns the scoping or query error, if any.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

type scoper struct {
	rw  *Rewriter
	log *zap.Logger

	mu    sync.RWMutex
	plans map[string]*Plan
}

func (s *scoper) plan(query string) (*Plan, error) {
	s.mu.RLock()
	p, ok := s.plans[query]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := s.rw.Analyze(query)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if len(s.plans) >= planCacheSize {
		s.plans = make(map[string]*Plan)
	}
	s.plans[query] = p
	s.mu.Unlock()
	return p, nil
}

func (s *scoper) scope(ctx context.Context, query string, args []any) (string, error) {
	p, err := s.plan(query)
	if err != nil {
		s.violation(ctx, err, query)
		return "", err
	}
	if !p.NeedsTenant() {
		return query, nil
	}
	id, ok := tenant.FromContext(ctx)
	if !ok {
		if tenant.IsExempt(ctx) {
			return query, nil
		}
		s.violation(ctx, ErrNoTenant, query)
		return "", ErrNoTenant
	}
	out, err := p.Render(args, id)
	if err != nil {
		s.violation(ctx, err, query)
		return "", err
	}
	return out, nil
}

func (s *scoper) violation(ctx context.Context, err error, query string) {
	if errors.Is(err, ErrUnsupportedStatement) {
		s.log.Error("statement rejected", zap.Error(err), zap.String("query", query))
		return
	}
	obs.ObserveIsolationViolation()
	id, bound := tenant.FromContext(ctx)
	s.log.Error("tenant isolation violation",
		zap.Error(err),
		zap.Bool("tenant_bound", bound),
		zap.Int64("tenant_id", id),
		zap.String("query", query),
	)
}
