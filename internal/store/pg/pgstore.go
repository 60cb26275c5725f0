// Package pg implements the postgres-backed stores. Every statement goes through the
// tenantdb decorator, so tenant-owned tables are filtered by the tenant bound in the
// request context.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantgate.org/internal/store/tenantdb"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store owns the connection pool.
type Store struct {
	raw *sql.DB
	db  *tenantdb.DB
}

// Open connects to dsn with the pgx driver.
func Open(dsn string, opts ...tenantdb.Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...tenantdb.Option) *Store {
	return &Store{raw: db, db: tenantdb.New(db, opts...)}
}

func (s *Store) Close() error { return s.raw.Close() }

// DB returns the tenant-scoped handle.
func (s *Store) DB() *tenantdb.DB { return s.db }

// Raw returns the undecorated pool for migrations.
func (s *Store) Raw() *sql.DB { return s.raw }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.db} }

func (s *Store) AuthGroups() *GroupStore { return &GroupStore{db: s.db} }

func (s *Store) Catalog() *Catalog { return &Catalog{db: s.db} }

func (s *Store) Audit() *AuditSink { return &AuditSink{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
