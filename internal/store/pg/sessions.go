package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantgate.org/internal/auth/session"
	"tenantgate.org/internal/store/tenantdb"
)

var _ session.Store = (*SessionStore)(nil)

// SessionStore keeps sessions in user_sessions. The table is shared by all tenants
// because sessions are resolved before a tenant is bound.
type SessionStore struct {
	db *tenantdb.DB
}

const sessionColumns = `id, session_id, user_id, tenant_id, auth_method, provider, created_at,
	last_activity_at, expires_at, ip_address, user_agent, revoked, revoked_at, revoked_reason`

func (s *SessionStore) Insert(ctx context.Context, ss session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		on conflict (session_id) do update
		set last_activity_at = excluded.last_activity_at, expires_at = excluded.expires_at
	`, ss.ID, ss.SessionID, ss.UserID, nullIfZero(ss.TenantID), ss.AuthMethod, nullIfEmpty(ss.Provider),
		ss.CreatedAt, ss.LastActivityAt, ss.ExpiresAt, nullIfEmpty(ss.IPAddress), nullIfEmpty(ss.UserAgent),
		ss.Revoked, ss.RevokedAt, nullIfEmpty(ss.RevokedReason))
	return err
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from user_sessions where session_id = $1`, sessionID)
	ss, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return ss, err
}

// TouchActivity never moves last activity backwards, so overlapping requests settle on
// the latest timestamp.
func (s *SessionStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions
		set last_activity_at = greatest(last_activity_at, $2)
		where session_id = $1
	`, sessionID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string, at time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions
		set revoked = true, revoked_at = $2, revoked_reason = $3
		where session_id = $1 and revoked = false
	`, sessionID, at, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID int64, exceptSessionID string, at time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions
		set revoked = true, revoked_at = $3, revoked_reason = $4
		where user_id = $1 and revoked = false and session_id <> $2
	`, userID, exceptSessionID, at, reason)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SessionStore) ListActive(ctx context.Context, userID int64, now time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from user_sessions
		where user_id = $1 and revoked = false and expires_at > $2
		order by last_activity_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		ss, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *SessionStore) DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int, int, error) {
	res, err := s.db.ExecContext(ctx, `delete from user_sessions where expires_at < $1`, now)
	if err != nil {
		return 0, 0, err
	}
	expired, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `delete from user_sessions where revoked = true and revoked_at < $1`, revokedBefore)
	if err != nil {
		return int(expired), 0, err
	}
	revoked, _ := res.RowsAffected()
	return int(expired), int(revoked), nil
}

func scanSession(scan func(dest ...any) error) (session.Session, error) {
	var (
		ss        session.Session
		tenant    sql.NullInt64
		provider  sql.NullString
		ip        sql.NullString
		agent     sql.NullString
		revokedAt sql.NullTime
		reason    sql.NullString
	)
	err := scan(&ss.ID, &ss.SessionID, &ss.UserID, &tenant, &ss.AuthMethod, &provider, &ss.CreatedAt,
		&ss.LastActivityAt, &ss.ExpiresAt, &ip, &agent, &ss.Revoked, &revokedAt, &reason)
	if err != nil {
		return session.Session{}, err
	}
	ss.TenantID = tenant.Int64
	ss.Provider = provider.String
	ss.IPAddress = ip.String
	ss.UserAgent = agent.String
	ss.RevokedReason = reason.String
	if revokedAt.Valid {
		t := revokedAt.Time
		ss.RevokedAt = &t
	}
	return ss, nil
}
