package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"tenantgate.org/internal/tenant"
)

func TestDBExecutesRewrittenStatement(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := New(raw)
	defer db.Close()

	mock.ExpectQuery("SELECT group_id FROM auth_groups WHERE auth_groups.tenant_id = 3 AND (name = $1)").
		WithArgs("ops").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(int64(11)))

	ctx, release := tenant.Bind(context.Background(), 3)
	defer release()

	var id int64
	require.NoError(t, db.QueryRowContext(ctx, "SELECT group_id FROM auth_groups WHERE name = $1", "ops").Scan(&id))
	assert.Equal(t, int64(11), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRejectsUnboundTenant(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := New(raw)
	defer db.Close()

	_, err = db.ExecContext(context.Background(), "DELETE FROM auth_groups")
	assert.True(t, errors.Is(err, ErrNoTenant))

	err = db.QueryRowContext(context.Background(), "SELECT 1 FROM models").Scan(new(int))
	assert.True(t, errors.Is(err, ErrNoTenant))

	// nothing reached the driver
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBExemptContextRunsUnscoped(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := New(raw)
	defer db.Close()

	mock.ExpectExec("DELETE FROM user_sessions WHERE expires_at < $1").
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery("SELECT count(*) FROM models").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	res, err := db.ExecContext(context.Background(), "DELETE FROM user_sessions WHERE expires_at < $1", int64(100))
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(4), n)

	var count int
	require.NoError(t, db.QueryRowContext(tenant.WithExempt(context.Background()), "SELECT count(*) FROM models").Scan(&count))
	assert.Equal(t, 9, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBTransactionIsScoped(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := New(raw)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE auth_groups SET name = $1 WHERE auth_groups.tenant_id = 5 AND (group_id = $2)").
		WithArgs("n", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, release := tenant.Bind(context.Background(), 5)
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "UPDATE auth_groups SET name = $1 WHERE group_id = $2", "n", int64(1))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBReleasedTenantIsNotUsed(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := New(raw)
	defer db.Close()

	ctx, release := tenant.Bind(context.Background(), 5)
	release()

	_, err = db.QueryContext(ctx, "SELECT * FROM models")
	assert.True(t, errors.Is(err, ErrNoTenant))
	require.NoError(t, mock.ExpectationsWereMet())
}

func openSQLite(t *testing.T) *DB {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	for _, stmt := range []string{
		`CREATE TABLE models (id INTEGER PRIMARY KEY, tenant_id INTEGER NOT NULL, name TEXT NOT NULL)`,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO models (id, tenant_id, name) VALUES (1, 1, 'a1'), (2, 1, 'a2'), (3, 2, 'b1')`,
		`INSERT INTO users (id, name) VALUES (1, 'root')`,
	} {
		_, err := raw.Exec(stmt)
		require.NoError(t, err)
	}
	return New(raw)
}

func countModels(t *testing.T, ctx context.Context, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM models").Scan(&n))
	return n
}

func TestSQLiteTenantsSeeOnlyTheirRows(t *testing.T) {
	db := openSQLite(t)

	one, release1 := tenant.Bind(context.Background(), 1)
	defer release1()
	two, release2 := tenant.Bind(context.Background(), 2)
	defer release2()

	assert.Equal(t, 2, countModels(t, one, db))
	assert.Equal(t, 1, countModels(t, two, db))

	rows, err := db.QueryContext(two, "SELECT name FROM models ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"b1"}, names)
}

func TestSQLiteWritesStayInTenant(t *testing.T) {
	db := openSQLite(t)

	two, release := tenant.Bind(context.Background(), 2)
	defer release()

	res, err := db.ExecContext(two, "UPDATE models SET name = ? WHERE id = ?", "stolen", 1)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err = db.ExecContext(two, "DELETE FROM models")
	require.NoError(t, err)
	n, err = res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.ExecContext(two, "INSERT INTO models (id, tenant_id, name) VALUES (?, ?, ?)", 9, 1, "x")
	assert.True(t, errors.Is(err, ErrTenantMismatch))

	one, release1 := tenant.Bind(context.Background(), 1)
	defer release1()
	assert.Equal(t, 2, countModels(t, one, db))

	var name string
	require.NoError(t, db.QueryRowContext(one, "SELECT name FROM models WHERE id = ?", 1).Scan(&name))
	assert.Equal(t, "a1", name)
}

func TestSQLiteExcludedTableNeedsNoTenant(t *testing.T) {
	db := openSQLite(t)

	var name string
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT name FROM users WHERE id = ?", 1).Scan(&name))
	assert.Equal(t, "root", name)
}

func TestSQLiteExplicitPredicateCannotWidenScope(t *testing.T) {
	db := openSQLite(t)

	two, release := tenant.Bind(context.Background(), 2)
	defer release()

	names := func(query string) []string {
		t.Helper()
		rows, err := db.QueryContext(two, query)
		require.NoError(t, err)
		defer rows.Close()
		var out []string
		for rows.Next() {
			var n string
			require.NoError(t, rows.Scan(&n))
			out = append(out, n)
		}
		require.NoError(t, rows.Err())
		return out
	}

	assert.Empty(t, names("SELECT name FROM models WHERE NOT tenant_id = 2 ORDER BY id"))
	assert.Empty(t, names("SELECT name FROM models WHERE 2 = tenant_id + 1 ORDER BY id"))
	assert.Equal(t, []string{"b1"}, names("SELECT name FROM models WHERE tenant_id = 2"))
}
