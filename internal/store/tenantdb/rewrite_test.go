package tenantdb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRewriter() *Rewriter {
	return NewRewriter(DefaultColumn, DefaultExcludedTables...)
}

func TestRewriteAddsPredicates(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "existing where",
			in:   "SELECT id FROM auth_groups WHERE model_id = $1",
			want: "SELECT id FROM auth_groups WHERE auth_groups.tenant_id = 7 AND (model_id = $1)",
		},
		{
			name: "alias without where",
			in:   "SELECT * FROM auth_groups g",
			want: "SELECT * FROM auth_groups g WHERE g.tenant_id = 7",
		},
		{
			name: "where inserted before order by",
			in:   "SELECT * FROM auth_groups AS g ORDER BY g.group_id LIMIT 10",
			want: "SELECT * FROM auth_groups AS g WHERE g.tenant_id = 7 ORDER BY g.group_id LIMIT 10",
		},
		{
			name: "top-level or is wrapped",
			in:   "SELECT * FROM models WHERE name = 'a' OR name = 'b'",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 AND (name = 'a' OR name = 'b')",
		},
		{
			name: "inner join predicate goes to on",
			in:   "SELECT g.group_id FROM auth_groups g JOIN models m ON m.id = g.resource_id WHERE g.name = 'x'",
			want: "SELECT g.group_id FROM auth_groups g JOIN models m ON m.tenant_id = 7 AND (m.id = g.resource_id) WHERE g.tenant_id = 7 AND (g.name = 'x')",
		},
		{
			name: "left join",
			in:   "SELECT * FROM models m LEFT JOIN auth_groups g ON g.resource_id = m.id",
			want: "SELECT * FROM models m LEFT JOIN auth_groups g ON g.tenant_id = 7 AND (g.resource_id = m.id) WHERE m.tenant_id = 7",
		},
		{
			name: "comma join",
			in:   "SELECT * FROM models m, datasets d WHERE d.model_id = m.id",
			want: "SELECT * FROM models m, datasets d WHERE m.tenant_id = 7 AND d.tenant_id = 7 AND (d.model_id = m.id)",
		},
		{
			name: "subquery in where",
			in:   "SELECT id FROM models WHERE id IN (SELECT resource_id FROM auth_groups)",
			want: "SELECT id FROM models WHERE models.tenant_id = 7 AND (id IN (SELECT resource_id FROM auth_groups WHERE auth_groups.tenant_id = 7))",
		},
		{
			name: "derived table",
			in:   "SELECT x.n FROM (SELECT count(*) AS n FROM auth_groups) x",
			want: "SELECT x.n FROM (SELECT count(*) AS n FROM auth_groups WHERE auth_groups.tenant_id = 7) x",
		},
		{
			name: "cte names are not tables",
			in:   "WITH g AS (SELECT * FROM auth_groups) SELECT * FROM g",
			want: "WITH g AS (SELECT * FROM auth_groups WHERE auth_groups.tenant_id = 7) SELECT * FROM g",
		},
		{
			name: "union",
			in:   "SELECT id FROM models UNION ALL SELECT id FROM datasets",
			want: "SELECT id FROM models WHERE models.tenant_id = 7 UNION ALL SELECT id FROM datasets WHERE datasets.tenant_id = 7",
		},
		{
			name: "update",
			in:   "UPDATE auth_groups SET name = $1 WHERE group_id = $2",
			want: "UPDATE auth_groups SET name = $1 WHERE auth_groups.tenant_id = 7 AND (group_id = $2)",
		},
		{
			name: "update without where",
			in:   "UPDATE auth_groups SET name = 'x' RETURNING group_id",
			want: "UPDATE auth_groups SET name = 'x' WHERE auth_groups.tenant_id = 7 RETURNING group_id",
		},
		{
			name: "delete",
			in:   "DELETE FROM auth_groups WHERE group_id = ?",
			want: "DELETE FROM auth_groups WHERE auth_groups.tenant_id = 7 AND (group_id = ?)",
		},
		{
			name: "delete all",
			in:   "DELETE FROM auth_groups",
			want: "DELETE FROM auth_groups WHERE auth_groups.tenant_id = 7",
		},
		{
			name: "upsert update branch",
			in:   "INSERT INTO auth_groups (group_id, tenant_id, name) VALUES (?, ?, ?) ON CONFLICT (group_id) DO UPDATE SET name = excluded.name",
			want: "INSERT INTO auth_groups (group_id, tenant_id, name) VALUES (?, ?, ?) ON CONFLICT (group_id) DO UPDATE SET name = excluded.name WHERE auth_groups.tenant_id = 7",
		},
		{
			name: "insert select scopes the source",
			in:   "INSERT INTO archive (id) SELECT id FROM models",
			want: "INSERT INTO archive (id) SELECT id FROM models WHERE models.tenant_id = 7",
		},
		{
			name: "comments and trailing semicolon",
			in:   "SELECT * FROM models -- all\n;",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 -- all\n;",
		},
	}
	rw := newTestRewriter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rw.Rewrite(tc.in, []any{int64(1), int64(7), "x"}, 7)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("rewrite mismatch (-want +got):\n%s", diff)
			}
			again, err := rw.Rewrite(got, []any{int64(1), int64(7), "x"}, 7)
			require.NoError(t, err)
			assert.Equal(t, got, again, "rewrite must be idempotent")
		})
	}
}

func TestRewriteInsertUnchanged(t *testing.T) {
	rw := newTestRewriter()
	in := "INSERT INTO auth_groups (group_id, tenant_id, name) VALUES ($1, $2, $3)"
	got, err := rw.Rewrite(in, []any{int64(1), int64(7), "n"}, 7)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = rw.Rewrite(in, []any{int64(1), int64(8), "n"}, 7)
	assert.True(t, errors.Is(err, ErrTenantMismatch))
}

func TestRewriteKeepsMatchingPredicate(t *testing.T) {
	rw := newTestRewriter()
	for _, in := range []string{
		"SELECT * FROM auth_groups WHERE tenant_id = $1 AND name = $2",
		"SELECT * FROM auth_groups g WHERE g.tenant_id = 7",
		"SELECT * FROM auth_groups g WHERE 7 = g.tenant_id",
	} {
		got, err := rw.Rewrite(in, []any{int64(7), "n"}, 7)
		require.NoError(t, err, in)
		assert.Equal(t, in, got)
	}
}

func TestRewriteIgnoresPredicatesThatDoNotScope(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "negated",
			in:   "SELECT * FROM models WHERE NOT tenant_id = 7",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 AND (NOT tenant_id = 7)",
		},
		{
			name: "reversed with arithmetic on the column",
			in:   "SELECT * FROM models WHERE 7 = tenant_id - 1",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 AND (7 = tenant_id - 1)",
		},
		{
			name: "arithmetic on the value",
			in:   "SELECT * FROM models m WHERE m.tenant_id = 7 + 1",
			want: "SELECT * FROM models m WHERE m.tenant_id = 7 AND (m.tenant_id = 7 + 1)",
		},
		{
			name: "operator before the column",
			in:   "SELECT * FROM models WHERE 0 < tenant_id = 7",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 AND (0 < tenant_id = 7)",
		},
		{
			name: "between swallows the and",
			in:   "SELECT * FROM models WHERE id BETWEEN 1 AND tenant_id = 7",
			want: "SELECT * FROM models WHERE models.tenant_id = 7 AND (id BETWEEN 1 AND tenant_id = 7)",
		},
		{
			name: "comparison result compared again",
			in:   "DELETE FROM models WHERE tenant_id = 7 = false",
			want: "DELETE FROM models WHERE models.tenant_id = 7 AND (tenant_id = 7 = false)",
		},
	}
	rw := newTestRewriter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rw.Rewrite(tc.in, nil, 7)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("rewrite mismatch (-want +got):\n%s", diff)
			}
			again, err := rw.Rewrite(got, nil, 7)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestRewriteKeepsStandalonePredicate(t *testing.T) {
	rw := newTestRewriter()
	in := "SELECT * FROM models m WHERE m.tenant_id = $1::bigint AND m.name = $2"
	got, err := rw.Rewrite(in, []any{int64(7), "n"}, 7)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	ranged := "SELECT * FROM models WHERE id BETWEEN 1 AND 9 AND tenant_id = 7"
	got, err = rw.Rewrite(ranged, nil, 7)
	require.NoError(t, err)
	assert.Equal(t, ranged, got)

	_, err = rw.Rewrite(in, []any{int64(8), "n"}, 7)
	assert.True(t, errors.Is(err, ErrTenantMismatch))
}

func TestRewriteRejectsOtherTenant(t *testing.T) {
	rw := newTestRewriter()
	cases := []struct {
		in   string
		args []any
	}{
		{"SELECT * FROM auth_groups WHERE tenant_id = $1", []any{int64(8)}},
		{"SELECT * FROM auth_groups g WHERE g.tenant_id = 8", nil},
		{"SELECT * FROM auth_groups WHERE tenant_id = ? OR 1 = 1", []any{"8"}},
		{"UPDATE auth_groups SET tenant_id = 8 WHERE group_id = 1", nil},
		{"SELECT * FROM models m JOIN auth_groups g ON g.tenant_id = 9 AND g.resource_id = m.id", nil},
	}
	for _, tc := range cases {
		_, err := rw.Rewrite(tc.in, tc.args, 7)
		assert.True(t, errors.Is(err, ErrTenantMismatch), "%s: %v", tc.in, err)
	}
}

func TestRewriteExcludedTables(t *testing.T) {
	rw := newTestRewriter()
	plan, err := rw.Analyze("SELECT * FROM user_sessions WHERE session_id = $1")
	require.NoError(t, err)
	assert.False(t, plan.NeedsTenant())

	plan, err = rw.Analyze("SELECT s.* FROM public.user_sessions s JOIN auth_groups g ON g.group_id = s.id")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth_groups"}, plan.Tables())

	plan, err = rw.Analyze("SELECT 1")
	require.NoError(t, err)
	assert.False(t, plan.NeedsTenant())
}

func TestRewriteFailsClosed(t *testing.T) {
	rw := newTestRewriter()
	for _, in := range []string{
		"",
		"SELECT * FROM models; DROP TABLE models",
		"CREATE TABLE x (id int)",
		"SELECT * FROM models m RIGHT JOIN auth_groups g ON g.resource_id = m.id",
		"SELECT * FROM models m LEFT JOIN auth_groups g USING (id)",
		"SELECT * FROM (models",
		"SELECT 'unterminated FROM models",
		"DELETE FROM models WHERE CURRENT OF c",
	} {
		_, err := rw.Rewrite(in, nil, 7)
		assert.True(t, errors.Is(err, ErrUnsupportedStatement), "%q: %v", in, err)
	}
}
