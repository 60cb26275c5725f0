package tenantdb

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoTenant is returned when a tenant-scoped statement runs with no tenant bound
	// outside an exempt context. The statement is not executed.
	ErrNoTenant = errors.New("tenantdb: no tenant bound")
	// ErrTenantMismatch is returned when a statement names a tenant other than the
	// bound one.
	ErrTenantMismatch = errors.New("tenantdb: statement targets another tenant")
	// ErrUnsupportedStatement is returned for statement shapes that cannot be scoped
	// safely.
	ErrUnsupportedStatement = errors.New("tenantdb: unsupported statement")
)

// DefaultColumn is the tenant discriminator column.
const DefaultColumn = "tenant_id"

// clause keywords that end a FROM list or a condition at the same nesting level
var clauseEnd = map[string]bool{
	"WHERE": true, "GROUP": true, "HAVING": true, "WINDOW": true, "ORDER": true,
	"LIMIT": true, "OFFSET": true, "FETCH": true, "FOR": true, "RETURNING": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true, "ON": true, "USING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "NATURAL": true, "SET": true, "FROM": true, "LATERAL": true,
	"OUTER": true, "DO": true, "SELECT": true, "VALUES": true,
}

var setOps = map[string]bool{"UNION": true, "INTERSECT": true, "EXCEPT": true}

// Rewriter adds tenant predicates to SQL statements.
type Rewriter struct {
	column   string
	excluded map[string]struct{}
}

// NewRewriter constructs a Rewriter. Excluded tables are never filtered; names are
// matched case-insensitively, with or without schema.
func NewRewriter(column string, excluded ...string) *Rewriter {
	if column == "" {
		column = DefaultColumn
	}
	r := &Rewriter{column: strings.ToLower(column), excluded: make(map[string]struct{})}
	for _, t := range excluded {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			r.excluded[t] = struct{}{}
		}
	}
	return r
}

// Excluded reports whether table is on the exclusion list.
func (r *Rewriter) Excluded(table string) bool {
	table = strings.ToLower(unquote(table))
	if _, ok := r.excluded[table]; ok {
		return true
	}
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		_, ok := r.excluded[table[i+1:]]
		return ok
	}
	return false
}

// Rewrite scopes stmt to tenantID in one step.
func (r *Rewriter) Rewrite(stmt string, args []any, tenantID int64) (string, error) {
	plan, err := r.Analyze(stmt)
	if err != nil {
		return "", err
	}
	return plan.Render(args, tenantID)
}

// Plan is the analysed form of one statement. It is immutable and can be cached.
type Plan struct {
	src    string
	toks   []token
	column string
	tables []string
	sites  []site
	checks []int
}

// tableRef is a tenant-scoped table occurrence and the qualifier used to reach it.
type tableRef struct {
	name string
	qual string
}

// site is a place where predicates are injected: an existing condition (WHERE, ON,
// upsert WHERE) or the offset where a missing WHERE is inserted.
type site struct {
	tables    []tableRef
	condStart int
	condEnd   int
	insertAt  int
	refs      []tenantRef
	topOr     bool
}

// tenantRef is an existing "<qual>.tenant_id = <value>" comparison.
type tenantRef struct {
	qual  string
	value int
}

// NeedsTenant reports whether the statement touches any tenant-scoped table.
func (p *Plan) NeedsTenant() bool { return len(p.tables) > 0 }

// Tables lists the tenant-scoped tables the statement touches.
func (p *Plan) Tables() []string { return append([]string(nil), p.tables...) }

// Analyze parses stmt. Shapes that cannot be scoped safely fail with
// ErrUnsupportedStatement.
func (r *Rewriter) Analyze(stmt string) (*Plan, error) {
	toks, err := lex(stmt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStatement, err)
	}
	hi := len(toks)
	for hi > 0 && toks[hi-1].punct(";") {
		hi--
	}
	for i := 0; i < hi; i++ {
		if toks[i].punct(";") {
			return nil, fmt.Errorf("%w: multiple statements", ErrUnsupportedStatement)
		}
	}
	if hi == 0 {
		return nil, fmt.Errorf("%w: empty statement", ErrUnsupportedStatement)
	}
	pair, err := pairParens(toks[:hi])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStatement, err)
	}
	p := &parser{r: r, toks: toks[:hi], pair: pair, ctes: make(map[string]bool), plan: &Plan{src: stmt, toks: toks, column: r.column}}
	if err := p.statement(0, hi); err != nil {
		return nil, err
	}
	return p.plan, nil
}

// Render produces the scoped statement for tenantID. Existing predicates for the same
// tenant are kept as they are; predicates for another tenant fail with
// ErrTenantMismatch.
func (p *Plan) Render(args []any, tenantID int64) (string, error) {
	for _, idx := range p.checks {
		if v, ok := p.resolve(idx, args); ok && v != tenantID {
			return "", fmt.Errorf("%w: tenant %d, statement names %d", ErrTenantMismatch, tenantID, v)
		}
	}

	type edit struct {
		at   int
		seq  int
		text string
	}
	var edits []edit
	add := func(at int, text string) { edits = append(edits, edit{at: at, seq: len(edits), text: text}) }

	for _, s := range p.sites {
		var preds []string
		for _, t := range s.tables {
			satisfied := false
			for _, ref := range s.refs {
				if ref.qual != "" && ref.qual != strings.ToLower(unquote(t.qual)) {
					continue
				}
				if ref.qual == "" && len(s.tables) > 1 {
					if v, ok := p.resolve(ref.value, args); ok && v != tenantID {
						return "", fmt.Errorf("%w: tenant %d, statement names %d", ErrTenantMismatch, tenantID, v)
					}
					continue
				}
				v, ok := p.resolve(ref.value, args)
				if !ok {
					continue
				}
				if v != tenantID {
					return "", fmt.Errorf("%w: tenant %d, statement names %d", ErrTenantMismatch, tenantID, v)
				}
				if !s.topOr {
					satisfied = true
				}
			}
			if !satisfied {
				preds = append(preds, fmt.Sprintf("%s.%s = %d", t.qual, p.column, tenantID))
			}
		}
		if len(preds) == 0 {
			continue
		}
		joined := strings.Join(preds, " AND ")
		if s.condStart >= 0 {
			add(p.toks[s.condStart].start, joined+" AND (")
			add(p.toks[s.condEnd-1].end, ")")
		} else {
			add(s.insertAt, " WHERE "+joined)
		}
	}
	if len(edits) == 0 {
		return p.src, nil
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].at != edits[j].at {
			return edits[i].at < edits[j].at
		}
		return edits[i].seq < edits[j].seq
	})
	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(p.src[last:e.at])
		b.WriteString(e.text)
		last = e.at
	}
	b.WriteString(p.src[last:])
	return b.String(), nil
}

// resolve returns the integer value of a literal or bound placeholder token.
func (p *Plan) resolve(idx int, args []any) (int64, bool) {
	t := p.toks[idx]
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseInt(t.text, 10, 64)
		return v, err == nil
	case tokString:
		v, err := strconv.ParseInt(strings.Trim(t.text, "'"), 10, 64)
		return v, err == nil
	case tokParam:
		if t.param < 1 || t.param > len(args) {
			return 0, false
		}
		return toInt64(args[t.param-1])
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	if nv, ok := v.(sql.NamedArg); ok {
		v = nv.Value
	}
	if dv, ok := v.(driver.Valuer); ok {
		inner, err := dv.Value()
		if err != nil {
			return 0, false
		}
		v = inner
	}
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= 1<<63-1
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '`' && s[len(s)-1] == '`') {
		return s[1 : len(s)-1]
	}
	return s
}
