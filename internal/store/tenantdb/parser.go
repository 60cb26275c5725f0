package tenantdb

import (
	"fmt"
	"strings"
)

var (
	whereEnd = map[string]bool{
		"GROUP": true, "HAVING": true, "WINDOW": true, "ORDER": true, "LIMIT": true,
		"OFFSET": true, "FETCH": true, "FOR": true, "RETURNING": true,
	}
	fromEnd = map[string]bool{
		"WHERE": true, "GROUP": true, "HAVING": true, "WINDOW": true, "ORDER": true,
		"LIMIT": true, "OFFSET": true, "FETCH": true, "FOR": true, "RETURNING": true,
	}
	joinStart = map[string]bool{
		"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
		"CROSS": true, "NATURAL": true,
	}
	setEnd    = map[string]bool{"FROM": true, "WHERE": true, "RETURNING": true}
	usingEnd  = map[string]bool{"WHERE": true, "RETURNING": true}
	upsertSet = map[string]bool{"WHERE": true, "RETURNING": true}
)

type parser struct {
	r    *Rewriter
	toks []token
	pair []int
	ctes map[string]bool
	plan *Plan
}

func (p *parser) tok(i, hi int) token {
	if i < 0 || i >= hi {
		return token{}
	}
	return p.toks[i]
}

func (p *parser) unsupported(i int, format string, args ...any) error {
	pos := -1
	if i >= 0 && i < len(p.toks) {
		pos = p.toks[i].start
	}
	return fmt.Errorf("%w: %s at offset %d", ErrUnsupportedStatement, fmt.Sprintf(format, args...), pos)
}

func (p *parser) statement(lo, hi int) error {
	if lo >= hi {
		return p.unsupported(lo, "empty statement")
	}
	t := p.toks[lo]
	switch {
	case t.is("WITH"):
		i, err := p.with(lo+1, hi)
		if err != nil {
			return err
		}
		return p.statement(i, hi)
	case t.is("SELECT"), t.is("VALUES"), t.punct("("):
		return p.selectSet(lo, hi)
	case t.is("INSERT"):
		return p.insert(lo, hi)
	case t.is("UPDATE"):
		return p.update(lo, hi)
	case t.is("DELETE"):
		return p.delete(lo, hi)
	}
	return p.unsupported(lo, "statement %q", t.text)
}

func (p *parser) with(i, hi int) (int, error) {
	if p.tok(i, hi).is("RECURSIVE") {
		i++
	}
	for {
		name := p.tok(i, hi)
		if !isName(name) {
			return 0, p.unsupported(i, "expected CTE name")
		}
		p.ctes[strings.ToLower(unquote(name.text))] = true
		i++
		if p.tok(i, hi).punct("(") {
			i = p.pair[i] + 1
		}
		if !p.tok(i, hi).is("AS") {
			return 0, p.unsupported(i, "expected AS")
		}
		i++
		if p.tok(i, hi).is("NOT") {
			i++
		}
		if p.tok(i, hi).is("MATERIALIZED") {
			i++
		}
		if !p.tok(i, hi).punct("(") {
			return 0, p.unsupported(i, "expected CTE body")
		}
		end := p.pair[i]
		if err := p.statement(i+1, end); err != nil {
			return 0, err
		}
		i = end + 1
		if p.tok(i, hi).punct(",") {
			i++
			continue
		}
		return i, nil
	}
}

func (p *parser) selectSet(lo, hi int) error {
	start := lo
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		if t.punct("(") {
			i = p.pair[i]
			continue
		}
		if t.kind == tokIdent && setOps[t.upper] {
			if err := p.selectCore(start, i); err != nil {
				return err
			}
			j := i + 1
			if n := p.tok(j, hi); n.is("ALL") || n.is("DISTINCT") {
				j++
			}
			start = j
			i = j - 1
		}
	}
	return p.selectCore(start, hi)
}

func (p *parser) selectCore(lo, hi int) error {
	if lo >= hi {
		return p.unsupported(lo, "empty select")
	}
	t := p.toks[lo]
	switch {
	case t.punct("("):
		end := p.pair[lo]
		if err := p.statement(lo+1, end); err != nil {
			return err
		}
		return p.subqueries(end+1, hi)
	case t.is("VALUES"):
		return p.subqueries(lo+1, hi)
	case !t.is("SELECT"):
		return p.unsupported(lo, "expected SELECT")
	}
	from := p.find(lo+1, hi, map[string]bool{"FROM": true})
	if from < 0 {
		return p.subqueries(lo+1, hi)
	}
	if err := p.subqueries(lo+1, from); err != nil {
		return err
	}
	end := p.find(from+1, hi, fromEnd)
	if end < 0 {
		end = hi
	}
	tables, err := p.fromList(from+1, end)
	if err != nil {
		return err
	}
	return p.whereClause(tables, end, hi)
}

// whereClause records the WHERE site for tables. i is the index of the WHERE keyword or
// of the token where a WHERE would start.
func (p *parser) whereClause(tables []tableRef, i, hi int) error {
	s := site{tables: tables, condStart: -1, condEnd: -1}
	if i > 0 {
		s.insertAt = p.toks[i-1].end
	}
	rest := i
	if p.tok(i, hi).is("WHERE") {
		s.condStart = i + 1
		s.condEnd = p.find(s.condStart, hi, whereEnd)
		if s.condEnd < 0 {
			s.condEnd = hi
		}
		if s.condEnd == s.condStart {
			return p.unsupported(i, "empty WHERE")
		}
		if p.toks[s.condStart].is("CURRENT") {
			return p.unsupported(s.condStart, "WHERE CURRENT OF")
		}
		if err := p.subqueries(s.condStart, s.condEnd); err != nil {
			return err
		}
		s.refs, s.topOr = p.scanRefs(s.condStart, s.condEnd, true)
		rest = s.condEnd
	}
	if err := p.subqueries(rest, hi); err != nil {
		return err
	}
	if len(tables) > 0 {
		p.plan.sites = append(p.plan.sites, s)
	}
	return nil
}

func (p *parser) fromList(lo, hi int) ([]tableRef, error) {
	var where []tableRef
	i := lo
	first := true
	for i < hi {
		var joined, outer, natural bool
		if !first {
			switch t := p.toks[i]; {
			case t.punct(","):
				i++
			case t.kind == tokIdent && joinStart[t.upper]:
				for i < hi && !p.toks[i].is("JOIN") {
					switch p.toks[i].upper {
					case "NATURAL":
						natural = true
					case "LEFT":
						outer = true
					case "INNER", "OUTER", "CROSS":
					case "RIGHT", "FULL":
						return nil, p.unsupported(i, "%s JOIN", p.toks[i].upper)
					default:
						return nil, p.unsupported(i, "unexpected %q in join", p.toks[i].text)
					}
					i++
				}
				if i >= hi {
					return nil, p.unsupported(i, "incomplete join")
				}
				i++
				joined = true
			default:
				return nil, p.unsupported(i, "unexpected %q in FROM", t.text)
			}
		}
		first = false

		ref, next, err := p.tableItem(i, hi)
		if err != nil {
			return nil, err
		}
		i = next

		if joined {
			switch t := p.tok(i, hi); {
			case t.is("ON"):
				cs := i + 1
				ce := p.joinEnd(cs, hi)
				if ce == cs {
					return nil, p.unsupported(i, "empty ON")
				}
				if err := p.subqueries(cs, ce); err != nil {
					return nil, err
				}
				if ref.name != "" {
					refs, topOr := p.scanRefs(cs, ce, true)
					p.plan.sites = append(p.plan.sites, site{
						tables:    []tableRef{ref},
						condStart: cs,
						condEnd:   ce,
						refs:      refs,
						topOr:     topOr,
					})
				}
				i = ce
				continue
			case t.is("USING"):
				if !p.tok(i+1, hi).punct("(") {
					return nil, p.unsupported(i, "USING without column list")
				}
				i = p.pair[i+1] + 1
				if outer && ref.name != "" {
					return nil, p.unsupported(i, "outer join with USING on a tenant table")
				}
			default:
				if natural && outer && ref.name != "" {
					return nil, p.unsupported(i, "natural outer join on a tenant table")
				}
			}
		}
		if ref.name != "" {
			where = append(where, ref)
		}
	}
	return where, nil
}

// tableItem parses one FROM item with its alias. Derived tables and table functions
// yield an empty ref.
func (p *parser) tableItem(i, hi int) (tableRef, int, error) {
	if p.tok(i, hi).is("LATERAL") {
		i++
	}
	if p.tok(i, hi).is("ONLY") {
		i++
	}
	var ref tableRef
	t := p.tok(i, hi)
	switch {
	case t.punct("("):
		end := p.pair[i]
		if err := p.statement(i+1, end); err != nil {
			return ref, 0, err
		}
		i = end + 1
	case isName(t):
		name, last, next := p.qualifiedName(i, hi)
		i = next
		if p.tok(i, hi).punct("(") {
			end := p.pair[i]
			if err := p.subqueries(i+1, end); err != nil {
				return ref, 0, err
			}
			i = end + 1
			break
		}
		ref = p.tenantTable(name, last)
	default:
		return ref, 0, p.unsupported(i, "expected table")
	}
	alias, next := p.alias(i, hi)
	i = next
	if ref.name != "" && alias != "" {
		ref.qual = alias
	}
	if p.tok(i, hi).punct("(") && alias != "" {
		i = p.pair[i] + 1
	}
	return ref, i, nil
}

func (p *parser) qualifiedName(i, hi int) (name, last string, next int) {
	name = p.toks[i].text
	last = name
	i++
	for p.tok(i, hi).punct(".") && isName(p.tok(i+1, hi)) {
		last = p.toks[i+1].text
		name += "." + last
		i += 2
	}
	return name, last, i
}

func (p *parser) tenantTable(name, last string) tableRef {
	lower := strings.ToLower(unquote(name))
	if p.ctes[lower] || p.r.Excluded(name) || p.r.Excluded(unquote(last)) {
		return tableRef{}
	}
	for _, t := range p.plan.tables {
		if t == lower {
			return tableRef{name: lower, qual: last}
		}
	}
	p.plan.tables = append(p.plan.tables, lower)
	return tableRef{name: lower, qual: last}
}

func (p *parser) alias(i, hi int) (string, int) {
	if p.tok(i, hi).is("AS") {
		if a := p.tok(i+1, hi); isName(a) {
			return a.text, i + 2
		}
		return "", i
	}
	if a := p.tok(i, hi); a.kind == tokQuoted || a.kind == tokIdent && !clauseEnd[a.upper] && !reserved[a.upper] {
		return a.text, i + 1
	}
	return "", i
}

func (p *parser) update(lo, hi int) error {
	i := lo + 1
	if p.tok(i, hi).is("ONLY") {
		i++
	}
	if !isName(p.tok(i, hi)) {
		return p.unsupported(i, "expected table")
	}
	name, last, next := p.qualifiedName(i, hi)
	ref := p.tenantTable(name, last)
	alias, next := p.alias(next, hi)
	if ref.name != "" && alias != "" {
		ref.qual = alias
	}
	i = next
	if !p.tok(i, hi).is("SET") {
		return p.unsupported(i, "expected SET")
	}
	ss := i + 1
	se := p.find(ss, hi, setEnd)
	if se < 0 {
		se = hi
	}
	if err := p.subqueries(ss, se); err != nil {
		return err
	}
	if ref.name != "" {
		p.checkAssignments(ss, se)
	}
	var tables []tableRef
	if ref.name != "" {
		tables = append(tables, ref)
	}
	i = se
	if p.tok(i, hi).is("FROM") {
		fe := p.find(i+1, hi, usingEnd)
		if fe < 0 {
			fe = hi
		}
		more, err := p.fromList(i+1, fe)
		if err != nil {
			return err
		}
		tables = append(tables, more...)
		i = fe
	}
	return p.whereClause(tables, i, hi)
}

func (p *parser) delete(lo, hi int) error {
	i := lo + 1
	if !p.tok(i, hi).is("FROM") {
		return p.unsupported(i, "expected FROM")
	}
	i++
	if p.tok(i, hi).is("ONLY") {
		i++
	}
	if !isName(p.tok(i, hi)) {
		return p.unsupported(i, "expected table")
	}
	name, last, next := p.qualifiedName(i, hi)
	ref := p.tenantTable(name, last)
	alias, next := p.alias(next, hi)
	if ref.name != "" && alias != "" {
		ref.qual = alias
	}
	i = next
	var tables []tableRef
	if ref.name != "" {
		tables = append(tables, ref)
	}
	if p.tok(i, hi).is("USING") {
		fe := p.find(i+1, hi, usingEnd)
		if fe < 0 {
			fe = hi
		}
		more, err := p.fromList(i+1, fe)
		if err != nil {
			return err
		}
		tables = append(tables, more...)
		i = fe
	}
	return p.whereClause(tables, i, hi)
}

// insert leaves the statement text alone apart from an upsert's update branch, but
// registers the target table and checks explicit tenant values.
func (p *parser) insert(lo, hi int) error {
	i := lo + 1
	if p.tok(i, hi).is("OR") {
		i += 2
	}
	if !p.tok(i, hi).is("INTO") {
		return p.unsupported(i, "expected INTO")
	}
	i++
	if !isName(p.tok(i, hi)) {
		return p.unsupported(i, "expected table")
	}
	name, last, next := p.qualifiedName(i, hi)
	ref := p.tenantTable(name, last)
	i = next
	if p.tok(i, hi).is("AS") {
		if a := p.tok(i+1, hi); isName(a) && ref.name != "" {
			ref.qual = a.text
		}
		i += 2
	}

	tenantCol := -1
	if p.tok(i, hi).punct("(") {
		end := p.pair[i]
		col := 0
		for j := i + 1; j < end; j++ {
			t := p.toks[j]
			if t.punct(",") {
				col++
				continue
			}
			if isName(t) && strings.EqualFold(unquote(t.text), p.r.column) {
				tenantCol = col
			}
		}
		i = end + 1
	}

	tail := p.insertTail(i, hi)
	switch t := p.tok(i, hi); {
	case t.is("VALUES"):
		for j := i + 1; j < tail; j++ {
			if !p.toks[j].punct("(") {
				continue
			}
			end := p.pair[j]
			if err := p.subqueries(j+1, end); err != nil {
				return err
			}
			if ref.name != "" && tenantCol >= 0 {
				p.checkTupleValue(j+1, end, tenantCol)
			}
			j = end
		}
	case t.is("SELECT"), t.is("WITH"), t.punct("("):
		if err := p.statement(i, tail); err != nil {
			return err
		}
	case t.is("DEFAULT"):
	default:
		return p.unsupported(i, "unexpected insert source")
	}

	i = tail
	if p.tok(i, hi).is("ON") && p.tok(i+1, hi).is("CONFLICT") {
		i += 2
		if p.tok(i, hi).punct("(") {
			i = p.pair[i] + 1
		}
		if p.tok(i, hi).is("ON") && p.tok(i+1, hi).is("CONSTRAINT") {
			i += 3
		}
		if p.tok(i, hi).is("WHERE") {
			i = p.find(i+1, hi, map[string]bool{"DO": true})
			if i < 0 {
				return p.unsupported(hi-1, "expected DO")
			}
		}
		if !p.tok(i, hi).is("DO") {
			return p.unsupported(i, "expected DO")
		}
		i++
		if p.tok(i, hi).is("NOTHING") {
			return p.subqueries(i+1, hi)
		}
		if !p.tok(i, hi).is("UPDATE") || !p.tok(i+1, hi).is("SET") {
			return p.unsupported(i, "expected DO UPDATE SET")
		}
		ss := i + 2
		se := p.find(ss, hi, upsertSet)
		if se < 0 {
			se = hi
		}
		if err := p.subqueries(ss, se); err != nil {
			return err
		}
		var tables []tableRef
		if ref.name != "" {
			p.checkAssignments(ss, se)
			tables = append(tables, ref)
		}
		return p.whereClause(tables, se, hi)
	}
	return p.subqueries(i, hi)
}

// insertTail finds ON CONFLICT or RETURNING after an insert source. A join's ON inside
// INSERT ... SELECT does not end the source.
func (p *parser) insertTail(lo, hi int) int {
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		if t.punct("(") {
			i = p.pair[i]
			continue
		}
		if t.is("RETURNING") || t.is("ON") && p.tok(i+1, hi).is("CONFLICT") {
			return i
		}
	}
	return hi
}

// subqueries analyses every parenthesised SELECT or WITH in [lo, hi).
func (p *parser) subqueries(lo, hi int) error {
	for i := lo; i < hi; i++ {
		if !p.toks[i].punct("(") {
			continue
		}
		end := p.pair[i]
		if end > i+1 {
			inner := p.toks[i+1]
			var err error
			if inner.is("SELECT") || inner.is("WITH") {
				err = p.statement(i+1, end)
			} else {
				err = p.subqueries(i+1, end)
			}
			if err != nil {
				return err
			}
		}
		i = end
	}
	return nil
}

// find returns the first index in [lo, hi) at paren depth zero whose keyword is in set.
func (p *parser) find(lo, hi int, set map[string]bool) int {
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		if t.punct("(") {
			i = p.pair[i]
			continue
		}
		if t.kind == tokIdent && set[t.upper] {
			return i
		}
	}
	return -1
}

func (p *parser) joinEnd(lo, hi int) int {
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		if t.punct("(") {
			i = p.pair[i]
			continue
		}
		if t.punct(",") || t.kind == tokIdent && joinStart[t.upper] {
			return i
		}
	}
	return hi
}

// scanRefs finds top-level "<q>.tenant_id = <value>" comparisons in either order and
// reports whether the condition has a top-level OR. In a condition only a comparison that
// stands alone between AND boundaries counts; a NOT, an operator or the AND of a BETWEEN
// next to it leaves the reference out so the predicate is still injected.
func (p *parser) scanRefs(lo, hi int, cond bool) ([]tenantRef, bool) {
	var (
		refs  []tenantRef
		topOr bool
		bound = p.betweenAnds(lo, hi)
	)
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		if t.punct("(") {
			i = p.pair[i]
			continue
		}
		if t.is("OR") {
			topOr = true
			continue
		}
		if !isName(t) || !strings.EqualFold(unquote(t.text), p.r.column) {
			continue
		}
		qual := ""
		head := i
		if i-2 >= lo && p.toks[i-1].punct(".") && isName(p.toks[i-2]) {
			qual = strings.ToLower(unquote(p.toks[i-2].text))
			head = i - 2
		}
		if v := i + 2; v < hi && isEq(p.toks[i+1]) && isValue(p.toks[v]) && p.closes(v+1, hi, cond) &&
			(!cond || p.opens(head-1, lo, bound)) {
			refs = append(refs, tenantRef{qual: qual, value: v})
		}
		if v := head - 2; v >= lo && isEq(p.toks[head-1]) && isValue(p.toks[v]) && p.opens(v-1, lo, bound) &&
			(!cond || p.closes(i+1, hi, cond)) {
			refs = append(refs, tenantRef{qual: qual, value: v})
		}
	}
	return refs, topOr
}

// betweenAnds marks the top-level AND tokens that close a BETWEEN range.
func (p *parser) betweenAnds(lo, hi int) map[int]bool {
	var out map[int]bool
	open := false
	for i := lo; i < hi; i++ {
		t := p.toks[i]
		switch {
		case t.punct("("):
			i = p.pair[i]
		case t.is("BETWEEN"):
			open = true
		case open && t.is("AND"):
			if out == nil {
				out = make(map[int]bool)
			}
			out[i] = true
			open = false
		}
	}
	return out
}

// closes reports whether the operand ending before i is a whole conjunct.
func (p *parser) closes(i, hi int, cond bool) bool {
	if i+1 < hi && p.toks[i].kind == tokOp && p.toks[i].text == "::" && p.toks[i+1].kind == tokIdent {
		i += 2
	}
	if i >= hi {
		return true
	}
	t := p.toks[i]
	return t.is("AND") || t.is("OR") || t.punct(")") || !cond && t.punct(",")
}

// opens reports whether the operand starting after i begins a conjunct.
func (p *parser) opens(i, lo int, betweenAnd map[int]bool) bool {
	if i < lo {
		return true
	}
	t := p.toks[i]
	return t.is("AND") && !betweenAnd[i] || t.is("OR") || t.is("WHERE") || t.is("ON") || t.punct("(")
}

// checkAssignments registers "tenant_id = <value>" assignments for mismatch checks.
func (p *parser) checkAssignments(lo, hi int) {
	refs, _ := p.scanRefs(lo, hi, false)
	for _, r := range refs {
		p.plan.checks = append(p.plan.checks, r.value)
	}
}

func (p *parser) checkTupleValue(lo, hi, col int) {
	idx, start := 0, lo
	for j := lo; j <= hi; j++ {
		if j < hi && p.toks[j].punct("(") {
			j = p.pair[j]
			continue
		}
		if j == hi || p.toks[j].punct(",") {
			if idx == col && j-start == 1 && isValue(p.toks[start]) {
				p.plan.checks = append(p.plan.checks, start)
			}
			idx++
			start = j + 1
		}
	}
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "AS": true, "ONLY": true, "DEFAULT": true,
	"CONFLICT": true, "INTO": true,
}

func isName(t token) bool {
	return t.kind == tokQuoted || t.kind == tokIdent && !clauseEnd[t.upper] && !reserved[t.upper]
}

func isEq(t token) bool { return t.kind == tokOp && t.text == "=" }

func isValue(t token) bool {
	return t.kind == tokNumber || t.kind == tokParam || t.kind == tokString
}
