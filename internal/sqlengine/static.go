package sqlengine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// StaticEngine is a deterministic in-process Engine used by tests and local
// development. It understands a narrow shape of single-table queries
// (SELECT cols FROM table [alias] [WHERE col op literal [AND ...]]) and can
// additionally serve pre-registered ASTs keyed by normalized text.
type StaticEngine struct {
	registered map[string]*Statement
}

// NewStaticEngine constructs an empty static engine.
func NewStaticEngine() *StaticEngine {
	return &StaticEngine{registered: make(map[string]*Statement)}
}

// RegisterStatement serves stmt whenever sql (normalized) is parsed.
func (e *StaticEngine) RegisterStatement(sql string, stmt *Statement) {
	e.registered[staticKey(sql)] = stmt
}

func staticKey(sql string) string {
	return strings.ToLower(NormalizeWhitespace(sql))
}

var simpleSelectRe = regexp.MustCompile(`(?is)^\s*select\s+(distinct\s+)?(.+?)\s+from\s+([A-Za-z_][\w.]*)(?:\s+(?:as\s+)?([A-Za-z_]\w*))?(?:\s+where\s+(.+?))?(?:\s+group\s+by\s+(.+?))?(?:\s+order\s+by\s+(.+?))?(?:\s+limit\s+(\d+))?\s*;?\s*$`)

var predicateRe = regexp.MustCompile(`(?i)^\s*([A-Za-z_][\w.]*)\s*(=|!=|<>|>=|<=|>|<|like|in)\s*(.+?)\s*$`)

// Parse serves a registered AST or derives one for simple queries.
func (e *StaticEngine) Parse(_ context.Context, sql string, _ Dialect) (*Statement, error) {
	if stmt, ok := e.registered[staticKey(sql)]; ok {
		return stmt, nil
	}
	return parseSimple(sql)
}

// Canonical normalizes whitespace and upper-cases keywords of the simple
// grammar; registered statements return their Canonical field.
func (e *StaticEngine) Canonical(ctx context.Context, sql string, dialect Dialect) (string, error) {
	if stmt, ok := e.registered[staticKey(sql)]; ok && stmt.Canonical != "" {
		return stmt.Canonical, nil
	}
	stmt, err := e.Parse(ctx, sql, dialect)
	if err != nil {
		return "", err
	}
	return stmt.Canonical, nil
}

// Format behaves like Canonical for the static engine.
func (e *StaticEngine) Format(ctx context.Context, sql string, dialect Dialect) (string, error) {
	return e.Canonical(ctx, sql, dialect)
}

func parseSimple(sql string) (*Statement, error) {
	normalized := NormalizeWhitespace(NormalizePlaceholders(sql))
	if kind := Classify(normalized); kind.PassThrough() && !kind.IsAnalyzable() {
		return &Statement{Canonical: normalized}, nil
	}
	m := simpleSelectRe.FindStringSubmatch(normalized)
	if m == nil {
		return nil, fmt.Errorf("static engine cannot parse: %s", truncateForError(normalized))
	}

	distinct := strings.TrimSpace(m[1]) != ""
	selectList := strings.TrimSpace(m[2])
	table := m[3]
	alias := m[4]
	whereText := strings.TrimSpace(m[5])
	groupText := strings.TrimSpace(m[6])
	orderText := strings.TrimSpace(m[7])
	limitText := strings.TrimSpace(m[8])

	stmt := &Statement{
		Tables:   []TableRef{{Name: table, Alias: alias}},
		AliasMap: map[string]string{},
	}
	if alias != "" {
		stmt.AliasMap[alias] = table
	}

	cols := splitTopLevel(selectList, ',')
	stmt.SelectColumnCount = len(cols)
	for _, col := range cols {
		col = strings.TrimSpace(col)
		if col == "*" {
			continue
		}
		if fn, arg, ok := splitFuncCall(col); ok {
			stmt.Functions = append(stmt.Functions, FuncCall{
				Name:        strings.ToUpper(fn),
				Arg:         arg,
				IsAggregate: isAggregateName(fn),
			})
			continue
		}
		stmt.Columns = append(stmt.Columns, columnRef(col, table, stmt.AliasMap))
	}

	for _, part := range splitTopLevelAnd(whereText) {
		pred := Predicate{Expr: canonicalPredicate(part)}
		if pm := predicateRe.FindStringSubmatch(part); pm != nil {
			ref := columnRef(pm[1], table, stmt.AliasMap)
			pred.Column = ref.Qualified()
			pred.Op = strings.ToUpper(pm[2])
			if pred.Op == "=" {
				pred.Literal = strings.TrimSpace(pm[3])
			}
			stmt.Columns = append(stmt.Columns, ref)
		}
		if pred.Expr != "" {
			stmt.Where = append(stmt.Where, pred)
		}
	}

	if groupText != "" {
		for _, g := range splitTopLevel(groupText, ',') {
			stmt.GroupBy = append(stmt.GroupBy, strings.TrimSpace(g))
		}
	}
	if orderText != "" {
		stmt.Flags.OrderBy = true
		for _, o := range splitTopLevel(orderText, ',') {
			stmt.OrderBy = append(stmt.OrderBy, strings.TrimSpace(o))
		}
	}
	if limitText != "" {
		stmt.Flags.Limit = true
		fmt.Sscanf(limitText, "%d", &stmt.LimitValue)
	}
	stmt.Flags.Distinct = distinct

	stmt.Canonical = canonicalSimple(stmt, selectList, whereText, groupText, orderText, limitText, distinct)
	return stmt, nil
}

func canonicalSimple(stmt *Statement, selectList, whereText, groupText, orderText, limitText string, distinct bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(selectList)
	b.WriteString(" FROM ")
	b.WriteString(stmt.Tables[0].Name)
	if stmt.Tables[0].Alias != "" {
		b.WriteString(" " + stmt.Tables[0].Alias)
	}
	if whereText != "" {
		b.WriteString(" WHERE ")
		parts := splitTopLevelAnd(whereText)
		for i, p := range parts {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(canonicalPredicate(p))
		}
	}
	if groupText != "" {
		b.WriteString(" GROUP BY " + groupText)
	}
	if orderText != "" {
		b.WriteString(" ORDER BY " + orderText)
	}
	if limitText != "" {
		b.WriteString(" LIMIT " + limitText)
	}
	return b.String()
}

// canonicalPredicate normalizes spacing around comparison operators so
// "o=123" and "o = 123" agree.
func canonicalPredicate(expr string) string {
	expr = NormalizeWhitespace(expr)
	if m := predicateRe.FindStringSubmatch(expr); m != nil {
		return fmt.Sprintf("%s %s %s", m[1], strings.ToUpper(m[2]), strings.TrimSpace(m[3]))
	}
	return expr
}

func columnRef(text, defaultTable string, aliasMap map[string]string) ColumnRef {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '.'); idx > 0 {
		qual := text[:idx]
		if resolved, ok := aliasMap[qual]; ok {
			qual = resolved
		}
		return ColumnRef{Table: qual, Name: text[idx+1:]}
	}
	return ColumnRef{Table: defaultTable, Name: text}
}

func splitFuncCall(expr string) (name, arg string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	name = strings.TrimSpace(expr[:open])
	for _, r := range name {
		if !isWordByte(byte(r)) {
			return "", "", false
		}
	}
	return name, strings.TrimSpace(expr[open+1 : len(expr)-1]), true
}

func isAggregateName(name string) bool {
	switch strings.ToUpper(name) {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	}
	return false
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

var topAndRe = regexp.MustCompile(`(?i)\s+and\s+`)

func splitTopLevelAnd(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range topAndRe.Split(s, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncateForError(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

var _ Engine = (*StaticEngine)(nil)
