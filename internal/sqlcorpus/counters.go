package sqlcorpus

import (
	"sort"
	"strconv"
	"strings"

	"atlas/internal/sqlengine"
)

// Freq is a weighted frequency table.
type Freq map[string]int

// Add accumulates weight under key.
func (f Freq) Add(key string, weight int) {
	if key != "" {
		f[key] += weight
	}
}

// Top returns the n heaviest keys, ties broken lexically for determinism.
func (f Freq) Top(n int) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if f[keys[i]] != f[keys[j]] {
			return f[keys[i]] > f[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Counters aggregates the corpus-wide frequency tables, all weighted by
// query frequency.
type Counters struct {
	Tables         Freq `json:"tables"`
	Columns        Freq `json:"columns"` // qualified, aliases resolved
	Functions      Freq `json:"functions"`
	JoinPairs      Freq `json:"join_pairs"` // unordered "a|b"
	JoinConditions Freq `json:"join_conditions"`
	WherePreds     Freq `json:"where_predicates"` // normalized conjuncts
	GroupBy        Freq `json:"group_by"`
	AggColumns     Freq `json:"agg_columns"` // "FUNC(col)" pairs
	OrderBy        Freq `json:"order_by"`
	Flags          Freq `json:"flags"`
	LimitValues    Freq `json:"limit_values"`
	ColumnCounts   Freq `json:"select_column_counts"`

	LiteralVals map[string]Freq `json:"literal_vals"` // column -> value -> weight
	AliasConv   map[string]Freq `json:"alias_conv"`   // table -> alias -> weight

	TotalWeight int `json:"total_weight"`
}

// NewCounters allocates empty tables.
func NewCounters() *Counters {
	return &Counters{
		Tables:         Freq{},
		Columns:        Freq{},
		Functions:      Freq{},
		JoinPairs:      Freq{},
		JoinConditions: Freq{},
		WherePreds:     Freq{},
		GroupBy:        Freq{},
		AggColumns:     Freq{},
		OrderBy:        Freq{},
		Flags:          Freq{},
		LimitValues:    Freq{},
		ColumnCounts:   Freq{},
		LiteralVals:    map[string]Freq{},
		AliasConv:      map[string]Freq{},
	}
}

// Count builds the full counter set from a fingerprint corpus. Counting is
// commutative; input order never changes the result.
func Count(fps []Fingerprint) *Counters {
	c := NewCounters()
	for i := range fps {
		c.add(&fps[i])
	}
	return c
}

func (c *Counters) add(fp *Fingerprint) {
	w := fp.Frequency
	c.TotalWeight += w

	for _, t := range fp.Tables {
		c.Tables.Add(t, w)
	}
	for _, col := range fp.Columns {
		c.Columns.Add(col, w)
	}
	for _, fn := range fp.Functions {
		c.Functions.Add(fn.Name, w)
		if fn.IsAggregate && fn.Arg != "" {
			c.AggColumns.Add(fn.Name+"("+fn.Arg+")", w)
		}
	}
	for _, join := range fp.Joins {
		c.JoinPairs.Add(JoinPairKey(join.Left, join.Right), w)
		if join.Condition != "" {
			c.JoinConditions.Add(NormalizePredicate(join.Condition), w)
		}
	}
	for _, pred := range fp.Where {
		c.WherePreds.Add(NormalizePredicate(pred.Expr), w)
		if pred.Op == "=" && pred.Column != "" && pred.Literal != "" {
			vals, ok := c.LiteralVals[pred.Column]
			if !ok {
				vals = Freq{}
				c.LiteralVals[pred.Column] = vals
			}
			vals.Add(pred.Literal, w)
		}
	}
	for _, g := range fp.GroupBy {
		c.GroupBy.Add(strings.TrimSpace(g), w)
	}
	for _, o := range fp.OrderBy {
		c.OrderBy.Add(strings.TrimSpace(o), w)
	}
	for _, flag := range flagNames(fp.Flags) {
		c.Flags.Add(flag, w)
	}
	if fp.Flags.Limit {
		c.LimitValues.Add(strconv.Itoa(fp.LimitValue), w)
	}
	c.ColumnCounts.Add(strconv.Itoa(fp.ColumnCount), w)

	for alias, table := range fp.AliasMap {
		aliases, ok := c.AliasConv[table]
		if !ok {
			aliases = Freq{}
			c.AliasConv[table] = aliases
		}
		aliases.Add(alias, w)
	}
}

// JoinPairKey builds the unordered table-pair key.
func JoinPairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// NormalizePredicate collapses whitespace and lower-cases identifiers around
// comparison operators so textually equal conditions aggregate.
func NormalizePredicate(expr string) string {
	fields := strings.Fields(expr)
	for i, f := range fields {
		// Literals keep their case; bare identifiers and keywords fold.
		if !strings.ContainsAny(f, "'\"") {
			fields[i] = strings.ToLower(f)
		}
	}
	return strings.Join(fields, " ")
}

func flagNames(f sqlengine.StructFlags) []string {
	var names []string
	for _, entry := range []struct {
		set  bool
		name string
	}{
		{f.CTE, "cte"}, {f.Window, "window"}, {f.Union, "union"},
		{f.Case, "case"}, {f.Subquery, "subquery"}, {f.Having, "having"},
		{f.OrderBy, "order_by"}, {f.Distinct, "distinct"}, {f.Limit, "limit"},
	} {
		if entry.set {
			names = append(names, entry.name)
		}
	}
	return names
}
