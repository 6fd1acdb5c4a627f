package docs

import (
	"encoding/json"
	"fmt"
	"regexp"

	"atlas/internal/sqlcorpus"
)

// Slot is one fixed document position with its token budget.
type Slot struct {
	Key    string
	Name   string
	Budget int
}

// SQL pipeline doc keys.
const (
	KeyMaster   = "01_MASTER"
	KeySchema   = "02_SCHEMA"
	KeyBusiness = "03_BUSINESS"
	KeyFilters  = "04_FILTERS"
	KeyPatterns = "05_PATTERNS"
)

// SQLSlots returns the five core slots with their budgets.
func SQLSlots(master, schema, business, filters, patterns int) []Slot {
	return []Slot{
		{Key: KeyMaster, Name: "SQL Dialect & Structural Rules", Budget: master},
		{Key: KeySchema, Name: "Schema Registry", Budget: schema},
		{Key: KeyBusiness, Name: "Business Semantics", Budget: business},
		{Key: KeyFilters, Name: "Standard Filters", Budget: filters},
		{Key: KeyPatterns, Name: "Query Patterns", Budget: patterns},
	}
}

// AnalysisInput is everything the SQL payload builder draws from.
type AnalysisInput struct {
	Dialect      string
	Fingerprints []sqlcorpus.Fingerprint
	Counters     *sqlcorpus.Counters
	Clusters     []sqlcorpus.Cluster
	Filters      []sqlcorpus.ClassifiedFilter
}

// Inclusion toggles individual payload sections per slot before
// construction; absent keys default to included.
type Inclusion map[string]map[string]bool

func (inc Inclusion) keep(slotKey, section string) bool {
	if sections, ok := inc[slotKey]; ok {
		if keep, ok := sections[section]; ok {
			return keep
		}
	}
	return true
}

// Payload is one slot's JSON-serializable input.
type Payload struct {
	DocKey   string         `json:"doc_key"`
	Sections map[string]any `json:"sections"`
}

// Builder constructs per-slot payloads from an analysis corpus.
type Builder struct {
	MaxChars  int
	Inclusion Inclusion
}

// Build assembles the payload of one slot.
func (b *Builder) Build(slotKey string, in AnalysisInput) Payload {
	sections := map[string]any{}
	add := func(name string, value any) {
		if b.Inclusion.keep(slotKey, name) {
			sections[name] = value
		}
	}

	c := in.Counters
	switch slotKey {
	case KeyMaster:
		add("dialect", in.Dialect)
		add("structural_flags", c.Flags)
		add("limit_values", c.LimitValues)
		add("select_column_counts", c.ColumnCounts)
		add("functions", c.Functions)
	case KeySchema:
		add("tables", c.Tables)
		add("columns", c.Columns)
		add("join_pairs", c.JoinPairs)
		add("join_conditions", c.JoinConditions)
		add("alias_conventions", c.AliasConv)
	case KeyBusiness:
		add("enum_candidates", c.LiteralVals)
		add("aggregations", c.AggColumns)
		add("dimensions", c.GroupBy)
		add("case_blocks", caseBlocks(in.Fingerprints))
		add("nl_sql_pairs", nlPairs(in.Fingerprints, 30))
	case KeyFilters:
		byTier := sqlcorpus.FiltersByTier(in.Filters)
		add("mandatory", byTier[sqlcorpus.TierMandatory])
		add("table_default", byTier[sqlcorpus.TierTableDefault])
		add("common", byTier[sqlcorpus.TierCommon])
		add("date_filters", dateFilters(in.Filters))
	case KeyPatterns:
		add("clusters", clusterSummaries(in.Clusters, 25))
		add("structural_exemplars", exemplars(in.Fingerprints))
		add("nl_sql_pairs", nlPairs(in.Fingerprints, 50))
	}
	return Payload{DocKey: slotKey, Sections: sections}
}

// Serialize renders the payload as JSON. forLLM strips display-only
// count/percent keys; the result is capped at MaxChars.
func (b *Builder) Serialize(p Payload, forLLM bool) (string, error) {
	raw, err := json.Marshal(map[string]any{"doc_key": p.DocKey, "sections": p.Sections})
	if err != nil {
		return "", fmt.Errorf("serialize payload %s: %w", p.DocKey, err)
	}
	if forLLM {
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return "", err
		}
		raw, err = json.Marshal(stripStats(generic))
		if err != nil {
			return "", err
		}
	}
	out := string(raw)
	if b.MaxChars > 0 && len(out) > b.MaxChars {
		out = out[:b.MaxChars]
	}
	return out, nil
}

// statKeys are display-only and removed from LLM payloads.
var statKeys = map[string]bool{
	"count": true, "counts": true, "pct": true, "percent": true,
	"percentage": true, "global_pct": true, "table_pcts": true,
	"total_weight": true,
}

func stripStats(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if statKeys[k] {
				continue
			}
			out[k] = stripStats(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, child := range t {
			out = append(out, stripStats(child))
		}
		return out
	}
	return v
}

func caseBlocks(fps []sqlcorpus.Fingerprint) []string {
	var out []string
	for i := range fps {
		out = append(out, fps[i].CaseBlocks...)
		if len(out) >= 20 {
			break
		}
	}
	return out
}

type nlPair struct {
	Hint string `json:"hint"`
	SQL  string `json:"sql"`
}

func nlPairs(fps []sqlcorpus.Fingerprint, limit int) []nlPair {
	var out []nlPair
	for i := range fps {
		if fps[i].Hint == "" {
			continue
		}
		out = append(out, nlPair{Hint: fps[i].Hint, SQL: fps[i].RawSQL})
		if len(out) >= limit {
			break
		}
	}
	return out
}

var dateTokenRe = regexp.MustCompile(`(?i)\b(date|time|day|month|year|created|updated|_at|_ts)\b|_at\b|_date\b`)

func dateFilters(filters []sqlcorpus.ClassifiedFilter) []sqlcorpus.ClassifiedFilter {
	var out []sqlcorpus.ClassifiedFilter
	for _, f := range filters {
		if dateTokenRe.MatchString(f.Condition) {
			out = append(out, f)
		}
	}
	return out
}

type clusterSummary struct {
	Signature      string   `json:"signature"`
	Tables         []string `json:"tables,omitempty"`
	Weight         int      `json:"weight"`
	Representative string   `json:"representative"`
	Complex        string   `json:"complex,omitempty"`
	TopFunctions   []string `json:"top_functions,omitempty"`
	TopGroupBy     []string `json:"top_group_by,omitempty"`
	TopWhere       []string `json:"top_where,omitempty"`
}

func clusterSummaries(clusters []sqlcorpus.Cluster, limit int) []clusterSummary {
	var out []clusterSummary
	for _, c := range clusters {
		s := clusterSummary{
			Signature:      c.Signature,
			Tables:         c.Tables,
			Weight:         c.Weight,
			Representative: c.Representative,
			TopFunctions:   c.TopFunctions,
			TopGroupBy:     c.TopGroupBy,
			TopWhere:       c.TopWhere,
		}
		if c.Complex != c.Representative {
			s.Complex = c.Complex
		}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out
}

type exemplar struct {
	Feature string `json:"feature"`
	SQL     string `json:"sql"`
}

// exemplars picks one query per structural feature.
func exemplars(fps []sqlcorpus.Fingerprint) []exemplar {
	picked := map[string]string{}
	for i := range fps {
		fp := &fps[i]
		for _, feature := range []struct {
			set  bool
			name string
		}{
			{fp.Flags.CTE, "cte"}, {fp.Flags.Window, "window"},
			{fp.Flags.Union, "union"}, {fp.Flags.Case, "case"},
			{fp.Flags.Subquery, "subquery"}, {fp.Flags.Having, "having"},
		} {
			if feature.set {
				if _, ok := picked[feature.name]; !ok {
					picked[feature.name] = fp.RawSQL
				}
			}
		}
	}
	var out []exemplar
	for _, name := range []string{"cte", "window", "union", "case", "subquery", "having"} {
		if sql, ok := picked[name]; ok {
			out = append(out, exemplar{Feature: name, SQL: sql})
		}
	}
	return out
}

// TopColumns returns the most frequent qualified columns for the shared
// preamble's canonical-terminology list.
func TopColumns(c *sqlcorpus.Counters, n int) []string {
	return c.Columns.Top(n)
}

// AllTables returns every table name ordered by weight.
func AllTables(c *sqlcorpus.Counters) []string {
	return c.Tables.Top(0)
}
