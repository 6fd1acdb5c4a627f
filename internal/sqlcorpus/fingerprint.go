package sqlcorpus

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"atlas/internal/logging"
	"atlas/internal/sqlengine"
	"atlas/internal/store"
)

// UniqueQuery is one deduplicated query with its summed frequency weight.
type UniqueQuery struct {
	SQL       string `json:"sql"`
	Canonical string `json:"canonical"`
	Hint      string `json:"hint,omitempty"`
	Frequency int    `json:"frequency"`
}

// Fingerprint is the structured decomposition of one unique query.
type Fingerprint struct {
	RawSQL       string                `json:"raw_sql"`
	CanonicalSQL string                `json:"canonical_sql"`
	Hint         string                `json:"hint,omitempty"`
	Frequency    int                   `json:"frequency"`
	Tables       []string              `json:"tables"`
	AliasMap     map[string]string     `json:"alias_map,omitempty"`
	Columns      []string              `json:"columns"` // qualified, aliases resolved
	Functions    []sqlengine.FuncCall  `json:"functions,omitempty"`
	Joins        []sqlengine.Join      `json:"joins,omitempty"`
	Where        []sqlengine.Predicate `json:"where,omitempty"`
	GroupBy      []string              `json:"group_by,omitempty"`
	Having       []string              `json:"having,omitempty"`
	OrderBy      []string              `json:"order_by,omitempty"`
	CaseBlocks   []string              `json:"case_blocks,omitempty"`
	WindowExprs  []string              `json:"window_exprs,omitempty"`
	Flags        sqlengine.StructFlags `json:"flags"`
	LimitValue   int                   `json:"limit_value,omitempty"`
	ColumnCount  int                   `json:"select_column_count"`
}

// ExtractFailure records one query the engine could not decompose.
type ExtractFailure struct {
	SQL     string `json:"sql"`
	Message string `json:"message"`
}

// Engine drives the corpus analysis over an external SQL engine.
type Engine struct {
	sql     sqlengine.Engine
	dialect sqlengine.Dialect
	logger  logging.Logger
}

// NewEngine builds the analysis engine.
func NewEngine(sql sqlengine.Engine, dialect sqlengine.Dialect, logger logging.Logger) *Engine {
	return &Engine{sql: sql, dialect: dialect, logger: logging.OrNop(logger)}
}

// Dedup is phase zero: drop non-analyzable statements, merge by exact
// normalized text, then merge by canonical parsed text, summing frequencies.
// The natural-language hint of the first occurrence is retained. The
// operation is idempotent over its own output.
func (e *Engine) Dedup(ctx context.Context, rows []store.ExtractedSQL) ([]UniqueQuery, error) {
	// Exact-text pass.
	byText := make(map[string]*UniqueQuery)
	var order []string
	for _, row := range rows {
		if !sqlengine.Classify(row.CleanedSQL).IsAnalyzable() {
			continue
		}
		key := strings.ToLower(sqlengine.NormalizeWhitespace(row.CleanedSQL))
		if existing, ok := byText[key]; ok {
			existing.Frequency++
			continue
		}
		byText[key] = &UniqueQuery{SQL: row.CleanedSQL, Hint: row.Hint, Frequency: 1}
		order = append(order, key)
	}

	// Canonical pass.
	byCanonical := make(map[string]*UniqueQuery)
	var out []*UniqueQuery
	for _, key := range order {
		q := byText[key]
		canonical, err := e.sql.Canonical(ctx, q.SQL, e.dialect)
		if err != nil {
			// Unparseable text keeps its exact-text identity.
			canonical = sqlengine.NormalizeWhitespace(q.SQL)
			e.logger.Debug("canonicalization failed, keeping exact text: %v", err)
		}
		ckey := strings.ToLower(canonical)
		if existing, ok := byCanonical[ckey]; ok {
			existing.Frequency += q.Frequency
			if existing.Hint == "" {
				existing.Hint = q.Hint
			}
			continue
		}
		q.Canonical = canonical
		byCanonical[ckey] = q
		out = append(out, q)
	}

	result := make([]UniqueQuery, len(out))
	for i, q := range out {
		result[i] = *q
	}
	return result, ctx.Err()
}

// DedupUnique reruns the canonical merge over an already-deduplicated
// corpus. Used to verify idempotence and to fold corpora together.
func (e *Engine) DedupUnique(ctx context.Context, queries []UniqueQuery) ([]UniqueQuery, error) {
	rows := make([]store.ExtractedSQL, 0, len(queries))
	for _, q := range queries {
		for i := 0; i < q.Frequency; i++ {
			rows = append(rows, store.ExtractedSQL{CleanedSQL: q.SQL, Hint: q.Hint, IsValid: true})
		}
	}
	return e.Dedup(ctx, rows)
}

// workerCount is the CPU-bound pool size.
func workerCount() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n > 1 {
		n--
	}
	return n
}

// Extract is phase one: decompose every unique query on the worker pool.
// Per-query parse failures are returned alongside; they never abort.
func (e *Engine) Extract(ctx context.Context, queries []UniqueQuery) ([]Fingerprint, []ExtractFailure) {
	type slot struct {
		fp  *Fingerprint
		err *ExtractFailure
	}
	slots := make([]slot, len(queries))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workerCount(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fp, err := e.extractOne(ctx, queries[i])
				if err != nil {
					slots[i].err = &ExtractFailure{SQL: queries[i].SQL, Message: err.Error()}
					continue
				}
				slots[i].fp = fp
			}
		}()
	}

dispatch:
	for i := range queries {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	var fps []Fingerprint
	var failures []ExtractFailure
	for _, s := range slots {
		if s.fp != nil {
			fps = append(fps, *s.fp)
		}
		if s.err != nil {
			failures = append(failures, *s.err)
		}
	}
	return fps, failures
}

func (e *Engine) extractOne(ctx context.Context, q UniqueQuery) (*Fingerprint, error) {
	stmt, err := e.sql.Parse(ctx, q.SQL, e.dialect)
	if err != nil {
		return nil, err
	}

	fp := &Fingerprint{
		RawSQL:       q.SQL,
		CanonicalSQL: q.Canonical,
		Hint:         q.Hint,
		Frequency:    q.Frequency,
		AliasMap:     stmt.AliasMap,
		Joins:        stmt.Joins,
		Where:        stmt.Where,
		GroupBy:      stmt.GroupBy,
		Having:       stmt.Having,
		OrderBy:      stmt.OrderBy,
		CaseBlocks:   stmt.CaseBlocks,
		WindowExprs:  stmt.WindowExprs,
		Flags:        stmt.Flags,
		LimitValue:   stmt.LimitValue,
		ColumnCount:  stmt.SelectColumnCount,
	}
	if fp.CanonicalSQL == "" {
		fp.CanonicalSQL = stmt.Canonical
	}

	seen := make(map[string]bool)
	for _, t := range stmt.Tables {
		if !seen[t.Name] {
			seen[t.Name] = true
			fp.Tables = append(fp.Tables, t.Name)
		}
	}
	for _, col := range stmt.Columns {
		fp.Columns = append(fp.Columns, resolveColumn(col, stmt.AliasMap))
	}
	for i, fn := range stmt.Functions {
		fp.Functions = append(fp.Functions, fn)
		fp.Functions[i].Name = CanonicalFunctionName(fn.Name)
	}
	return fp, nil
}

func resolveColumn(col sqlengine.ColumnRef, aliasMap map[string]string) string {
	if table, ok := aliasMap[col.Table]; ok {
		col.Table = table
	}
	return col.Qualified()
}

// functionSynonyms rewrites vendor-specific names to their canonical form so
// frequency counts aggregate across dialect spellings.
var functionSynonyms = map[string]string{
	"NVL":       "COALESCE",
	"IFNULL":    "COALESCE",
	"SUBSTR":    "SUBSTRING",
	"CHAR_LENGTH": "LENGTH",
	"LEN":       "LENGTH",
	"CURDATE":   "CURRENT_DATE",
	"NOW":       "CURRENT_TIMESTAMP",
	"GETDATE":   "CURRENT_TIMESTAMP",
}

// CanonicalFunctionName maps vendor synonyms to one canonical name.
func CanonicalFunctionName(name string) string {
	upper := strings.ToUpper(name)
	if canonical, ok := functionSynonyms[upper]; ok {
		return canonical
	}
	return upper
}
