package notebook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"

	"atlas/internal/logging"
	"atlas/internal/sqlengine"
	"atlas/internal/store"
)

// Parser turns exported notebook source into cleaned, validated SQL rows.
type Parser struct {
	engine  sqlengine.Engine
	dialect sqlengine.Dialect
	logger  logging.Logger
}

// NewParser builds a parser over the given SQL engine.
func NewParser(engine sqlengine.Engine, dialect sqlengine.Dialect, logger logging.Logger) *Parser {
	return &Parser{engine: engine, dialect: dialect, logger: logging.OrNop(logger)}
}

// Notebook is one exported notebook handed to the parser.
type Notebook struct {
	Path     string
	Language string
	Source   string
}

var orgRefRe = regexp.MustCompile(`(?i)\b(read_api_\d+|write_db_\d+)\b`)
var orgUseRe = regexp.MustCompile(`(?i)\bUSE\s+(read_api_\d+|write_db_\d+)\b`)

// defaultOrg finds the notebook-level org default: the first
// USE read_api_<N> or USE write_db_<N> anywhere in the source.
func defaultOrg(source string) string {
	if m := orgUseRe.FindStringSubmatch(source); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// resolveOrg resolves the owning org for one statement: an in-query
// reference wins over the notebook default.
func resolveOrg(sql, notebookDefault string) string {
	if m := orgRefRe.FindStringSubmatch(sql); m != nil {
		return strings.ToLower(m[1])
	}
	return notebookDefault
}

// HashSQL returns the 64-hex content hash over the stripped cleaned SQL.
func HashSQL(cleaned string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(cleaned)))
	return hex.EncodeToString(sum[:])
}

// Parse processes one notebook and returns one row per extracted statement.
// Invalid statements are returned with IsValid=false and excluded from
// analysis downstream; they never abort the notebook.
func (p *Parser) Parse(ctx context.Context, runID string, nb Notebook) []store.ExtractedSQL {
	cells := SplitCells(nb.Source, nb.Language)
	orgDefault := defaultOrg(nb.Source)
	name := path.Base(nb.Path)
	fileType := strings.ToLower(nb.Language)

	var rows []store.ExtractedSQL
	for _, cell := range cells {
		for _, cand := range ExtractCandidates(cell) {
			stripped := StripComments(cand.SQL)
			redacted := Redact(stripped)
			if strings.TrimSpace(redacted) == "" {
				continue
			}

			cleaned, valid := p.validate(ctx, redacted)
			row := store.ExtractedSQL{
				RunID:        runID,
				OrgID:        resolveOrg(redacted, orgDefault),
				NotebookPath: nb.Path,
				NotebookName: name,
				Language:     string(cell.Language),
				CellIndex:    cell.Index,
				FileType:     fileType,
				CleanedSQL:   cleaned,
				IsValid:      valid,
				Snippet:      Snippet(cand.SQL),
				Hint:         cand.Hint,
			}
			if valid {
				row.SQLHash = HashSQL(cleaned)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// validate formats one candidate through the engine. SELECT-family
// statements pass through; CREATE/INSERT contribute their embedded
// SELECT when one exists; everything else is rejected.
func (p *Parser) validate(ctx context.Context, sql string) (string, bool) {
	kind := sqlengine.Classify(sql)
	target := sql
	switch {
	case kind.PassThrough():
	case kind == sqlengine.KindCreate || kind == sqlengine.KindInsert:
		embedded, ok := sqlengine.ExtractEmbeddedSelect(sql)
		if !ok {
			return strings.TrimSpace(sql), false
		}
		target = embedded
	default:
		return strings.TrimSpace(sql), false
	}

	formatted, err := p.engine.Format(ctx, target, p.dialect)
	if err != nil {
		p.logger.Debug("statement rejected by engine: %v", err)
		return strings.TrimSpace(target), false
	}
	return formatted, true
}
