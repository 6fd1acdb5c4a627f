package notebook

import (
	"strings"
)

// CellLanguage is the language a single cell executes as.
type CellLanguage string

const (
	LangPython CellLanguage = "python"
	LangSQL    CellLanguage = "sql"
)

// Cell is one notebook cell after boundary splitting.
type Cell struct {
	Index    int
	Language CellLanguage
	Source   string
}

const (
	pythonBoundary = "# COMMAND ----------"
	sqlBoundary    = "-- COMMAND ----------"
)

// SplitCells splits exported notebook source into cells on the
// platform boundary marker for the notebook language.
func SplitCells(source, language string) []Cell {
	boundary := pythonBoundary
	lang := LangPython
	if strings.EqualFold(language, "sql") {
		boundary = sqlBoundary
		lang = LangSQL
	}

	var cells []Cell
	for i, chunk := range strings.Split(source, boundary) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		cells = append(cells, Cell{Index: i, Language: lang, Source: chunk})
	}
	return cells
}

// magicDirective returns the %directive of the first MAGIC line in a cell, or
// "" when the cell carries no magic.
func magicDirective(cell Cell) string {
	prefix := magicPrefix(cell.Language)
	for _, line := range strings.Split(cell.Source, "\n") {
		trimmed := strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(trimmed, prefix)
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if strings.HasPrefix(rest, "%") {
			if idx := strings.IndexAny(rest, " \t"); idx > 0 {
				return rest[:idx]
			}
			return rest
		}
		return ""
	}
	return ""
}

func magicPrefix(lang CellLanguage) string {
	if lang == LangSQL {
		return "-- MAGIC"
	}
	return "# MAGIC"
}

// magicBody concatenates the payload of every MAGIC line, dropping the
// leading %directive line.
func magicBody(cell Cell) string {
	prefix := magicPrefix(cell.Language)
	var lines []string
	for _, line := range strings.Split(cell.Source, "\n") {
		trimmed := strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(trimmed, prefix)
		if !ok {
			continue
		}
		rest = strings.TrimPrefix(rest, " ")
		if strings.HasPrefix(strings.TrimSpace(rest), "%") {
			continue
		}
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}

// rejectedDirectives are magic cells that never contain SQL.
var rejectedDirectives = map[string]bool{
	"%md": true, "%md-sandbox": true, "%sh": true, "%pip": true, "%fs": true,
}

// isFullyCommented reports whether every non-blank line is a comment for the
// cell's language. MAGIC lines are directives, not comments, and do not count.
func isFullyCommented(cell Cell) bool {
	marker := "#"
	if cell.Language == LangSQL {
		marker = "--"
	}
	prefix := magicPrefix(cell.Language)
	seen := false
	for _, line := range strings.Split(cell.Source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, prefix) {
			continue
		}
		seen = true
		if !strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return seen
}

// stripDirectives removes notebook directive lines (%sql, DBTITLE markers)
// from a SQL cell body.
func stripDirectives(source string) string {
	var out []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "%") {
			continue
		}
		if strings.HasPrefix(trimmed, "-- DBTITLE") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
