package notebook

import (
	"regexp"
	"strings"
)

// Candidate is one piece of SQL text lifted out of a cell, before cleaning
// and validation.
type Candidate struct {
	SQL  string
	Hint string // natural-language hint from a leading comment, when present
}

// ExtractCandidates pulls candidate SQL out of one cell. Markdown, shell and
// pip cells yield nothing, as do fully-commented cells.
func ExtractCandidates(cell Cell) []Candidate {
	directive := magicDirective(cell)
	if rejectedDirectives[directive] {
		return nil
	}
	if isFullyCommented(cell) {
		return nil
	}

	switch cell.Language {
	case LangPython:
		if directive == "%sql" {
			if body := magicBody(cell); strings.TrimSpace(body) != "" {
				return []Candidate{{SQL: body}}
			}
			return nil
		}
		return extractFromPython(cell.Source)
	case LangSQL:
		if directive == "%python" {
			return extractFromPython(magicBody(cell))
		}
		body := stripDirectives(cell.Source)
		if strings.TrimSpace(body) == "" {
			return nil
		}
		return splitSQLStatements(body)
	}
	return nil
}

// splitSQLStatements splits a SQL cell body on top-level semicolons,
// attaching the nearest preceding comment line as the statement's hint.
func splitSQLStatements(body string) []Candidate {
	var out []Candidate
	for _, stmt := range splitOnSemicolons(body) {
		hint := leadingCommentHint(stmt)
		if strings.TrimSpace(stripLineComments(stmt)) == "" {
			continue
		}
		out = append(out, Candidate{SQL: stmt, Hint: hint})
	}
	return out
}

func splitOnSemicolons(body string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == quote && (i == 0 || body[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case ';':
			parts = append(parts, body[start:i])
			start = i + 1
		}
	}
	if start < len(body) {
		parts = append(parts, body[start:])
	}
	return parts
}

func leadingCommentHint(stmt string) string {
	for _, line := range strings.Split(stmt, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "--"); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return ""
}

func stripLineComments(stmt string) string {
	var out []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// sqlCallRe anchors on any `.sql(` invocation (spark.sql, sqlContext.sql,
// cursor-style helpers all match).
var sqlCallRe = regexp.MustCompile(`\.sql\s*\(`)

// fallbackLiteralRe is the coarse recovery path when structured scanning of
// the call argument fails.
var fallbackLiteralRe = regexp.MustCompile(`(?s)\.sql\s*\(\s*[frbu]{0,2}("""|'''|"|')(.*?)("""|'''|"|')`)

func extractFromPython(source string) []Candidate {
	assigns := parseAssignments(source)
	var out []Candidate

	for _, loc := range sqlCallRe.FindAllStringIndex(source, -1) {
		argStart := loc[1]
		sql, ok := scanCallArgument(source[argStart:], assigns)
		if !ok {
			// Recovery: grab the first quoted run after the call.
			if m := fallbackLiteralRe.FindStringSubmatch(source[loc[0]:]); m != nil {
				sql = scrubFStringSites(m[2])
				ok = sql != ""
			}
		}
		if ok && strings.TrimSpace(sql) != "" {
			out = append(out, Candidate{SQL: sql})
		}
	}
	return out
}

// assignRe captures simple `name = <string literal>` statements for one-hop
// variable propagation into `.sql(name)` calls.
var assignRe = regexp.MustCompile(`(?m)^\s*([A-Za-z_]\w*)\s*=\s*([frbu]{0,2})("""|'''|"|')`)

func parseAssignments(source string) map[string]string {
	assigns := make(map[string]string)
	for _, m := range assignRe.FindAllStringSubmatchIndex(source, -1) {
		name := source[m[2]:m[3]]
		prefix := source[m[4]:m[5]]
		quote := source[m[6]:m[7]]
		body, _, ok := readQuoted(source[m[7]:], quote)
		if !ok {
			continue
		}
		if strings.ContainsRune(strings.ToLower(prefix), 'f') {
			body = scrubFStringSites(body)
		}
		if _, seen := assigns[name]; !seen {
			assigns[name] = body
		}
	}
	return assigns
}

// scanCallArgument reads the first argument of a call whose text begins right
// after the opening parenthesis. Supports string literals (including f-string
// prefixes and implicit concatenation) and a single identifier resolved via
// the assignment map.
func scanCallArgument(rest string, assigns map[string]string) (string, bool) {
	var parts []string
	i := skipSpace(rest, 0)
	for i < len(rest) {
		c := rest[i]
		switch {
		case c == '"' || c == '\'':
			quote, width := quoteAt(rest, i)
			body, consumed, ok := readQuoted(rest[i+width:], quote)
			if !ok {
				return "", false
			}
			parts = append(parts, body)
			i = skipSpace(rest, i+width+consumed)
		case isIdentStart(c):
			j := i
			for j < len(rest) && isIdentByte(rest[j]) {
				j++
			}
			word := rest[i:j]
			lower := strings.ToLower(word)
			if (lower == "f" || lower == "r" || lower == "rf" || lower == "fr") && j < len(rest) && (rest[j] == '"' || rest[j] == '\'') {
				quote, width := quoteAt(rest, j)
				body, consumed, ok := readQuoted(rest[j+width:], quote)
				if !ok {
					return "", false
				}
				if strings.ContainsRune(lower, 'f') {
					body = scrubFStringSites(body)
				}
				parts = append(parts, body)
				i = skipSpace(rest, j+width+consumed)
				continue
			}
			if val, ok := assigns[word]; ok && len(parts) == 0 {
				return val, true
			}
			return "", false
		case c == ')' || c == ',':
			if len(parts) == 0 {
				return "", false
			}
			return strings.Join(parts, ""), true
		case c == '+' || c == '\\' || c == '\n' || c == '\r':
			i = skipSpace(rest, i+1)
		default:
			return "", false
		}
	}
	return "", false
}

// quoteAt returns the quote delimiter at position i, preferring the
// triple-quote form.
func quoteAt(s string, i int) (string, int) {
	if i+3 <= len(s) && (s[i:i+3] == `"""` || s[i:i+3] == "'''") {
		return s[i : i+3], 3
	}
	return s[i : i+1], 1
}

// readQuoted reads a python string body terminated by delim, returning the
// body and the bytes consumed including the closing delimiter.
func readQuoted(s, delim string) (string, int, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if strings.HasPrefix(s[i:], delim) {
			return s[:i], i + len(delim), true
		}
	}
	return "", 0, false
}

var fstringSiteRe = regexp.MustCompile(`\{[^{}]*\}`)

// scrubFStringSites rewrites every substitution site to the anonymous {...}
// marker so downstream placeholder normalization treats them uniformly.
func scrubFStringSites(s string) string {
	s = strings.ReplaceAll(s, "{{", "\x00")
	s = strings.ReplaceAll(s, "}}", "\x01")
	s = fstringSiteRe.ReplaceAllString(s, "{...}")
	s = strings.ReplaceAll(s, "\x00", "{")
	s = strings.ReplaceAll(s, "\x01", "}")
	return s
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}
