package sqlengine

import (
	"context"
	"regexp"
	"strings"
)

// Engine is the contract of the external SQL parsing engine. Implementations
// return a typed AST for a specified dialect; the analyzers never parse SQL
// themselves.
type Engine interface {
	// Parse decomposes one statement into its typed AST.
	Parse(ctx context.Context, sql string, dialect Dialect) (*Statement, error)
	// Canonical returns the canonical pretty-printed form used for dedup.
	Canonical(ctx context.Context, sql string, dialect Dialect) (string, error)
	// Format validates and formats a statement; the returned text is the
	// cleaned canonical SQL stored on extraction rows.
	Format(ctx context.Context, sql string, dialect Dialect) (string, error)
}

var (
	leadingWordRe = regexp.MustCompile(`^[\s(]*([A-Za-z]+)`)

	// Parameter placeholders are rewritten to sentinel literals before
	// parsing so the engine accepts templated text.
	dollarBraceRe = regexp.MustCompile(`\$\{[^}]*\}`)
	braceRe       = regexp.MustCompile(`\{[^{}]*\}`)
	colonParamRe  = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	atParamRe     = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)
)

// PlaceholderSentinel replaces every parameter placeholder form.
const PlaceholderSentinel = "'__param__'"

// Classify determines the coarse statement kind from the leading keyword.
func Classify(sql string) StatementKind {
	m := leadingWordRe.FindStringSubmatch(sql)
	if m == nil {
		return KindUnknown
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT":
		return KindSelect
	case "WITH":
		return KindWith
	case "USE":
		return KindUse
	case "SHOW":
		return KindShow
	case "DESCRIBE", "DESC":
		return KindDescribe
	case "EXPLAIN":
		return KindExplain
	case "CREATE":
		return KindCreate
	case "INSERT":
		return KindInsert
	case "ALTER", "DROP", "TRUNCATE", "UPDATE", "DELETE", "MERGE", "GRANT", "REVOKE", "SET", "OPTIMIZE", "VACUUM", "REFRESH", "ANALYZE":
		return KindOtherDDL
	default:
		return KindUnknown
	}
}

// IsAnalyzable reports whether a kind belongs in the analysis corpus.
func (k StatementKind) IsAnalyzable() bool {
	return k == KindSelect || k == KindWith
}

// PassThrough reports whether the statement validates as-is.
func (k StatementKind) PassThrough() bool {
	switch k {
	case KindSelect, KindWith, KindUse, KindShow, KindDescribe, KindExplain:
		return true
	default:
		return false
	}
}

// ExtractEmbeddedSelect pulls the SELECT/WITH expression out of a
// CREATE ... AS SELECT or INSERT ... SELECT statement. Returns false when the
// statement embeds none.
func ExtractEmbeddedSelect(sql string) (string, bool) {
	upper := strings.ToUpper(sql)
	for _, kw := range []string{"SELECT", "WITH"} {
		idx := indexOfKeyword(upper, kw)
		if idx < 0 {
			continue
		}
		// The keyword must start the embedded expression, not an identifier.
		candidate := strings.TrimSpace(sql[idx:])
		if candidate != "" {
			return candidate, true
		}
	}
	return "", false
}

// indexOfKeyword finds kw as a standalone word, skipping position zero (which
// would be the outer statement itself).
func indexOfKeyword(upper, kw string) int {
	offset := 1
	for {
		idx := strings.Index(upper[offset:], kw)
		if idx < 0 {
			return -1
		}
		idx += offset
		beforeOK := idx == 0 || !isWordByte(upper[idx-1])
		afterEnd := idx + len(kw)
		afterOK := afterEnd >= len(upper) || !isWordByte(upper[afterEnd])
		if beforeOK && afterOK {
			return idx
		}
		offset = idx + len(kw)
		if offset >= len(upper) {
			return -1
		}
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// NormalizePlaceholders rewrites templating placeholders (${x}, {x}, :x, ?,
// @x) to sentinel literals so the external engine accepts the text.
func NormalizePlaceholders(sql string) string {
	out := dollarBraceRe.ReplaceAllString(sql, PlaceholderSentinel)
	out = braceRe.ReplaceAllString(out, PlaceholderSentinel)
	out = replaceOutsideQuotes(out, func(segment string) string {
		segment = colonParamRe.ReplaceAllString(segment, PlaceholderSentinel)
		segment = atParamRe.ReplaceAllString(segment, PlaceholderSentinel)
		segment = strings.ReplaceAll(segment, "?", PlaceholderSentinel)
		return segment
	})
	return out
}

// replaceOutsideQuotes applies fn to the text between quoted string runs,
// leaving quoted content untouched.
func replaceOutsideQuotes(sql string, fn func(string) string) string {
	var out strings.Builder
	var quote byte
	start := 0
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			if c == quote && (i == 0 || sql[i-1] != '\\') {
				out.WriteString(sql[start : i+1])
				start = i + 1
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			out.WriteString(fn(sql[start:i]))
			start = i
			quote = c
		}
	}
	if quote != 0 {
		out.WriteString(sql[start:])
	} else {
		out.WriteString(fn(sql[start:]))
	}
	return out.String()
}

// NormalizeWhitespace collapses runs of whitespace into single spaces; the
// exact-text dedup key is the lower-cased result.
func NormalizeWhitespace(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
