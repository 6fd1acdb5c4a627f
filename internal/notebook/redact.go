package notebook

import (
	"regexp"
	"strings"
)

// StripComments removes -- line comments and /* */ block comments while
// preserving the contents of quoted strings.
func StripComments(sql string) string {
	var out strings.Builder
	var quote byte
	i := 0
	for i < len(sql) {
		c := sql[i]
		if quote != 0 {
			out.WriteByte(c)
			if c == quote && sql[i-1] != '\\' {
				quote = 0
			}
			i++
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			out.WriteByte(c)
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
				break
			}
			i += end + 4
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Seven or more consecutive digits covers phone numbers and card PANs,
	// optionally broken by separators.
	digitRunRe = regexp.MustCompile(`\d[\d \-.]{5,}\d`)

	longQuotedRe = regexp.MustCompile(`'[A-Za-z0-9+/=_\-]{24,}'`)
)

// Redact masks likely PII in a snippet before it is persisted: emails, long
// digit runs, and long opaque quoted tokens.
func Redact(s string) string {
	s = emailRe.ReplaceAllString(s, "<email>")
	s = digitRunRe.ReplaceAllStringFunc(s, func(run string) string {
		digits := 0
		for _, r := range run {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 7 {
			return "<number>"
		}
		return run
	})
	s = longQuotedRe.ReplaceAllString(s, "'<token>'")
	return s
}

// Snippet returns the redacted original text trimmed to a bounded length for
// storage alongside the cleaned SQL.
func Snippet(original string) string {
	s := Redact(strings.TrimSpace(original))
	const maxSnippet = 1000
	if len(s) > maxSnippet {
		return s[:maxSnippet]
	}
	return s
}
