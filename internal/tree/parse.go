package tree

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseTree decodes LLM output into a validated tree. The parser is robust
// to truncated output: code fences are stripped, then it tries a direct
// parse, extraction of the outermost object, repair, and finally progressive
// tail-trimming with auto-closing of open strings, arrays and objects.
func ParseTree(raw string) (*Node, error) {
	data, err := recoverJSON(raw, '{')
	if err != nil {
		return nil, fmt.Errorf("tree output unparseable: %w", err)
	}
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	Validate(&root)
	return &root, nil
}

// ParseArray decodes LLM output expected to be a JSON array, with the same
// truncation-recovery strategy as ParseTree.
func ParseArray(raw string, out any) error {
	data, err := recoverJSON(raw, '[')
	if err != nil {
		return fmt.Errorf("array output unparseable: %w", err)
	}
	return json.Unmarshal(data, out)
}

func recoverJSON(raw string, opener byte) ([]byte, error) {
	s := stripFences(raw)

	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}

	// Outermost {...} or [...] extraction drops prose around the payload.
	if start := strings.IndexByte(s, opener); start >= 0 {
		s = s[start:]
		if end := strings.LastIndexByte(s, closerFor(opener)); end > 0 {
			candidate := s[:end+1]
			if json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
	}

	if repaired, err := jsonrepair.JSONRepair(s); err == nil && json.Valid([]byte(repaired)) {
		return []byte(repaired), nil
	}

	// Progressive tail trim: drop the partial trailing member, auto-close
	// whatever remains, retry.
	for attempt := 0; attempt < 400 && len(s) > 1; attempt++ {
		candidate := autoClose(s)
		if json.Valid(candidate) {
			return candidate, nil
		}
		cut := strings.LastIndexAny(s[:len(s)-1], ",{[")
		if cut <= 0 {
			break
		}
		s = strings.TrimRight(s[:cut], ", \t\n\r")
		if len(s) > 0 && (s[len(s)-1] == '{' || s[len(s)-1] == '[') {
			// Keep the opener; its closer is appended by autoClose.
			continue
		}
	}
	return nil, fmt.Errorf("no recoverable JSON payload")
}

func closerFor(opener byte) byte {
	if opener == '[' {
		return ']'
	}
	return '}'
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.IndexByte(s, '\n'); idx > 0 {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// autoClose closes any open string, then pops the bracket stack. The input's
// trailing separator, when present, is dropped first.
func autoClose(s string) []byte {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := []byte(s)
	if inString {
		out = append(out, '"')
	}
	trimmed := strings.TrimRight(string(out), " \t\n\r")
	if strings.HasSuffix(trimmed, ",") {
		trimmed = strings.TrimSuffix(trimmed, ",")
	}
	if strings.HasSuffix(trimmed, ":") {
		trimmed += "null"
	}
	out = []byte(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, closerFor(stack[i]))
	}
	return out
}
