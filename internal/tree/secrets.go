package tree

import (
	"fmt"
	"regexp"
	"strings"
)

// secretPattern is one recognized credential shape. Each pattern captures a
// prefix to keep and the secret literal to replace.
type secretPattern struct {
	re       *regexp.Regexp
	typeName string
	snake    string
}

var jwtShapeRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+$`)

var secretPatterns = []secretPattern{
	{
		re:       regexp.MustCompile(`(?i)(authorization:\s*)((?:basic|bearer)\s+[A-Za-z0-9+/=._\-]+)`),
		typeName: "Auth Header",
		snake:    "auth_header",
	},
	{
		re:       regexp.MustCompile(`(?i)(api[_-]?key["':=\s]+)([A-Za-z0-9_\-]{16,})`),
		typeName: "API Key",
		snake:    "api_key",
	},
	{
		re:       regexp.MustCompile(`(?i)(\btoken["':=\s]+)([A-Za-z0-9_\-.]{16,})`),
		typeName: "Token",
		snake:    "token",
	},
	{
		re:       regexp.MustCompile(`(?i)(\bpassword["':=\s]+)([^\s{}"']{6,})`),
		typeName: "Password",
		snake:    "password",
	},
	{
		re:       regexp.MustCompile(`(?i)(client[_-]?secret["':=\s]+)([A-Za-z0-9_\-]{8,})`),
		typeName: "Client Secret",
		snake:    "client_secret",
	},
	{
		re:       regexp.MustCompile(`()(\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+)`),
		typeName: "JWT Token",
		snake:    "jwt_token",
	},
}

// Scanner extracts credential literals from leaf content and records them on
// the enclosing categories. Scanning is idempotent: placeholders never
// re-match, and a literal seen twice reuses its key.
type Scanner struct {
	keyByLiteral map[string]string
	typeByKey    map[string]string
	counters     map[string]int
}

// NewScanner builds an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{
		keyByLiteral: make(map[string]string),
		typeByKey:    make(map[string]string),
		counters:     make(map[string]int),
	}
}

// Scan runs both passes over the tree: extract and replace secrets in every
// leaf, then attach the per-category buckets to their category nodes.
func (s *Scanner) Scan(root *Node) {
	type bucketEntry struct {
		category *Node
		secrets  []SecretEntry
	}
	buckets := make(map[*Node]*bucketEntry)

	Walk(root, func(node, parent *Node) {
		if !node.IsLeaf() {
			return
		}
		category := parent
		if category == nil {
			category = root
		}
		found := s.scanLeaf(node, category.Name)
		if len(found) == 0 {
			return
		}
		b, ok := buckets[category]
		if !ok {
			b = &bucketEntry{category: category}
			buckets[category] = b
		}
		b.secrets = append(b.secrets, found...)
	})

	for _, b := range buckets {
		existing := make(map[string]bool, len(b.category.Secrets))
		for _, sec := range b.category.Secrets {
			existing[sec.Key] = true
		}
		for _, sec := range b.secrets {
			if !existing[sec.Key] {
				existing[sec.Key] = true
				b.category.Secrets = append(b.category.Secrets, sec)
			}
		}
	}
}

// scanLeaf applies every pattern to one leaf, replacing each hit with its
// placeholder, flipping visibility and appending to secretRefs.
func (s *Scanner) scanLeaf(leaf *Node, scope string) []SecretEntry {
	var found []SecretEntry

	for _, pattern := range secretPatterns {
		leaf.Desc = pattern.re.ReplaceAllStringFunc(leaf.Desc, func(match string) string {
			groups := pattern.re.FindStringSubmatch(match)
			prefix, literal := groups[1], groups[2]

			typeName, snake := pattern.typeName, pattern.snake
			if snake == "auth_header" && jwtShaped(literal) {
				typeName, snake = "JWT Token", "jwt_token"
			}

			key := s.keyFor(literal, snake, typeName)
			if !containsString(leaf.SecretRefs, key) {
				leaf.SecretRefs = append(leaf.SecretRefs, key)
			}
			leaf.Visibility = VisibilityPrivate
			found = append(found, SecretEntry{Key: key, Scope: scope, Type: typeName})
			return prefix + "{{" + key + "}}"
		})
	}
	return found
}

// keyFor returns the stable placeholder key for a literal: the first secret
// of a type gets the bare snake name, later distinct literals get an index
// suffix, and a repeated literal reuses its key.
func (s *Scanner) keyFor(literal, snake, typeName string) string {
	if key, ok := s.keyByLiteral[literal]; ok {
		return key
	}
	s.counters[snake]++
	key := snake
	if s.counters[snake] > 1 {
		key = fmt.Sprintf("%s_%d", snake, s.counters[snake])
	}
	s.keyByLiteral[literal] = key
	s.typeByKey[key] = typeName
	return key
}

func jwtShaped(literal string) bool {
	fields := strings.Fields(literal)
	value := fields[len(fields)-1]
	return jwtShapeRe.MatchString(value)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
