package tree

import (
	"strconv"
	"strings"
)

// Node types.
const (
	TypeRoot = "root"
	TypeCat  = "cat"
	TypeLeaf = "leaf"
)

// Visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Redundancy is one leaf's pairwise-overlap summary.
type Redundancy struct {
	Score        int      `json:"score"`
	OverlapsWith []string `json:"overlaps_with,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// Conflict is one contradiction reported against another leaf.
type Conflict struct {
	WithNode    string `json:"with_node"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // low | medium | high
}

// Analysis is the per-leaf analysis object.
type Analysis struct {
	Redundancy  Redundancy `json:"redundancy"`
	Conflicts   []Conflict `json:"conflicts"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

// SecretEntry is one extracted credential recorded on a category.
type SecretEntry struct {
	Key   string `json:"key"`
	Scope string `json:"scope"` // enclosing category name
	Type  string `json:"type"`
}

// Node is one tree node. Roles share a struct; Type selects which fields
// apply: leaves carry Desc/Source/Analysis/SecretRefs, categories carry
// Children/Secrets, the single root carries Children.
type Node struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Health     int    `json:"health"`
	Visibility string `json:"visibility"`

	Desc         string    `json:"desc,omitempty"`
	Source       string    `json:"source,omitempty"`
	SourceDocKey string    `json:"source_doc_key,omitempty"`
	SecretRefs   []string  `json:"secretRefs,omitempty"`
	Analysis     *Analysis `json:"analysis,omitempty"`

	Secrets  []SecretEntry `json:"secrets,omitempty"`
	Children []*Node       `json:"children,omitempty"`
}

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool { return n.Type == TypeLeaf }

// EnsureAnalysis returns the leaf's analysis object, allocating it if the
// builder output omitted it.
func (n *Node) EnsureAnalysis() *Analysis {
	if n.Analysis == nil {
		n.Analysis = &Analysis{}
	}
	return n.Analysis
}

// Walk visits every node depth-first, parent before children. parent is nil
// for the root.
func Walk(root *Node, fn func(node, parent *Node)) {
	var visit func(node, parent *Node)
	visit = func(node, parent *Node) {
		if node == nil {
			return
		}
		fn(node, parent)
		for _, child := range node.Children {
			visit(child, node)
		}
	}
	visit(root, nil)
}

// Leaves returns every leaf in depth-first order.
func Leaves(root *Node) []*Node {
	var out []*Node
	Walk(root, func(node, _ *Node) {
		if node.IsLeaf() {
			out = append(out, node)
		}
	})
	return out
}

// FindByID returns the node with the given id, or nil.
func FindByID(root *Node, id string) *Node {
	var found *Node
	Walk(root, func(node, _ *Node) {
		if found == nil && node.ID == id {
			found = node
		}
	})
	return found
}

// ParentOf returns the parent of the node with the given id, or nil for the
// root or an unknown id.
func ParentOf(root *Node, id string) *Node {
	var found *Node
	Walk(root, func(node, parent *Node) {
		if found == nil && node.ID == id {
			found = parent
		}
	})
	return found
}

// Validate fills missing required fields with defaults, bottom-up: ids are
// derived from names, types inferred from shape, visibility defaults to
// public. Already-present values are never overwritten.
func Validate(root *Node) {
	if root == nil {
		return
	}
	if root.Type == "" {
		root.Type = TypeRoot
	}
	if root.Name == "" {
		root.Name = "Organization Context"
	}
	usedIDs := map[string]bool{}
	Walk(root, func(node, _ *Node) {
		if node.ID != "" {
			usedIDs[node.ID] = true
		}
	})
	Walk(root, func(node, parent *Node) {
		if node.Type == "" || !validType(node.Type) {
			if parent == nil {
				node.Type = TypeRoot
			} else if len(node.Children) > 0 {
				node.Type = TypeCat
			} else {
				node.Type = TypeLeaf
			}
		}
		if node.Name == "" {
			node.Name = node.ID
		}
		if node.ID == "" {
			node.ID = uniqueID(SnakeID(node.Name), usedIDs)
		}
		if node.Visibility != VisibilityPrivate {
			node.Visibility = VisibilityPublic
		}
		if node.Health < 0 {
			node.Health = 0
		}
		if node.Health > 100 {
			node.Health = 100
		}
		if node.IsLeaf() && node.Analysis == nil {
			node.Analysis = &Analysis{}
		}
	})
}

func validType(t string) bool {
	return t == TypeRoot || t == TypeCat || t == TypeLeaf
}

// SnakeID converts a display name to a stable snake_case id.
func SnakeID(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	id := strings.Trim(b.String(), "_")
	if id == "" {
		id = "node"
	}
	return id
}

func uniqueID(base string, used map[string]bool) string {
	if !used[base] {
		used[base] = true
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
