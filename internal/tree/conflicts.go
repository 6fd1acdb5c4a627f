package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

const conflictPrompt = `You check pairs of context documents for contradictions.
For each numbered pair, output exactly one line: either NONE, or a JSON
object {"pair":<number>,"severity":"low|medium|high","description":"..."}.
A conflict is two documents stating incompatible facts or rules.
Output nothing else.`

// maxConflictPairs bounds the single LLM call.
const maxConflictPairs = 20

// ruleKeywords mark rule-like content; cross-category pairs are only
// considered when both leaves contain one.
var ruleKeywords = []string{"rule", "default", "always", "never", "must", "should"}

type conflictPair struct {
	a, b *Node
}

type conflictReport struct {
	Pair        int    `json:"pair"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ConflictDetector builds candidate pairs and asks for contradictions in one
// call.
type ConflictDetector struct {
	client llm.Client
	logger logging.Logger
}

// NewConflictDetector builds a detector.
func NewConflictDetector(client llm.Client, logger logging.Logger) *ConflictDetector {
	return &ConflictDetector{client: client, logger: logging.OrNop(logger)}
}

// Detect builds up to 20 pairs (all within-category pairs, then
// cross-category pairs of rule-like leaves), sends them in one call, and
// mirrors every reported conflict onto both leaves.
func (d *ConflictDetector) Detect(ctx context.Context, root *Node) error {
	pairs := buildPairs(root)
	if len(pairs) == 0 {
		return nil
	}

	var payload strings.Builder
	for i, pair := range pairs {
		fmt.Fprintf(&payload, "Pair %d:\n[%s] %s\n---\n[%s] %s\n\n",
			i+1, pair.a.ID, clip(pair.a.Desc, 1500), pair.b.ID, clip(pair.b.Desc, 1500))
	}

	resp, err := d.client.Complete(ctx, llm.Request{
		System:    conflictPrompt,
		Messages:  []llm.Message{{Role: "user", Content: payload.String()}},
		MaxTokens: 2000,
	})
	if err != nil {
		return fmt.Errorf("conflict detection: %w", err)
	}

	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "NONE") || !strings.HasPrefix(line, "{") {
			continue
		}
		var report conflictReport
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			d.logger.Debug("skipping unparseable conflict line: %v", err)
			continue
		}
		if report.Pair < 1 || report.Pair > len(pairs) {
			continue
		}
		pair := pairs[report.Pair-1]
		severity := normalizeSeverity(report.Severity)
		appendConflict(pair.a, pair.b.ID, report.Description, severity)
		appendConflict(pair.b, pair.a.ID, report.Description, severity)
	}
	return nil
}

func appendConflict(leaf *Node, otherID, description, severity string) {
	analysis := leaf.EnsureAnalysis()
	analysis.Conflicts = append(analysis.Conflicts, Conflict{
		WithNode:    otherID,
		Description: description,
		Severity:    severity,
	})
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return "high"
	case "medium":
		return "medium"
	default:
		return "low"
	}
}

// buildPairs collects within-category pairs first, then cross-category
// pairs where both leaves carry rule-like keywords, capped at 20.
func buildPairs(root *Node) []conflictPair {
	var pairs []conflictPair

	byCategory := make(map[*Node][]*Node)
	var categories []*Node
	Walk(root, func(node, parent *Node) {
		if !node.IsLeaf() || parent == nil {
			return
		}
		if _, ok := byCategory[parent]; !ok {
			categories = append(categories, parent)
		}
		byCategory[parent] = append(byCategory[parent], node)
	})

	for _, category := range categories {
		leaves := byCategory[category]
		for i := 0; i < len(leaves) && len(pairs) < maxConflictPairs; i++ {
			for j := i + 1; j < len(leaves) && len(pairs) < maxConflictPairs; j++ {
				pairs = append(pairs, conflictPair{a: leaves[i], b: leaves[j]})
			}
		}
	}

	var ruleLeaves []*Node
	var ruleCategory []*Node
	for _, category := range categories {
		for _, leaf := range byCategory[category] {
			if hasRuleKeyword(leaf.Desc) {
				ruleLeaves = append(ruleLeaves, leaf)
				ruleCategory = append(ruleCategory, category)
			}
		}
	}
	for i := 0; i < len(ruleLeaves) && len(pairs) < maxConflictPairs; i++ {
		for j := i + 1; j < len(ruleLeaves) && len(pairs) < maxConflictPairs; j++ {
			if ruleCategory[i] == ruleCategory[j] {
				continue
			}
			pairs = append(pairs, conflictPair{a: ruleLeaves[i], b: ruleLeaves[j]})
		}
	}
	return pairs
}

func hasRuleKeyword(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range ruleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
