package tree

// Health component weights.
const (
	weightContent      = 0.30
	weightRedundancy   = 0.25
	weightConflicts    = 0.25
	weightCompleteness = 0.20
)

// severityPenalty maps conflict severity to its health penalty.
func severityPenalty(severity string) int {
	switch severity {
	case "high":
		return 15
	case "medium":
		return 8
	default:
		return 3
	}
}

// ScoreHealth computes every node's health bottom-up. Leaves score from the
// four weighted components; categories and the root score as the arithmetic
// mean of their children. Scoring is deterministic given its inputs.
func ScoreHealth(root *Node) {
	var score func(node *Node) int
	score = func(node *Node) int {
		if node.IsLeaf() || len(node.Children) == 0 {
			node.Health = leafHealth(node)
			return node.Health
		}
		sum := 0
		for _, child := range node.Children {
			sum += score(child)
		}
		node.Health = sum / len(node.Children)
		return node.Health
	}
	score(root)
}

func leafHealth(node *Node) int {
	content := contentScore(node.Desc)

	redundancy := 100
	conflicts := 100
	if node.Analysis != nil {
		redundancy = 100 - node.Analysis.Redundancy.Score
		if redundancy < 0 {
			redundancy = 0
		}
		penalty := 0
		for _, conflict := range node.Analysis.Conflicts {
			penalty += severityPenalty(conflict.Severity)
		}
		conflicts = 100 - penalty
		if conflicts < 0 {
			conflicts = 0
		}
	}

	completeness := completenessScore(node)

	total := weightContent*float64(content) +
		weightRedundancy*float64(redundancy) +
		weightConflicts*float64(conflicts) +
		weightCompleteness*float64(completeness)
	return int(total)
}

// contentScore tiers by content length.
func contentScore(desc string) int {
	switch n := len(desc); {
	case n > 500:
		return 100
	case n > 200:
		return 85
	case n > 100:
		return 70
	case n > 30:
		return 50
	default:
		return 30
	}
}

// completenessScore is the fraction of required fields present: name, id,
// valid type, valid visibility, and desc-or-children.
func completenessScore(node *Node) int {
	present := 0
	if node.Name != "" {
		present++
	}
	if node.ID != "" {
		present++
	}
	if validType(node.Type) {
		present++
	}
	if node.Visibility == VisibilityPublic || node.Visibility == VisibilityPrivate {
		present++
	}
	if node.Desc != "" || len(node.Children) > 0 {
		present++
	}
	return present * 100 / 5
}
