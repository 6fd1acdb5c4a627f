package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnakeID(t *testing.T) {
	assert.Equal(t, "loyalty_rewards", SnakeID("Loyalty & Rewards!"))
	assert.Equal(t, "api_v2_keys", SnakeID("API v2 Keys"))
	assert.Equal(t, "node", SnakeID("  "))
	assert.Equal(t, "node", SnakeID(""))
}

func TestValidateFillsDefaults(t *testing.T) {
	root := &Node{
		Children: []*Node{
			{Name: "Policies", Children: []*Node{
				{Name: "Refund Policy", Desc: "refunds within 30 days"},
			}},
			{Name: "Refund Policy"},
		},
	}
	Validate(root)

	assert.Equal(t, TypeRoot, root.Type)
	assert.Equal(t, "Organization Context", root.Name)
	assert.Equal(t, "organization_context", root.ID)
	assert.Equal(t, VisibilityPublic, root.Visibility)

	cat := root.Children[0]
	assert.Equal(t, TypeCat, cat.Type)
	assert.Equal(t, "policies", cat.ID)

	leaf := cat.Children[0]
	assert.Equal(t, TypeLeaf, leaf.Type)
	assert.Equal(t, "refund_policy", leaf.ID)
	require.NotNil(t, leaf.Analysis)

	// Same name elsewhere gets a suffixed id.
	assert.Equal(t, "refund_policy_2", root.Children[1].ID)
	assert.Equal(t, TypeLeaf, root.Children[1].Type)
}

func TestValidateKeepsExistingValues(t *testing.T) {
	root := &Node{
		ID: "org", Name: "Org", Type: TypeRoot,
		Children: []*Node{
			{ID: "a", Name: "A", Type: TypeLeaf, Visibility: VisibilityPrivate, Health: 150},
			{ID: "b", Name: "B", Type: TypeLeaf, Visibility: "hidden", Health: -5},
		},
	}
	Validate(root)
	assert.Equal(t, "org", root.ID)
	assert.Equal(t, VisibilityPrivate, root.Children[0].Visibility)
	assert.Equal(t, 100, root.Children[0].Health)
	assert.Equal(t, VisibilityPublic, root.Children[1].Visibility)
	assert.Equal(t, 0, root.Children[1].Health)

	Validate(nil) // no panic
}

func TestWalkHelpers(t *testing.T) {
	leafA := &Node{ID: "a", Type: TypeLeaf}
	leafB := &Node{ID: "b", Type: TypeLeaf}
	cat := &Node{ID: "cat", Type: TypeCat, Children: []*Node{leafA, leafB}}
	root := &Node{ID: "org", Type: TypeRoot, Children: []*Node{cat}}

	var order []string
	Walk(root, func(node, _ *Node) { order = append(order, node.ID) })
	assert.Equal(t, []string{"org", "cat", "a", "b"}, order)

	assert.Equal(t, []*Node{leafA, leafB}, Leaves(root))
	assert.Same(t, leafB, FindByID(root, "b"))
	assert.Nil(t, FindByID(root, "missing"))
	assert.Same(t, cat, ParentOf(root, "a"))
	assert.Nil(t, ParentOf(root, "org"))
	assert.Nil(t, ParentOf(root, "missing"))
}

func TestParseTreeFenced(t *testing.T) {
	raw := "```json\n{\"name\":\"Org\",\"children\":[{\"name\":\"Cat\",\"children\":[{\"name\":\"Doc\",\"desc\":\"hello\"}]}]}\n```"
	root, err := ParseTree(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeRoot, root.Type)
	require.Len(t, root.Children, 1)
	assert.Equal(t, TypeCat, root.Children[0].Type)
	leaf := root.Children[0].Children[0]
	assert.Equal(t, TypeLeaf, leaf.Type)
	assert.Equal(t, "doc", leaf.ID)
	assert.NotNil(t, leaf.Analysis)
}

func TestParseTreeSurroundingProse(t *testing.T) {
	raw := "Here is the tree:\n{\"name\":\"Org\",\"children\":[]}\nHope that helps."
	root, err := ParseTree(raw)
	require.NoError(t, err)
	assert.Equal(t, "Org", root.Name)
}

func TestParseTreeTruncated(t *testing.T) {
	raw := `{"name":"Org","children":[{"name":"A","desc":"alpha"},{"name":"B","desc":"bet`
	root, err := ParseTree(raw)
	require.NoError(t, err)
	require.NotEmpty(t, root.Children)
	assert.Equal(t, "A", root.Children[0].Name)
	assert.Equal(t, "alpha", root.Children[0].Desc)
}

func TestParseTreeUnparseable(t *testing.T) {
	_, err := ParseTree("no json payload here")
	assert.Error(t, err)
}

func TestParseArrayTruncated(t *testing.T) {
	var reports []overlapReport
	err := ParseArray(`[{"a":"x","b":"y","score":50},{"a":"x","b":"z","sco`, &reports)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Equal(t, "x", reports[0].A)
	assert.Equal(t, 50, reports[0].Score)
}

func TestScoreHealthLeafComponents(t *testing.T) {
	leaf := &Node{
		ID: "a", Name: "A", Type: TypeLeaf, Visibility: VisibilityPublic,
		Desc: strings.Repeat("x", 250),
		Analysis: &Analysis{
			Redundancy: Redundancy{Score: 20},
			Conflicts:  []Conflict{{Severity: "medium"}},
		},
	}
	// 0.30*85 + 0.25*80 + 0.25*92 + 0.20*100 = 88.5
	assert.Equal(t, 88, leafHealth(leaf))

	bare := &Node{ID: "b", Name: "B", Type: TypeLeaf, Visibility: VisibilityPublic}
	// 0.30*30 + 0.25*100 + 0.25*100 + 0.20*80 = 75
	assert.Equal(t, 75, leafHealth(bare))
}

func TestScoreHealthAveragesUpward(t *testing.T) {
	root := &Node{
		ID: "org", Name: "Org", Type: TypeRoot, Visibility: VisibilityPublic,
		Children: []*Node{{
			ID: "cat", Name: "Cat", Type: TypeCat, Visibility: VisibilityPublic,
			Children: []*Node{
				{ID: "a", Name: "A", Type: TypeLeaf, Visibility: VisibilityPublic,
					Desc: strings.Repeat("x", 250),
					Analysis: &Analysis{
						Redundancy: Redundancy{Score: 20},
						Conflicts:  []Conflict{{Severity: "medium"}},
					}},
				{ID: "b", Name: "B", Type: TypeLeaf, Visibility: VisibilityPublic},
			},
		}},
	}
	ScoreHealth(root)
	assert.Equal(t, 88, root.Children[0].Children[0].Health)
	assert.Equal(t, 75, root.Children[0].Children[1].Health)
	assert.Equal(t, 81, root.Children[0].Health)
	assert.Equal(t, 81, root.Health)

	// Same inputs, same scores.
	ScoreHealth(root)
	assert.Equal(t, 81, root.Health)
}

func TestContentScoreTiers(t *testing.T) {
	assert.Equal(t, 30, contentScore(strings.Repeat("x", 30)))
	assert.Equal(t, 50, contentScore(strings.Repeat("x", 31)))
	assert.Equal(t, 70, contentScore(strings.Repeat("x", 101)))
	assert.Equal(t, 85, contentScore(strings.Repeat("x", 201)))
	assert.Equal(t, 100, contentScore(strings.Repeat("x", 501)))
}

func TestSeverityPenalty(t *testing.T) {
	assert.Equal(t, 15, severityPenalty("high"))
	assert.Equal(t, 8, severityPenalty("medium"))
	assert.Equal(t, 3, severityPenalty("low"))
	assert.Equal(t, 3, severityPenalty("unknown"))
}

func TestDeepCopyIsDetached(t *testing.T) {
	root := &Node{ID: "org", Type: TypeRoot, Children: []*Node{
		{ID: "a", Type: TypeLeaf, Desc: "original"},
	}}
	copied, err := DeepCopy(root)
	require.NoError(t, err)
	copied.Children[0].Desc = "mutated"
	assert.Equal(t, "original", root.Children[0].Desc)
}
