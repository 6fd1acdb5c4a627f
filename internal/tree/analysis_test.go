package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/llm"
)

func analysisTree(leaves ...*Node) *Node {
	cat := &Node{ID: "docs", Name: "Docs", Type: TypeCat, Visibility: VisibilityPublic, Children: leaves}
	return &Node{ID: "org", Name: "Org", Type: TypeRoot, Children: []*Node{cat}}
}

func leafNode(id, desc string) *Node {
	return &Node{ID: id, Name: id, Type: TypeLeaf, Visibility: VisibilityPublic, Desc: desc}
}

func TestRedundancyDetectApplies(t *testing.T) {
	root := analysisTree(
		leafNode("a", "orders are shipped in two days"),
		leafNode("b", "shipping takes two days for orders"),
		leafNode("c", "unrelated billing notes"),
	)
	mock := llm.NewMockClient(llm.Response{
		Content: "some preamble the model should not have written\n" +
			`{"a":"a","b":"b","score":55,"detail":"same shipping facts"}` + "\n" +
			`{"a":"a","b":"c","score":35,"detail":"weak"}` + "\n" +
			"{broken json line",
		StopReason: llm.StopReasonEnd,
	})
	d := NewRedundancyDetector(mock, nil)
	require.NoError(t, d.Detect(context.Background(), root))

	a := FindByID(root, "a")
	require.NotNil(t, a.Analysis)
	assert.Equal(t, 55, a.Analysis.Redundancy.Score)
	assert.Equal(t, []string{"b"}, a.Analysis.Redundancy.OverlapsWith)
	assert.Equal(t, "same shipping facts", a.Analysis.Redundancy.Detail)

	b := FindByID(root, "b")
	assert.Equal(t, 55, b.Analysis.Redundancy.Score)
	assert.Equal(t, []string{"a"}, b.Analysis.Redundancy.OverlapsWith)

	// Below the apply threshold: untouched.
	assert.Nil(t, FindByID(root, "c").Analysis)
}

func TestRedundancyDetectKeepsMaxScore(t *testing.T) {
	root := analysisTree(leafNode("a", "x"), leafNode("b", "y"), leafNode("c", "z"))
	mock := llm.NewMockClient(llm.Response{
		Content: `{"a":"a","b":"b","score":70,"detail":"strong"}` + "\n" +
			`{"a":"a","b":"c","score":45,"detail":"mild"}`,
		StopReason: llm.StopReasonEnd,
	})
	require.NoError(t, NewRedundancyDetector(mock, nil).Detect(context.Background(), root))

	a := FindByID(root, "a")
	assert.Equal(t, 70, a.Analysis.Redundancy.Score)
	assert.Equal(t, "strong", a.Analysis.Redundancy.Detail)
	assert.Equal(t, []string{"b", "c"}, a.Analysis.Redundancy.OverlapsWith)
}

func TestRedundancyDetectSingleLeafSkipsCall(t *testing.T) {
	root := analysisTree(leafNode("a", "alone"))
	mock := llm.NewMockClient()
	require.NoError(t, NewRedundancyDetector(mock, nil).Detect(context.Background(), root))
	assert.Empty(t, mock.Requests)
}

func TestRedundancyDetectBatchFailureIsSkipped(t *testing.T) {
	root := analysisTree(leafNode("a", "x"), leafNode("b", "y"))
	mock := llm.NewMockClient() // empty queue fails the call
	require.NoError(t, NewRedundancyDetector(mock, nil).Detect(context.Background(), root))
	assert.Nil(t, FindByID(root, "a").Analysis)
}

func TestBuildPairs(t *testing.T) {
	r1 := leafNode("r1", "discounts must never exceed 20%")
	r2 := leafNode("r2", "a plain description of the catalog")
	r3 := leafNode("r3", "discounts always apply after tax")
	cat1 := &Node{ID: "rules", Name: "Rules", Type: TypeCat, Children: []*Node{r1, r2}}
	cat2 := &Node{ID: "ops", Name: "Ops", Type: TypeCat, Children: []*Node{r3}}
	root := &Node{ID: "org", Type: TypeRoot, Children: []*Node{cat1, cat2}}

	pairs := buildPairs(root)
	require.Len(t, pairs, 2)
	// Within-category first, then cross-category rule-like leaves.
	assert.Equal(t, "r1", pairs[0].a.ID)
	assert.Equal(t, "r2", pairs[0].b.ID)
	assert.Equal(t, "r1", pairs[1].a.ID)
	assert.Equal(t, "r3", pairs[1].b.ID)
}

func TestHasRuleKeyword(t *testing.T) {
	assert.True(t, hasRuleKeyword("you MUST do this"))
	assert.True(t, hasRuleKeyword("the default is 5"))
	assert.False(t, hasRuleKeyword("a catalog of products"))
}

func TestConflictDetectMirrorsReports(t *testing.T) {
	r1 := leafNode("r1", "refunds must be issued within 30 days")
	r2 := leafNode("r2", "refunds must never be issued after 14 days")
	root := analysisTree(r1, r2)

	mock := llm.NewMockClient(llm.Response{
		Content: "NONE\n" +
			`{"pair":1,"severity":"High","description":"incompatible refund windows"}` + "\n" +
			`{"pair":99,"severity":"low","description":"out of range"}`,
		StopReason: llm.StopReasonEnd,
	})
	require.NoError(t, NewConflictDetector(mock, nil).Detect(context.Background(), root))

	require.NotNil(t, r1.Analysis)
	require.Len(t, r1.Analysis.Conflicts, 1)
	assert.Equal(t, Conflict{WithNode: "r2", Description: "incompatible refund windows", Severity: "high"}, r1.Analysis.Conflicts[0])

	require.Len(t, r2.Analysis.Conflicts, 1)
	assert.Equal(t, "r1", r2.Analysis.Conflicts[0].WithNode)
}

func TestConflictDetectNoPairsSkipsCall(t *testing.T) {
	root := analysisTree(leafNode("a", "alone"))
	mock := llm.NewMockClient()
	require.NoError(t, NewConflictDetector(mock, nil).Detect(context.Background(), root))
	assert.Empty(t, mock.Requests)
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, "high", normalizeSeverity(" HIGH "))
	assert.Equal(t, "medium", normalizeSeverity("Medium"))
	assert.Equal(t, "low", normalizeSeverity("low"))
	assert.Equal(t, "low", normalizeSeverity("catastrophic"))
}

func TestProposeReplacesSelectedNodes(t *testing.T) {
	root := analysisTree(
		leafNode("x", "keep me"),
		leafNode("y", "restructure me"),
	)
	mock := llm.NewMockClient(llm.Response{
		Content: `{"before":"one flat leaf","after":"one renamed leaf",` +
			`"nodes":[{"id":"y_renamed","name":"Y Renamed","type":"leaf","desc":"restructure me","visibility":"public"}]}`,
		StopReason: llm.StopReasonEnd,
	})
	p := NewProposer(mock, nil)
	proposal, err := p.Propose(context.Background(), root, []string{"y"}, "rename the second leaf")
	require.NoError(t, err)

	assert.Equal(t, "one flat leaf", proposal.Before)
	assert.Equal(t, "one renamed leaf", proposal.After)

	// The live tree is untouched; the proposal carries a copy.
	assert.NotNil(t, FindByID(root, "y"))
	assert.Nil(t, FindByID(proposal.Tree, "y"))
	replacement := FindByID(proposal.Tree, "y_renamed")
	require.NotNil(t, replacement)
	assert.Equal(t, "docs", ParentOf(proposal.Tree, "y_renamed").ID)

	assert.Equal(t, proposal.HealthAfter-proposal.HealthBefore, proposal.HealthDelta)
	assert.Equal(t, root.Health, proposal.HealthBefore)
}

func TestProposeUnknownIDs(t *testing.T) {
	root := analysisTree(leafNode("x", "content"))
	p := NewProposer(llm.NewMockClient(), nil)
	_, err := p.Propose(context.Background(), root, []string{"nope"}, "do something")
	assert.ErrorContains(t, err, "selected node ids")
}

func TestProposeEmptyNodes(t *testing.T) {
	root := analysisTree(leafNode("x", "content"))
	mock := llm.NewMockClient(llm.Response{
		Content:    `{"before":"a","after":"b","nodes":[]}`,
		StopReason: llm.StopReasonEnd,
	})
	_, err := NewProposer(mock, nil).Propose(context.Background(), root, []string{"x"}, "noop")
	assert.ErrorContains(t, err, "no nodes")
}
