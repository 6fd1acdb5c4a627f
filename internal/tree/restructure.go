package tree

import (
	"context"
	"encoding/json"
	"fmt"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

const restructurePrompt = `You restructure part of an organization's context tree.
Given the selected nodes, an abbreviated view of the whole tree, and the
user's instruction, output a single JSON object, no code fences and no
prose: {"before": "<one-line summary of the current shape>",
"after": "<one-line summary of the proposed shape>",
"nodes": [<replacement nodes in the same node schema>]}.
Preserve every leaf's desc, source, source_doc_key, secretRefs and analysis
unchanged; only structure, grouping and names may change. Never reuse the id
of a node you removed for a different node.`

// treeContextChars bounds the abbreviated whole-tree context.
const treeContextChars = 5000

// Proposal is one restructure suggestion with its health delta. It is not
// applied until the caller explicitly accepts it.
type Proposal struct {
	Before       string  `json:"before"`
	After        string  `json:"after"`
	Tree         *Node   `json:"tree"`
	HealthBefore int     `json:"health_before"`
	HealthAfter  int     `json:"health_after"`
	HealthDelta  int     `json:"health_delta"`
}

type restructureResponse struct {
	Before string  `json:"before"`
	After  string  `json:"after"`
	Nodes  []*Node `json:"nodes"`
}

// Proposer builds restructure proposals over one LLM client.
type Proposer struct {
	client llm.Client
	logger logging.Logger
}

// NewProposer constructs a proposer.
func NewProposer(client llm.Client, logger logging.Logger) *Proposer {
	return &Proposer{client: client, logger: logging.OrNop(logger)}
}

// Propose computes current whole-tree health, asks the LLM to restructure
// the selected nodes per the instruction, and returns a deep-copied tree
// with the replacement applied plus the health before/after/delta.
func (p *Proposer) Propose(ctx context.Context, root *Node, nodeIDs []string, instruction string) (*Proposal, error) {
	ScoreHealth(root)
	healthBefore := root.Health

	var selected []*Node
	for _, id := range nodeIDs {
		if node := FindByID(root, id); node != nil {
			selected = append(selected, node)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("none of the selected node ids exist")
	}

	selectedJSON, err := json.Marshal(selected)
	if err != nil {
		return nil, err
	}
	treeJSON, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	abbreviated := string(treeJSON)
	if len(abbreviated) > treeContextChars {
		abbreviated = abbreviated[:treeContextChars]
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		System: restructurePrompt,
		Messages: []llm.Message{{
			Role: "user",
			Content: fmt.Sprintf("Instruction: %s\n\nSelected nodes:\n%s\n\nTree context (abbreviated):\n%s",
				instruction, selectedJSON, abbreviated),
		}},
		MaxTokens: 8000,
	})
	if err != nil {
		return nil, fmt.Errorf("restructure proposal: %w", err)
	}

	data, err := recoverJSON(resp.Content, '{')
	if err != nil {
		return nil, fmt.Errorf("restructure output unparseable: %w", err)
	}
	var parsed restructureResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode restructure response: %w", err)
	}
	if len(parsed.Nodes) == 0 {
		return nil, fmt.Errorf("restructure response carries no nodes")
	}

	// Work on a deep copy; the live tree is untouched until apply.
	copied, err := DeepCopy(root)
	if err != nil {
		return nil, err
	}
	parent := ParentOf(copied, nodeIDs[0])
	if parent == nil {
		parent = copied
	}
	removeNodes(copied, nodeIDs)
	parent.Children = append(parent.Children, parsed.Nodes...)
	Validate(copied)
	ScoreHealth(copied)

	return &Proposal{
		Before:       parsed.Before,
		After:        parsed.After,
		Tree:         copied,
		HealthBefore: healthBefore,
		HealthAfter:  copied.Health,
		HealthDelta:  copied.Health - healthBefore,
	}, nil
}

// DeepCopy clones a tree through JSON.
func DeepCopy(root *Node) (*Node, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	var copied Node
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

func removeNodes(root *Node, ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	Walk(root, func(node, _ *Node) {
		if len(node.Children) == 0 {
			return
		}
		kept := node.Children[:0]
		for _, child := range node.Children {
			if !drop[child.ID] {
				kept = append(kept, child)
			}
		}
		node.Children = kept
	})
}
