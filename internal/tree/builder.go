package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

const builderPrompt = `You organize an organization's context documents into one hierarchy.
Output a single JSON object, plain JSON with no code fences and no prose.
The root node is {"id":"organization_context","name":"Organization Context","type":"root","children":[...]}.
Group leaves under category nodes ("type":"cat") by business domain.
Every node needs: id (stable snake_case), name, type (root|cat|leaf),
health (0), visibility ("public").
Every leaf additionally needs: desc (a short SUMMARY you write, not the
original text), source, source_doc_key (copied from the input entry),
secretRefs (empty array), analysis ({"redundancy":{"score":0},"conflicts":[],"suggestions":[]}).
Every category additionally needs: children, secrets (empty array).`

// Builder asks the LLM to hierarchize collected entries and rehydrates the
// result with faithful content.
type Builder struct {
	client llm.Client
	logger logging.Logger
}

// NewBuilder constructs a tree builder over one LLM client.
func NewBuilder(client llm.Client, logger logging.Logger) *Builder {
	return &Builder{client: client, logger: logging.OrNop(logger)}
}

// Build sends all entries in one request and parses the returned tree with
// truncation recovery. cancel aborts between streamed chunks.
func (b *Builder) Build(ctx context.Context, entries []ContextEntry, cancel *llm.CancelEvent) (*Node, *llm.Usage, error) {
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no context entries to organize")
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, err
	}

	var output strings.Builder
	resp, err := b.client.Stream(ctx, llm.Request{
		System:    builderPrompt,
		Messages:  []llm.Message{{Role: "user", Content: string(payload)}},
		MaxTokens: 16000,
	}, cancel, func(ev llm.StreamEvent) error {
		if ev.Type == llm.EventChunk {
			output.WriteString(ev.Delta)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tree build: %w", err)
	}
	if resp.StopReason == llm.StopReasonCancelled {
		return nil, &resp.Usage, context.Canceled
	}
	if resp.Truncated {
		b.logger.Warn("tree output truncated at max tokens, recovering")
	}

	root, err := ParseTree(output.String())
	if err != nil {
		return nil, &resp.Usage, err
	}
	AttachContent(root, entries)
	return root, &resp.Usage, nil
}

// AttachContent replaces each leaf's LLM-written summary with the original
// source content, looked up by source_doc_key then by case-insensitive
// name. Leaves with no match keep the summary.
func AttachContent(root *Node, entries []ContextEntry) {
	byKey := make(map[string]*ContextEntry)
	byName := make(map[string]*ContextEntry)
	for i := range entries {
		if entries[i].SourceDocKey != "" {
			byKey[entries[i].SourceDocKey] = &entries[i]
		}
		byName[strings.ToLower(entries[i].Name)] = &entries[i]
	}

	Walk(root, func(node, _ *Node) {
		if !node.IsLeaf() {
			return
		}
		entry := byKey[node.SourceDocKey]
		if entry == nil {
			entry = byName[strings.ToLower(node.Name)]
		}
		if entry == nil {
			return
		}
		node.Desc = entry.Content
		if node.Source == "" {
			node.Source = entry.Source
		}
		if node.SourceDocKey == "" {
			node.SourceDocKey = entry.SourceDocKey
		}
	})
}
