package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

// SanitizedDoc is one rewritten document returned by the sanitizer.
type SanitizedDoc struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Scope   string `json:"scope"`
}

// Sanitizer optionally rewrites collected content through an LLM with a
// user-configurable blueprint before it is attached to leaves.
type Sanitizer struct {
	client    llm.Client
	blueprint string
	tokenCap  int // total output budget across all documents
	logger    logging.Logger
}

// NewSanitizer builds a sanitizer; blueprint is the caller-supplied system
// prompt describing the target shape.
func NewSanitizer(client llm.Client, blueprint string, tokenCap int, logger logging.Logger) *Sanitizer {
	return &Sanitizer{client: client, blueprint: blueprint, tokenCap: tokenCap, logger: logging.OrNop(logger)}
}

// Sanitize rewrites all entries in one call. The per-document budget is the
// total budget divided by the document count. Output is parsed with the same
// truncation recovery as the tree builder, for arrays.
func (s *Sanitizer) Sanitize(ctx context.Context, entries []ContextEntry, cancel *llm.CancelEvent) ([]SanitizedDoc, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	perDoc := s.tokenCap / len(entries)
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	system := s.blueprint + fmt.Sprintf(`

Output a JSON array only, no code fences and no prose. One element per input
document: {"name": "...", "content": "...", "scope": "..."}. Keep each
content under roughly %d tokens.`, perDoc)

	var output strings.Builder
	resp, err := s.client.Stream(ctx, llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: string(payload)}},
		MaxTokens: s.tokenCap,
	}, cancel, func(ev llm.StreamEvent) error {
		if ev.Type == llm.EventChunk {
			output.WriteString(ev.Delta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}
	if resp.StopReason == llm.StopReasonCancelled {
		return nil, context.Canceled
	}

	var docs []SanitizedDoc
	if err := ParseArray(output.String(), &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// AttachSanitized attaches sanitized content to leaves by case-insensitive
// name match, falling back to the original entry content when no sanitized
// match exists. Returns per-leaf provenance: true means sanitized content.
func AttachSanitized(root *Node, entries []ContextEntry, sanitized []SanitizedDoc) map[string]bool {
	byName := make(map[string]*SanitizedDoc)
	for i := range sanitized {
		byName[strings.ToLower(sanitized[i].Name)] = &sanitized[i]
	}

	AttachContent(root, entries)

	provenance := make(map[string]bool)
	Walk(root, func(node, _ *Node) {
		if !node.IsLeaf() {
			return
		}
		if doc, ok := byName[strings.ToLower(node.Name)]; ok && strings.TrimSpace(doc.Content) != "" {
			node.Desc = doc.Content
			provenance[node.ID] = true
			return
		}
		provenance[node.ID] = false
	})
	return provenance
}
