package docs

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

// AuthoredDoc is one completed document plus its audit trail.
type AuthoredDoc struct {
	DocKey       string
	DocName      string
	Content      string
	SystemPrompt string
	Payload      string
	TokenCount   int
	Model        string
	Warnings     []string
}

// Author drives per-slot document generation.
type Author struct {
	client  llm.Client
	builder *Builder
	logger  logging.Logger
}

// NewAuthor builds an author over one LLM client.
func NewAuthor(client llm.Client, builder *Builder, logger logging.Logger) *Author {
	return &Author{client: client, builder: builder, logger: logging.OrNop(logger)}
}

// slotPrompts are the per-slot instructions appended to the shared preamble.
var slotPrompts = map[string]string{
	KeyMaster: `Write the master reference for this organization's SQL dialect.
Cover: which dialect is in use, the structural features that actually appear
(CTEs, windows, unions, subqueries), typical LIMIT usage, typical select
widths, and the function vocabulary. State rules as observed conventions.`,
	KeySchema: `Write the schema registry. For every table in the payload list
its observed columns, the join paths between tables with their ON conditions,
and the alias conventions in use. Organize by table, heaviest first.`,
	KeyBusiness: `Write the business-semantics guide. Cover: columns that act
as enumerations and their observed values, the aggregations that serve as
KPIs, the dimensions used for grouping, recurring CASE WHEN logic, and the
natural-language phrasings paired with their SQL.`,
	KeyFilters: `Write the standard-filters guide. Present mandatory filters
(apply always), table-default filters (apply when the table is queried),
common filters, and date filters. Give each as the exact SQL condition.`,
	KeyPatterns: `Write the query-patterns guide. For each query cluster give
a short name, its tables, a representative query and the complex variant.
Include the structural exemplars and natural-language/SQL pairs as reusable
templates.`,
}

// Preamble is the shared system-prompt header describing the five slots and
// their boundaries, with the corpus's most frequent columns as canonical
// terminology.
func Preamble(topColumns []string) string {
	var b strings.Builder
	b.WriteString(`You are writing one of five reference documents about an organization's SQL usage.
The five documents and their boundaries:
- 01_MASTER: dialect and structural rules only. No schema detail.
- 02_SCHEMA: tables, columns, joins, aliases only. No business meaning.
- 03_BUSINESS: enums, KPIs, dimensions, CASE patterns. No raw statistics.
- 04_FILTERS: classified WHERE conditions only.
- 05_PATTERNS: query templates and exemplars only.
Stay inside your document's boundary; other documents cover the rest.
Write plain markdown. Never invent tables, columns or values not present in
the payload.`)
	if len(topColumns) > 0 {
		b.WriteString("\n\nCanonical terminology, most frequent columns first: ")
		b.WriteString(strings.Join(topColumns, ", "))
	}
	return b.String()
}

// AuthorDoc generates one document. appendix, when non-empty, is attached to
// the system prompt (used for corrective re-authoring).
func (a *Author) AuthorDoc(ctx context.Context, slot Slot, payload Payload, topColumns []string, appendix string) (*AuthoredDoc, error) {
	serialized, err := a.builder.Serialize(payload, true)
	if err != nil {
		return nil, err
	}
	auditPayload, err := a.builder.Serialize(payload, false)
	if err != nil {
		return nil, err
	}

	system := Preamble(topColumns) + "\n\n" + slotPrompts[slot.Key]
	if appendix != "" {
		system += "\n\n" + appendix
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Document slot: %s (%s)\nAnalysis payload:\n%s", slot.Key, slot.Name, serialized),
		}},
		MaxTokens: slot.Budget,
	})
	if err != nil {
		return nil, fmt.Errorf("author %s: %w", slot.Key, err)
	}
	if resp.Truncated {
		a.logger.Warn("doc %s hit its token budget (%d)", slot.Key, slot.Budget)
	}

	return &AuthoredDoc{
		DocKey:       slot.Key,
		DocName:      slot.Name,
		Content:      resp.Content,
		SystemPrompt: system,
		Payload:      auditPayload,
		TokenCount:   CountTokens(resp.Content),
		Model:        a.client.Model(),
	}, nil
}

// AuthorAll generates every slot sequentially. A failed doc is logged and
// skipped; it never aborts the run.
func (a *Author) AuthorAll(ctx context.Context, slots []Slot, in AnalysisInput, progress func(done, total int)) []AuthoredDoc {
	topColumns := TopColumns(in.Counters, 25)
	var out []AuthoredDoc
	for i, slot := range slots {
		if progress != nil {
			progress(i, len(slots))
		}
		if ctx.Err() != nil {
			return out
		}
		doc, err := a.AuthorDoc(ctx, slot, a.builder.Build(slot.Key, in), topColumns, "")
		if err != nil {
			a.logger.Error("doc %s failed: %v", slot.Key, err)
			continue
		}
		out = append(out, *doc)
	}
	if progress != nil {
		progress(len(slots), len(slots))
	}
	return out
}

var tokenEncoder *tiktoken.Tiktoken

func init() {
	tokenEncoder, _ = tiktoken.GetEncoding("cl100k_base")
}

// CountTokens counts tokens with the cl100k encoding; falls back to a
// character heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if tokenEncoder == nil {
		return len(text) / 4
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}
