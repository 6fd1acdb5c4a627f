package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"atlas/internal/llm"
	"atlas/internal/sqlcorpus"
)

// FocusTopic is one LLM-suggested deep-dive subject.
type FocusTopic struct {
	Title       string   `json:"title"`
	Reason      string   `json:"reason"`
	Tables      []string `json:"tables"`
	KeyConcepts []string `json:"key_concepts"`
}

const focusAssessPrompt = `You review summaries of five SQL reference documents plus corpus highlights.
Suggest up to %d focus topics that deserve a dedicated deep-dive document:
areas with complex multi-table activity the core documents can only skim.
Reply with a JSON array only, no prose and no code fences. Each element:
{"title": "...", "reason": "...", "tables": ["..."], "key_concepts": ["..."]}
Reply with [] if nothing warrants a focus document.`

const focusDocPrompt = `Write a focused deep-dive reference for one topic of this organization's SQL
usage. Cover only the tables and concepts of the topic: their joins, filters,
aggregation patterns and representative queries from the payload. Write plain
markdown. Never invent tables, columns or values not present in the payload.`

// AssessFocusTopics asks for up to maxTopics focus subjects given the core
// doc summaries and corpus highlights.
func (a *Author) AssessFocusTopics(ctx context.Context, authored []AuthoredDoc, in AnalysisInput, maxTopics int) ([]FocusTopic, error) {
	highlights := map[string]any{
		"all_tables":           AllTables(in.Counters),
		"multi_table_clusters": clusterSummaries(sqlcorpus.MultiTableClusters(in.Clusters), 15),
		"enum_columns":         in.Counters.LiteralVals,
		"structural_flags":     in.Counters.Flags,
	}
	highlightJSON, err := json.Marshal(highlights)
	if err != nil {
		return nil, err
	}

	var summaries strings.Builder
	for _, doc := range authored {
		fmt.Fprintf(&summaries, "%s: %s\n", doc.DocKey, firstLines(doc.Content, 3))
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System: fmt.Sprintf(focusAssessPrompt, maxTopics),
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Document summaries:\n%s\nCorpus highlights:\n%s", summaries.String(), highlightJSON),
		}},
		MaxTokens: 1500,
	})
	if err != nil {
		return nil, fmt.Errorf("focus assessment: %w", err)
	}

	topics, err := parseTopics(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("focus assessment returned unparseable JSON: %w", err)
	}
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	return topics, nil
}

func parseTopics(raw string) ([]FocusTopic, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var topics []FocusTopic
	if err := json.Unmarshal([]byte(cleaned), &topics); err == nil {
		return topics, nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &topics); err != nil {
		return nil, err
	}
	return topics, nil
}

// FocusInput restricts the corpus to a topic's tables, expanded to every
// cluster intersecting them.
func FocusInput(in AnalysisInput, topic FocusTopic) AnalysisInput {
	tables := make(map[string]bool, len(topic.Tables))
	for _, t := range topic.Tables {
		tables[t] = true
	}
	// Clusters touching any topic table pull their whole table set in.
	for _, cluster := range in.Clusters {
		touches := false
		for _, t := range cluster.Tables {
			if tables[t] {
				touches = true
				break
			}
		}
		if touches {
			for _, t := range cluster.Tables {
				tables[t] = true
			}
		}
	}

	var fps []sqlcorpus.Fingerprint
	for _, fp := range in.Fingerprints {
		for _, t := range fp.Tables {
			if tables[t] {
				fps = append(fps, fp)
				break
			}
		}
	}
	var clusters []sqlcorpus.Cluster
	for _, cluster := range in.Clusters {
		for _, t := range cluster.Tables {
			if tables[t] {
				clusters = append(clusters, cluster)
				break
			}
		}
	}
	var filters []sqlcorpus.ClassifiedFilter
	for _, filter := range in.Filters {
		for t := range filter.TablePcts {
			if tables[t] {
				filters = append(filters, filter)
				break
			}
		}
	}

	return AnalysisInput{
		Dialect:      in.Dialect,
		Fingerprints: fps,
		Counters:     sqlcorpus.Count(fps),
		Clusters:     clusters,
		Filters:      filters,
	}
}

// AuthorFocusDocs assesses topics and authors one focus doc per topic,
// numbered 06 upward. Per-topic failures are skipped.
func (a *Author) AuthorFocusDocs(ctx context.Context, authored []AuthoredDoc, in AnalysisInput, maxTopics, budget int) []AuthoredDoc {
	topics, err := a.AssessFocusTopics(ctx, authored, in, maxTopics)
	if err != nil {
		a.logger.Error("focus assessment failed: %v", err)
		return nil
	}

	var out []AuthoredDoc
	for i, topic := range topics {
		if ctx.Err() != nil {
			return out
		}
		slot := Slot{
			Key:    fmt.Sprintf("%02d_FOCUS_%s", 6+i, slugify(topic.Title)),
			Name:   topic.Title,
			Budget: budget,
		}
		focused := FocusInput(in, topic)
		payload := a.builder.Build(KeyPatterns, focused)
		payload.DocKey = slot.Key
		payload.Sections["focus_topic"] = topic

		doc, err := a.authorFocusDoc(ctx, slot, payload, focused)
		if err != nil {
			a.logger.Error("focus doc %s failed: %v", slot.Key, err)
			continue
		}
		out = append(out, *doc)
	}
	return out
}

func (a *Author) authorFocusDoc(ctx context.Context, slot Slot, payload Payload, in AnalysisInput) (*AuthoredDoc, error) {
	serialized, err := a.builder.Serialize(payload, true)
	if err != nil {
		return nil, err
	}
	auditPayload, err := a.builder.Serialize(payload, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Complete(ctx, llm.Request{
		System: focusDocPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Focus document: %s\nPayload:\n%s", slot.Name, serialized),
		}},
		MaxTokens: slot.Budget,
	})
	if err != nil {
		return nil, err
	}
	return &AuthoredDoc{
		DocKey:       slot.Key,
		DocName:      slot.Name,
		Content:      resp.Content,
		SystemPrompt: focusDocPrompt,
		Payload:      auditPayload,
		TokenCount:   CountTokens(resp.Content),
		Model:        a.client.Model(),
	}, nil
}

func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(title) {
		switch {
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

func firstLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " ")
}
