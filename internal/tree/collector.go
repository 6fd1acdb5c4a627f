package tree

import (
	"context"
	"encoding/base64"
	"strings"

	"atlas/internal/logging"
	"atlas/internal/store"
	"atlas/internal/wiki"
)

// ContextEntry is one collected document before tree construction.
type ContextEntry struct {
	Name         string `json:"name"`
	Content      string `json:"content"`
	Source       string `json:"source"` // databricks | config_apis | wiki
	SourceDocKey string `json:"source_doc_key,omitempty"`
}

// Provenance summarizes where the collected entries came from.
type Provenance struct {
	Generated int `json:"generated"`
	Wiki      int `json:"wiki"`
	Deduped   int `json:"deduped"`
	Empty     int `json:"empty"`
}

// DocLister is the slice of the persistence facade the collector needs.
type DocLister interface {
	ListActiveDocs(ctx context.Context, orgID, sourceType string) ([]store.ContextDoc, error)
}

// WikiLister fetches the live wiki entries.
type WikiLister interface {
	ListPages(ctx context.Context, spaceKey string) ([]wiki.Page, error)
}

// Collector gathers context documents from the generated stores and the
// wiki.
type Collector struct {
	docs     DocLister
	wiki     WikiLister
	spaceKey string
	logger   logging.Logger
}

// NewCollector builds a collector. wiki may be nil when no wiki is
// configured.
func NewCollector(docs DocLister, wikiClient WikiLister, spaceKey string, logger logging.Logger) *Collector {
	return &Collector{docs: docs, wiki: wikiClient, spaceKey: spaceKey, logger: logging.OrNop(logger)}
}

// Collect returns the union of generated docs (newest first, both source
// types) and live wiki entries. Wiki entries whose name matches a generated
// doc case-insensitively are dropped; generated content is richer. Entries
// with empty content are dropped.
func (c *Collector) Collect(ctx context.Context, orgID string) ([]ContextEntry, Provenance, error) {
	var entries []ContextEntry
	var prov Provenance
	generatedNames := map[string]bool{}

	for _, sourceType := range []string{store.SourceDatabricks, store.SourceConfigAPIs} {
		docs, err := c.docs.ListActiveDocs(ctx, orgID, sourceType)
		if err != nil {
			return nil, prov, err
		}
		for _, doc := range docs {
			content := decodeOpportunistic(doc.Content)
			if strings.TrimSpace(content) == "" {
				prov.Empty++
				continue
			}
			entries = append(entries, ContextEntry{
				Name:         doc.DocName,
				Content:      content,
				Source:       doc.SourceType,
				SourceDocKey: doc.DocKey,
			})
			generatedNames[strings.ToLower(doc.DocName)] = true
			prov.Generated++
		}
	}

	if c.wiki != nil {
		pages, err := c.wiki.ListPages(ctx, c.spaceKey)
		if err != nil {
			// The wiki is supplementary; its absence never fails collection.
			c.logger.Warn("wiki collection failed: %v", err)
		}
		for _, page := range pages {
			if generatedNames[strings.ToLower(page.Title)] {
				prov.Deduped++
				continue
			}
			content := decodeOpportunistic(page.Content)
			if strings.TrimSpace(content) == "" {
				prov.Empty++
				continue
			}
			entries = append(entries, ContextEntry{
				Name:    page.Title,
				Content: content,
				Source:  "wiki",
			})
			prov.Wiki++
		}
	}
	return entries, prov, nil
}

// decodeOpportunistic base64-decodes content that looks encoded, keeping the
// original text otherwise.
func decodeOpportunistic(content string) string {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 16 || len(trimmed)%4 != 0 || strings.ContainsAny(trimmed, " \n\t{<#") {
		return content
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || !isPrintable(decoded) {
		return content
	}
	return string(decoded)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x09 || (c > 0x0d && c < 0x20) {
			return false
		}
	}
	return len(b) > 0
}
