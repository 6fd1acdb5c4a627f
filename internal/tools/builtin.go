package tools

import (
	"context"
	"fmt"
	"strings"

	"atlas/internal/store"
)

// Dep keys under which RegisterBuiltin expects process services.
const (
	DepStore = "store"
)

func storeFrom(tc ToolContext) (*store.Store, error) {
	s, ok := tc.Deps[DepStore].(*store.Store)
	if !ok || s == nil {
		return nil, fmt.Errorf("persistence facade unavailable")
	}
	return s, nil
}

// RegisterBuiltin installs the read-only tools the chat assistant uses to
// answer questions about runs and documents.
func RegisterBuiltin(r *Registry) error {
	builtins := []Tool{
		{
			Name:        "list_extraction_runs",
			Description: "List recent SQL corpus extraction runs with their status and counters.",
			Module:      "sql_corpus",
			Annotations: map[string]string{"display": "Listing extraction runs"},
			Params: []Param{
				{Name: "limit", Type: "integer", Description: "Maximum runs to return, default 10"},
			},
			Handler: listExtractionRuns,
		},
		{
			Name:        "list_context_docs",
			Description: "List the active context documents of the caller's organization.",
			Module:      "docs",
			Annotations: map[string]string{"display": "Listing context documents"},
			Params: []Param{
				{Name: "source_type", Type: "string", Description: "Document source",
					Enum: []string{store.SourceDatabricks, store.SourceConfigAPIs}},
			},
			Handler: listContextDocs,
		},
		{
			Name:        "read_context_doc",
			Description: "Read the full content of one active context document by its doc key.",
			Module:      "docs",
			Annotations: map[string]string{"display": "Reading context document"},
			Params: []Param{
				{Name: "doc_key", Type: "string", Description: "Document slot key, e.g. 01_MASTER", Required: true},
				{Name: "source_type", Type: "string", Description: "Document source",
					Enum: []string{store.SourceDatabricks, store.SourceConfigAPIs}},
			},
			Handler: readContextDoc,
		},
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func listExtractionRuns(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
	s, err := storeFrom(tc)
	if err != nil {
		return "", err
	}
	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	runs, err := s.ListExtractionRuns(ctx, tc.OrgID, limit)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "No extraction runs found.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d extraction runs:\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "- %s workspace=%s status=%s discovered=%d valid=%d started=%s\n",
			run.ID, run.Workspace, run.Status, run.Counters.Discovered, run.Counters.Valid,
			run.StartedAt.Format("2006-01-02 15:04"))
	}
	return b.String(), nil
}

func sourceTypeArg(args map[string]any) string {
	if v, ok := args["source_type"].(string); ok && v != "" {
		return v
	}
	return store.SourceDatabricks
}

func listContextDocs(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
	s, err := storeFrom(tc)
	if err != nil {
		return "", err
	}
	docs, err := s.ListActiveDocs(ctx, tc.OrgID, sourceTypeArg(args))
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No active context documents.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active documents:\n", len(docs))
	for _, doc := range docs {
		fmt.Fprintf(&b, "- %s %q (%d tokens, created %s)\n",
			doc.DocKey, doc.DocName, doc.TokenCount, doc.CreatedAt.Format("2006-01-02"))
	}
	return b.String(), nil
}

func readContextDoc(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
	s, err := storeFrom(tc)
	if err != nil {
		return "", err
	}
	docKey, _ := args["doc_key"].(string)
	if docKey == "" {
		return "", fmt.Errorf("doc_key is required")
	}
	docs, err := s.ListActiveDocs(ctx, tc.OrgID, sourceTypeArg(args))
	if err != nil {
		return "", err
	}
	for _, doc := range docs {
		if strings.EqualFold(doc.DocKey, docKey) {
			return doc.DocName + "\n\n" + doc.Content, nil
		}
	}
	return "", fmt.Errorf("no active document with key %q", docKey)
}
