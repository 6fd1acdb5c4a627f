package store

import (
	"context"
	"time"
)

// InsertContextDoc persists one authored document and supersedes any previous
// active doc occupying the same (org, source-type, doc-key) slot.
func (s *Store) InsertContextDoc(ctx context.Context, doc *ContextDoc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE context_docs SET status = 'superseded'
WHERE org_id = $1 AND source_type = $2 AND doc_key = $3 AND status = 'active'`,
		doc.OrgID, doc.SourceType, doc.DocKey); err != nil {
		return err
	}

	doc.Status = DocActive
	doc.CreatedAt = time.Now().UTC()
	if err := tx.QueryRow(ctx, `
INSERT INTO context_docs (source_type, source_run_id, org_id, doc_key, doc_name, content,
                          model, provider, system_prompt, payload, token_count, status, promoted, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`,
		doc.SourceType, doc.SourceRunID, doc.OrgID, doc.DocKey, doc.DocName, doc.Content,
		doc.Model, doc.Provider, doc.SystemPrompt, doc.Payload, doc.TokenCount,
		doc.Status, doc.Promoted, doc.CreatedAt).Scan(&doc.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateContextDocContent rewrites a doc after corrective re-authoring.
func (s *Store) UpdateContextDocContent(ctx context.Context, docID int64, content string, tokenCount int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE context_docs SET content = $2, token_count = $3 WHERE id = $1`, docID, content, tokenCount)
	return err
}

// PromoteContextDoc marks a doc as surviving deletion of its analysis run.
func (s *Store) PromoteContextDoc(ctx context.Context, docID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE context_docs SET promoted = TRUE WHERE id = $1`, docID)
	return err
}

// ListActiveDocs returns the active docs of an org for a source type, newest
// first.
func (s *Store) ListActiveDocs(ctx context.Context, orgID, sourceType string) ([]ContextDoc, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, source_type, source_run_id, org_id, doc_key, doc_name, content, model, provider,
       system_prompt, payload, token_count, status, promoted, created_at
FROM context_docs
WHERE org_id = $1 AND source_type = $2 AND status = 'active'
ORDER BY created_at DESC`, orgID, sourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContextDoc
	for rows.Next() {
		var d ContextDoc
		if err := rows.Scan(&d.ID, &d.SourceType, &d.SourceRunID, &d.OrgID, &d.DocKey, &d.DocName,
			&d.Content, &d.Model, &d.Provider, &d.SystemPrompt, &d.Payload, &d.TokenCount,
			&d.Status, &d.Promoted, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDocsBySourceRun returns every doc an analysis run authored.
func (s *Store) ListDocsBySourceRun(ctx context.Context, sourceRunID string) ([]ContextDoc, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, source_type, source_run_id, org_id, doc_key, doc_name, content, model, provider,
       system_prompt, payload, token_count, status, promoted, created_at
FROM context_docs WHERE source_run_id = $1 ORDER BY doc_key`, sourceRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContextDoc
	for rows.Next() {
		var d ContextDoc
		if err := rows.Scan(&d.ID, &d.SourceType, &d.SourceRunID, &d.OrgID, &d.DocKey, &d.DocName,
			&d.Content, &d.Model, &d.Provider, &d.SystemPrompt, &d.Payload, &d.TokenCount,
			&d.Status, &d.Promoted, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
