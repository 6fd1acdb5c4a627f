package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/logging"
)

// Store is the persistence facade. Every method acquires a pooled connection,
// performs minimal work, and releases it; no connection is ever held across
// an LLM call.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New connects the facade to the database.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("store"),
	}, nil
}

// NewWithPool wraps an existing pool; used by tests.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logging.NewComponentLogger("store")}
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates every table the facade reads and writes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	const query = `
CREATE TABLE IF NOT EXISTS extraction_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    org_id TEXT NOT NULL DEFAULT '',
    workspace TEXT NOT NULL,
    cutoff TIMESTAMPTZ,
    counters JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS extracted_sql (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES extraction_runs(id) ON DELETE CASCADE,
    org_id TEXT NOT NULL DEFAULT '',
    notebook_path TEXT NOT NULL,
    notebook_name TEXT NOT NULL,
    language TEXT NOT NULL,
    cell_index INT NOT NULL,
    file_type TEXT NOT NULL DEFAULT '',
    cleaned_sql TEXT NOT NULL,
    sql_hash CHAR(64) NOT NULL,
    is_valid BOOLEAN NOT NULL,
    snippet TEXT NOT NULL DEFAULT '',
    hint TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_extracted_sql_run ON extracted_sql (run_id);
CREATE INDEX IF NOT EXISTS idx_extracted_sql_hash ON extracted_sql (run_id, sql_hash);

CREATE TABLE IF NOT EXISTS notebook_metadata (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES extraction_runs(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    language TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ,
    modified_at TIMESTAMPTZ,
    content_present BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL,
    job_ids TEXT NOT NULL DEFAULT '',
    job_name TEXT NOT NULL DEFAULT '',
    consecutive_success INT NOT NULL DEFAULT 0,
    earliest_run_date TIMESTAMPTZ,
    job_trigger TEXT,
    has_jobs BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_notebook_metadata_run ON notebook_metadata (run_id);

CREATE TABLE IF NOT EXISTS analysis_runs (
    id TEXT PRIMARY KEY,
    extraction_run_id TEXT NOT NULL REFERENCES extraction_runs(id) ON DELETE CASCADE,
    org_id TEXT NOT NULL DEFAULT '',
    version INT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    counters JSONB,
    clusters JSONB,
    filters JSONB,
    fingerprints JSONB,
    literal_values JSONB,
    alias_frequency JSONB,
    total_weight INT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    UNIQUE (extraction_run_id, org_id, version)
);

CREATE TABLE IF NOT EXISTS config_extraction_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    org_id TEXT NOT NULL DEFAULT '',
    host TEXT NOT NULL,
    counters JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    call_log JSONB,
    objects JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS config_analysis_runs (
    id TEXT PRIMARY KEY,
    extraction_run_id TEXT NOT NULL REFERENCES config_extraction_runs(id) ON DELETE CASCADE,
    org_id TEXT NOT NULL DEFAULT '',
    version INT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    analysis JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    UNIQUE (extraction_run_id, org_id, version)
);

-- context_docs reference analysis runs by source_run_id without a foreign
-- key so promoted docs can outlive their generating run; the facade performs
-- explicit deletes for the rest.
CREATE TABLE IF NOT EXISTS context_docs (
    id BIGSERIAL PRIMARY KEY,
    source_type TEXT NOT NULL,
    source_run_id TEXT NOT NULL,
    org_id TEXT NOT NULL DEFAULT '',
    doc_key TEXT NOT NULL,
    doc_name TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    payload JSONB,
    token_count INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    promoted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_docs_org ON context_docs (org_id, status);
CREATE INDEX IF NOT EXISTS idx_context_docs_source ON context_docs (source_run_id);

CREATE TABLE IF NOT EXISTS context_tree_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    org_id TEXT NOT NULL DEFAULT '',
    input_source TEXT NOT NULL DEFAULT '',
    tree_data JSONB,
    model TEXT NOT NULL DEFAULT '',
    token_usage JSONB,
    progress JSONB NOT NULL DEFAULT '[]'::jsonb,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS chat_conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    org_id TEXT NOT NULL DEFAULT '',
    messages JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.pool.Exec(ctx, query)
	return err
}
