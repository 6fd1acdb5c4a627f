package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CreateTreeRun persists a new context-tree run in status=running.
func (s *Store) CreateTreeRun(ctx context.Context, run *ContextTreeRun) error {
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()
	progress, err := json.Marshal(run.Progress)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO context_tree_runs (id, user_id, org_id, input_source, model, progress, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.UserID, run.OrgID, run.InputSource, run.Model, progress, run.Status, run.StartedAt)
	return err
}

// AppendTreeProgress appends one (phase, detail, status) triple to the
// run's ordered progress log.
func (s *Store) AppendTreeProgress(ctx context.Context, runID string, entry TreeProgressEntry) error {
	entry.At = time.Now().UTC()
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
UPDATE context_tree_runs SET progress = progress || $2::jsonb WHERE id = $1`, runID, blob)
	return err
}

// SaveTreeData writes the tree document and token usage on a running run.
func (s *Store) SaveTreeData(ctx context.Context, runID string, treeData, tokenUsage json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
UPDATE context_tree_runs SET tree_data = $2, token_usage = $3 WHERE id = $1`,
		runID, treeData, tokenUsage)
	return err
}

// FinishTreeRun writes terminal status.
func (s *Store) FinishTreeRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishTreeRun called with non-terminal status %s", status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE context_tree_runs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		runID, status, errMsg, time.Now().UTC())
	return err
}

// GetTreeRun loads one tree run.
func (s *Store) GetTreeRun(ctx context.Context, runID string) (*ContextTreeRun, error) {
	var run ContextTreeRun
	var progress []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, org_id, input_source, tree_data, model, token_usage, progress,
       status, error, started_at, completed_at
FROM context_tree_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.UserID, &run.OrgID, &run.InputSource, &run.TreeData, &run.Model,
		&run.TokenUsage, &progress, &run.Status, &run.Error, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &run.Progress); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
