package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateExtractionRun persists a new run in status=running.
func (s *Store) CreateExtractionRun(ctx context.Context, run *ExtractionRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return err
	}
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
INSERT INTO extraction_runs (id, user_id, org_id, workspace, cutoff, counters, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.UserID, run.OrgID, run.Workspace, run.Cutoff, counters, run.Status, run.StartedAt)
	return err
}

// UpdateExtractionCounters writes the current counters of a running run.
func (s *Store) UpdateExtractionCounters(ctx context.Context, runID string, counters RunCounters) error {
	blob, err := json.Marshal(counters)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE extraction_runs SET counters = $2 WHERE id = $1`, runID, blob)
	return err
}

// FinishExtractionRun writes terminal status. completed_at is set iff the
// status is terminal.
func (s *Store) FinishExtractionRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishExtractionRun called with non-terminal status %s", status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE extraction_runs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		runID, status, errMsg, time.Now().UTC())
	return err
}

// GetExtractionRun loads one run.
func (s *Store) GetExtractionRun(ctx context.Context, runID string) (*ExtractionRun, error) {
	var run ExtractionRun
	var counters []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, org_id, workspace, cutoff, counters, status, error, started_at, completed_at
FROM extraction_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.UserID, &run.OrgID, &run.Workspace, &run.Cutoff,
		&counters, &run.Status, &run.Error, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListExtractionRuns enumerates runs for an org, newest first.
func (s *Store) ListExtractionRuns(ctx context.Context, orgID string, limit int) ([]*ExtractionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, org_id, workspace, cutoff, counters, status, error, started_at, completed_at
FROM extraction_runs WHERE org_id = $1 OR $1 = '' ORDER BY started_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExtractionRun
	for rows.Next() {
		var run ExtractionRun
		var counters []byte
		if err := rows.Scan(&run.ID, &run.UserID, &run.OrgID, &run.Workspace, &run.Cutoff,
			&counters, &run.Status, &run.Error, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// BulkInsertExtractedSQL inserts extracted rows keyed by the run id in one
// round trip.
func (s *Store) BulkInsertExtractedSQL(ctx context.Context, rows []ExtractedSQL) error {
	if len(rows) == 0 {
		return nil
	}
	src := make([][]any, 0, len(rows))
	for _, r := range rows {
		src = append(src, []any{
			r.RunID, r.OrgID, r.NotebookPath, r.NotebookName, r.Language, r.CellIndex,
			r.FileType, r.CleanedSQL, r.SQLHash, r.IsValid, r.Snippet, r.Hint,
		})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"extracted_sql"},
		[]string{"run_id", "org_id", "notebook_path", "notebook_name", "language", "cell_index",
			"file_type", "cleaned_sql", "sql_hash", "is_valid", "snippet", "hint"},
		pgx.CopyFromRows(src))
	return err
}

// ListValidSQL loads the valid statements of a run for one org.
func (s *Store) ListValidSQL(ctx context.Context, runID, orgID string) ([]ExtractedSQL, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, run_id, org_id, notebook_path, notebook_name, language, cell_index,
       file_type, cleaned_sql, sql_hash, is_valid, snippet, hint
FROM extracted_sql
WHERE run_id = $1 AND is_valid AND (org_id = $2 OR $2 = '')
ORDER BY id`, runID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExtractedSQL
	for rows.Next() {
		var r ExtractedSQL
		if err := rows.Scan(&r.ID, &r.RunID, &r.OrgID, &r.NotebookPath, &r.NotebookName,
			&r.Language, &r.CellIndex, &r.FileType, &r.CleanedSQL, &r.SQLHash,
			&r.IsValid, &r.Snippet, &r.Hint); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BulkInsertNotebookMetadata inserts the per-notebook crawl observations.
func (s *Store) BulkInsertNotebookMetadata(ctx context.Context, rows []NotebookMetadata) error {
	if len(rows) == 0 {
		return nil
	}
	src := make([][]any, 0, len(rows))
	for _, r := range rows {
		var trigger *string
		if r.JobTrigger != "" {
			t := string(r.JobTrigger)
			trigger = &t
		}
		src = append(src, []any{
			r.RunID, r.Path, r.Language, r.CreatedAt, r.ModifiedAt, r.ContentPresent,
			string(r.Status), r.JobIDs, r.JobName, r.ConsecutiveSuccess, r.EarliestRunDate,
			trigger, r.HasAssociatedJobs,
		})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"notebook_metadata"},
		[]string{"run_id", "path", "language", "created_at", "modified_at", "content_present",
			"status", "job_ids", "job_name", "consecutive_success", "earliest_run_date",
			"job_trigger", "has_jobs"},
		pgx.CopyFromRows(src))
	return err
}

// ListNotebookMetadata loads every observation of a run.
func (s *Store) ListNotebookMetadata(ctx context.Context, runID string) ([]NotebookMetadata, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, run_id, path, language, created_at, modified_at, content_present, status,
       job_ids, job_name, consecutive_success, earliest_run_date, job_trigger, has_jobs
FROM notebook_metadata WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotebookMetadata
	for rows.Next() {
		var r NotebookMetadata
		var trigger *string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Path, &r.Language, &r.CreatedAt, &r.ModifiedAt,
			&r.ContentPresent, &r.Status, &r.JobIDs, &r.JobName, &r.ConsecutiveSuccess,
			&r.EarliestRunDate, &trigger, &r.HasAssociatedJobs); err != nil {
			return nil, err
		}
		if trigger != nil {
			r.JobTrigger = TriggerType(*trigger)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateAnalysisRun allocates the next version for (extraction-run, org)
// atomically and persists the row in status=running.
func (s *Store) CreateAnalysisRun(ctx context.Context, run *AnalysisRun) error {
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()
	return s.pool.QueryRow(ctx, `
INSERT INTO analysis_runs (id, extraction_run_id, org_id, version, status, started_at)
VALUES ($1, $2, $3,
        (SELECT COALESCE(MAX(version), 0) + 1 FROM analysis_runs WHERE extraction_run_id = $2 AND org_id = $3),
        $4, $5)
RETURNING version`,
		run.ID, run.ExtractionRunID, run.OrgID, run.Status, run.StartedAt).Scan(&run.Version)
}

// SaveAnalysisResults writes the analysis artifacts on a running analysis.
func (s *Store) SaveAnalysisResults(ctx context.Context, run *AnalysisRun) error {
	_, err := s.pool.Exec(ctx, `
UPDATE analysis_runs
SET counters = $2, clusters = $3, filters = $4, fingerprints = $5,
    literal_values = $6, alias_frequency = $7, total_weight = $8
WHERE id = $1`,
		run.ID, run.Counters, run.Clusters, run.Filters, run.Fingerprints,
		run.LiteralValues, run.AliasFrequency, run.TotalWeight)
	return err
}

// FinishAnalysisRun writes terminal status on an analysis run.
func (s *Store) FinishAnalysisRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishAnalysisRun called with non-terminal status %s", status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE analysis_runs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		runID, status, errMsg, time.Now().UTC())
	return err
}

// GetAnalysisRun loads one analysis run.
func (s *Store) GetAnalysisRun(ctx context.Context, runID string) (*AnalysisRun, error) {
	var run AnalysisRun
	err := s.pool.QueryRow(ctx, `
SELECT id, extraction_run_id, org_id, version, status, error, counters, clusters,
       filters, fingerprints, literal_values, alias_frequency, total_weight,
       started_at, completed_at
FROM analysis_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.ExtractionRunID, &run.OrgID, &run.Version, &run.Status, &run.Error,
		&run.Counters, &run.Clusters, &run.Filters, &run.Fingerprints,
		&run.LiteralValues, &run.AliasFrequency, &run.TotalWeight,
		&run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteAnalysisRun removes an analysis run. Context docs referencing it by
// source_run_id have no foreign key, so non-promoted docs are deleted
// explicitly first.
func (s *Store) DeleteAnalysisRun(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM context_docs WHERE source_run_id = $1 AND NOT promoted`, runID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM analysis_runs WHERE id = $1`, runID)
	return err
}

// CreateConfigExtractionRun persists a new config run in status=running.
func (s *Store) CreateConfigExtractionRun(ctx context.Context, run *ConfigExtractionRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return err
	}
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
INSERT INTO config_extraction_runs (id, user_id, org_id, host, counters, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.UserID, run.OrgID, run.Host, counters, run.Status, run.StartedAt)
	return err
}

// FinishConfigExtractionRun writes terminal status plus the call log and
// final counters.
func (s *Store) FinishConfigExtractionRun(ctx context.Context, run *ConfigExtractionRun, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishConfigExtractionRun called with non-terminal status %s", status)
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
UPDATE config_extraction_runs
SET status = $2, error = $3, counters = $4, call_log = $5, completed_at = $6
WHERE id = $1`,
		run.ID, status, errMsg, counters, run.CallLog, time.Now().UTC())
	return err
}

// SaveConfigObjects writes the fetched configuration objects on a running
// config run.
func (s *Store) SaveConfigObjects(ctx context.Context, runID string, objects json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `UPDATE config_extraction_runs SET objects = $2 WHERE id = $1`, runID, objects)
	return err
}

// LoadConfigObjects reads back the objects a config run fetched.
func (s *Store) LoadConfigObjects(ctx context.Context, runID string) (json.RawMessage, error) {
	var objects json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT objects FROM config_extraction_runs WHERE id = $1`, runID).Scan(&objects)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("config run %s has no stored objects", runID)
	}
	return objects, nil
}

// GetConfigExtractionRun loads one config run.
func (s *Store) GetConfigExtractionRun(ctx context.Context, runID string) (*ConfigExtractionRun, error) {
	var run ConfigExtractionRun
	var counters []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, org_id, host, counters, status, error, call_log, started_at, completed_at
FROM config_extraction_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.UserID, &run.OrgID, &run.Host, &counters, &run.Status, &run.Error,
		&run.CallLog, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(counters, &run.Counters); err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateConfigAnalysisRun allocates the next version atomically.
func (s *Store) CreateConfigAnalysisRun(ctx context.Context, run *ConfigAnalysisRun) error {
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()
	return s.pool.QueryRow(ctx, `
INSERT INTO config_analysis_runs (id, extraction_run_id, org_id, version, status, started_at)
VALUES ($1, $2, $3,
        (SELECT COALESCE(MAX(version), 0) + 1 FROM config_analysis_runs WHERE extraction_run_id = $2 AND org_id = $3),
        $4, $5)
RETURNING version`,
		run.ID, run.ExtractionRunID, run.OrgID, run.Status, run.StartedAt).Scan(&run.Version)
}

// SaveConfigAnalysis writes the analysis document.
func (s *Store) SaveConfigAnalysis(ctx context.Context, runID string, analysis json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `UPDATE config_analysis_runs SET analysis = $2 WHERE id = $1`, runID, analysis)
	return err
}

// GetConfigAnalysisRun loads one config analysis run.
func (s *Store) GetConfigAnalysisRun(ctx context.Context, runID string) (*ConfigAnalysisRun, error) {
	var run ConfigAnalysisRun
	err := s.pool.QueryRow(ctx, `
SELECT id, extraction_run_id, org_id, version, status, error, analysis, started_at, completed_at
FROM config_analysis_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.ExtractionRunID, &run.OrgID, &run.Version, &run.Status, &run.Error,
		&run.Analysis, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishConfigAnalysisRun writes terminal status.
func (s *Store) FinishConfigAnalysisRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishConfigAnalysisRun called with non-terminal status %s", status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE config_analysis_runs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		runID, status, errMsg, time.Now().UTC())
	return err
}
