package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path"
	"time"

	"atlas/internal/docs"
	"atlas/internal/ids"
	"atlas/internal/logging"
	"atlas/internal/metrics"
	"atlas/internal/notebook"
	"atlas/internal/sqlcorpus"
	"atlas/internal/sqlengine"
	"atlas/internal/store"
	"atlas/internal/transport"
	"atlas/internal/workspace"
)

// counterFlushEvery bounds how often running counters hit the database.
const counterFlushEvery = 25

// SQLExtractionParams starts one corpus extraction.
type SQLExtractionParams struct {
	UserID     string
	OrgID      string
	ClusterKey string
	RootPath   string
	Token      string
	Cutoff     *time.Time
}

// SQLPipeline orchestrates corpus extraction and analysis runs.
type SQLPipeline struct {
	deps   Deps
	logger logging.Logger
}

// NewSQLPipeline builds the orchestrator.
func NewSQLPipeline(deps Deps) *SQLPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("sql-pipeline")
	}
	return &SQLPipeline{deps: deps, logger: logger}
}

// StartExtraction creates the run row and registers the background task.
// It returns the run id immediately; progress flows over the hub.
func (p *SQLPipeline) StartExtraction(ctx context.Context, params SQLExtractionParams) (string, error) {
	baseURL, err := p.deps.Config.WorkspaceURL(params.ClusterKey)
	if err != nil {
		return "", err
	}
	run := &store.ExtractionRun{
		ID:        ids.NewRunID(),
		UserID:    params.UserID,
		OrgID:     params.OrgID,
		Workspace: params.ClusterKey,
		Cutoff:    params.Cutoff,
	}
	if err := p.deps.Store.CreateExtractionRun(ctx, run); err != nil {
		return "", fmt.Errorf("create extraction run: %w", err)
	}

	metrics.RunsStarted.WithLabelValues(PipelineSQLExtraction).Inc()
	started := time.Now()
	err = p.deps.Tasks.Submit(context.Background(), TaskName(PipelineSQLExtraction, run.ID), params.UserID,
		func(taskCtx context.Context) error {
			runErr := p.runExtraction(taskCtx, run, params, baseURL)
			status, errMsg := outcome(taskCtx, runErr)
			finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.deps.Store.FinishExtractionRun(finishCtx, run.ID, status, errMsg); err != nil {
				p.logger.Error("finish extraction run %s: %v", run.ID, err)
			}
			observeRun(PipelineSQLExtraction, started, status)
			p.deps.Emitter.SendToUser(params.UserID, terminalEvent(PipelineSQLExtraction, run.ID, status, errMsg, transport.Message{
				"counters": run.Counters,
			}))
			return runErr
		})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (p *SQLPipeline) runExtraction(ctx context.Context, run *store.ExtractionRun, params SQLExtractionParams, baseURL string) error {
	client := workspace.NewClient(baseURL, params.Token, p.deps.Config.HTTPTimeout)
	crawler := workspace.NewCrawler(client, p.deps.Config.CrawlConcurrency, p.logger)

	progress := func(phase string, completed, total int, detail string) {
		p.deps.Emitter.SendToUser(params.UserID,
			transport.ProgressEvent(PipelineSQLExtraction, run.ID, phase, completed, total, detail, "running"))
	}

	// Phase 1: crawl.
	progress("crawl", 0, 0, "listing workspace tree")
	discovered, err := crawler.Crawl(ctx, params.RootPath, params.Cutoff, func(found, listed int) {
		progress("crawl", found, 0, fmt.Sprintf("%d directories listed", listed))
	})
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	run.Counters.Discovered = len(discovered)
	var retained []workspace.Discovered
	for _, d := range discovered {
		if d.Status == store.NotebookProcessed {
			retained = append(retained, d)
		} else {
			run.Counters.Skipped++
		}
	}
	run.Counters.APIFailures = len(crawler.Failures())
	p.flushCounters(ctx, run)

	// Phase 2: job association.
	progress("jobs", 0, len(retained), "associating jobs")
	paths := make([]string, 0, len(retained))
	for _, d := range retained {
		paths = append(paths, d.Info.Path)
	}
	jobsByPath, err := crawler.EnrichJobs(ctx, paths)
	if err != nil {
		return fmt.Errorf("job enrichment: %w", err)
	}

	// Phase 3: export.
	progress("export", 0, len(retained), "exporting notebook sources")
	sources, err := crawler.ExportRetained(ctx, retained)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	run.Counters.APIFailures = len(crawler.Failures())

	// Phase 4: parse and persist.
	parser := notebook.NewParser(p.deps.SQLEngine, sqlengine.DialectSpark, p.logger)
	var metadataRows []store.NotebookMetadata
	var sqlRows []store.ExtractedSQL
	for i, d := range discovered {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		row := store.NotebookMetadata{
			RunID:          run.ID,
			Path:           d.Info.Path,
			Language:       d.Info.Language,
			CreatedAt:      d.Info.CreatedTime(),
			ModifiedAt:     d.Info.ModifiedTime(),
			Status:         d.Status,
			ContentPresent: false,
		}
		if assoc, ok := jobsByPath[d.Info.Path]; ok {
			row.JobIDs = assoc.JobIDs
			row.JobName = assoc.JobName
			row.ConsecutiveSuccess = assoc.ConsecutiveSuccess
			row.EarliestRunDate = assoc.EarliestRunDate
			row.JobTrigger = assoc.Trigger
			row.HasAssociatedJobs = assoc.HasJobs
		}

		if source, ok := sources[d.Info.Path]; ok && d.Status == store.NotebookProcessed {
			row.ContentPresent = source != ""
			extracted := parser.Parse(ctx, run.ID, notebook.Notebook{
				Path:     d.Info.Path,
				Language: d.Info.Language,
				Source:   source,
			})
			for _, e := range extracted {
				e.NotebookName = path.Base(d.Info.Path)
				run.Counters.Extracted++
				if e.IsValid {
					run.Counters.Valid++
				}
				sqlRows = append(sqlRows, e)
			}
			run.Counters.Processed++
		}
		metadataRows = append(metadataRows, row)

		if (i+1)%counterFlushEvery == 0 {
			p.flushCounters(ctx, run)
			progress("parse", i+1, len(discovered), d.Info.Path)
		}
	}
	run.Counters.UniqueHash = countUniqueHashes(sqlRows)

	if err := p.deps.Store.BulkInsertNotebookMetadata(ctx, metadataRows); err != nil {
		return fmt.Errorf("persist notebook metadata: %w", err)
	}
	if err := p.deps.Store.BulkInsertExtractedSQL(ctx, sqlRows); err != nil {
		return fmt.Errorf("persist extracted sql: %w", err)
	}
	p.flushCounters(ctx, run)
	progress("persist", len(discovered), len(discovered), "extraction persisted")
	return nil
}

func (p *SQLPipeline) flushCounters(ctx context.Context, run *store.ExtractionRun) {
	if err := p.deps.Store.UpdateExtractionCounters(ctx, run.ID, run.Counters); err != nil && ctx.Err() == nil {
		p.logger.Warn("counter flush for run %s failed: %v", run.ID, err)
	}
}

func countUniqueHashes(rows []store.ExtractedSQL) int {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.IsValid && r.SQLHash != "" {
			seen[r.SQLHash] = true
		}
	}
	return len(seen)
}

// SQLAnalysisParams starts one analysis over a finished extraction run.
type SQLAnalysisParams struct {
	UserID          string
	OrgID           string
	ExtractionRunID string
	Dialect         string
}

// StartAnalysis creates the versioned analysis row and registers the task.
func (p *SQLPipeline) StartAnalysis(ctx context.Context, params SQLAnalysisParams) (string, error) {
	run := &store.AnalysisRun{
		ID:              ids.NewRunID(),
		ExtractionRunID: params.ExtractionRunID,
		OrgID:           params.OrgID,
	}
	if err := p.deps.Store.CreateAnalysisRun(ctx, run); err != nil {
		return "", fmt.Errorf("create analysis run: %w", err)
	}

	metrics.RunsStarted.WithLabelValues(PipelineSQLAnalysis).Inc()
	started := time.Now()
	err := p.deps.Tasks.Submit(context.Background(), TaskName(PipelineSQLAnalysis, run.ID), params.UserID,
		func(taskCtx context.Context) error {
			runErr := p.runAnalysis(taskCtx, run, params)
			status, errMsg := outcome(taskCtx, runErr)
			finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.deps.Store.FinishAnalysisRun(finishCtx, run.ID, status, errMsg); err != nil {
				p.logger.Error("finish analysis run %s: %v", run.ID, err)
			}
			observeRun(PipelineSQLAnalysis, started, status)
			p.deps.Emitter.SendToUser(params.UserID, terminalEvent(PipelineSQLAnalysis, run.ID, status, errMsg, transport.Message{
				"version": run.Version,
			}))
			return runErr
		})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (p *SQLPipeline) runAnalysis(ctx context.Context, run *store.AnalysisRun, params SQLAnalysisParams) error {
	progress := func(phase string, completed, total int, detail string) {
		p.deps.Emitter.SendToUser(params.UserID,
			transport.ProgressEvent(PipelineSQLAnalysis, run.ID, phase, completed, total, detail, "running"))
	}

	progress("load", 0, 0, "loading valid statements")
	rows, err := p.deps.Store.ListValidSQL(ctx, params.ExtractionRunID, params.OrgID)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("extraction run %s has no valid statements for org %q", params.ExtractionRunID, params.OrgID)
	}

	dialect := sqlengine.Dialect(params.Dialect)
	if dialect == "" {
		dialect = sqlengine.DialectSpark
	}
	engine := sqlcorpus.NewEngine(p.deps.SQLEngine, dialect, p.logger)

	progress("dedup", 0, len(rows), "deduplicating")
	unique, err := engine.Dedup(ctx, rows)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}

	progress("fingerprint", 0, len(unique), "decomposing queries")
	fps, failures := engine.Extract(ctx, unique)
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if len(failures) > 0 {
		p.logger.Warn("analysis %s: %d queries failed decomposition", run.ID, len(failures))
	}
	if len(fps) == 0 {
		return fmt.Errorf("no query could be decomposed")
	}

	counters := sqlcorpus.Count(fps)
	clusters := sqlcorpus.BuildClusters(fps)
	filters := sqlcorpus.ClassifyFilters(fps, counters, sqlcorpus.Thresholds{
		Mandatory:    p.deps.Config.MandatoryThreshold,
		TableDefault: p.deps.Config.TableDefaultThreshold,
		Common:       p.deps.Config.CommonThreshold,
	})

	if err := p.saveAnalysis(ctx, run, fps, counters, clusters, filters); err != nil {
		return err
	}
	progress("aggregate", len(fps), len(fps), "aggregation persisted")

	in := docs.AnalysisInput{
		Dialect:      string(dialect),
		Fingerprints: fps,
		Counters:     counters,
		Clusters:     clusters,
		Filters:      filters,
	}
	return p.authorDocs(ctx, run, params, in, progress)
}

func (p *SQLPipeline) saveAnalysis(ctx context.Context, run *store.AnalysisRun,
	fps []sqlcorpus.Fingerprint, counters *sqlcorpus.Counters,
	clusters []sqlcorpus.Cluster, filters []sqlcorpus.ClassifiedFilter) error {

	var err error
	if run.Counters, err = json.Marshal(counters); err != nil {
		return err
	}
	if run.Clusters, err = json.Marshal(clusters); err != nil {
		return err
	}
	if run.Filters, err = json.Marshal(filters); err != nil {
		return err
	}
	if run.Fingerprints, err = json.Marshal(fps); err != nil {
		return err
	}
	if run.LiteralValues, err = json.Marshal(counters.LiteralVals); err != nil {
		return err
	}
	if run.AliasFrequency, err = json.Marshal(counters.AliasConv); err != nil {
		return err
	}
	run.TotalWeight = counters.TotalWeight
	if err := p.deps.Store.SaveAnalysisResults(ctx, run); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	return nil
}

func (p *SQLPipeline) authorDocs(ctx context.Context, run *store.AnalysisRun, params SQLAnalysisParams,
	in docs.AnalysisInput, progress func(phase string, completed, total int, detail string)) error {

	budgets := p.deps.Config.DocBudgets
	slots := docs.SQLSlots(budgets.Master, budgets.Schema, budgets.Business, budgets.Filters, budgets.Patterns)
	builder := &docs.Builder{MaxChars: p.deps.Config.MaxPayloadChars}
	author := docs.NewAuthor(p.deps.LLM, builder, p.logger)

	progress("author", 0, len(slots), "authoring documents")
	authored := author.AuthorAll(ctx, slots, in, func(done, total int) {
		progress("author", done, total, "")
	})
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if len(authored) == 0 {
		return fmt.Errorf("no document could be authored")
	}

	progress("validate", 0, 1, "cross-document validation")
	if result, err := author.CrossDocValidate(ctx, authored); err != nil {
		p.logger.Warn("analysis %s: validation skipped: %v", run.ID, err)
	} else if !result.Passed {
		authored = author.ReAuthor(ctx, authored, result, slots, in)
	}

	progress("focus", 0, p.deps.Config.MaxFocusDocs, "assessing focus topics")
	focus := author.AuthorFocusDocs(ctx, authored, in, p.deps.Config.MaxFocusDocs, p.deps.Config.FocusBudget)
	authored = append(authored, focus...)

	check := docs.SpotCheck(rand.New(rand.NewSource(time.Now().UnixNano())), in.Fingerprints, authored)
	p.logger.Info("analysis %s: spot check pass rate %.2f (%d/%d)",
		run.ID, check.PassRate, check.Covered, check.Samples)

	for i, doc := range authored {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		payload := doc.Payload
		if payload == "" {
			payload = "{}"
		}
		record := &store.ContextDoc{
			SourceType:   store.SourceDatabricks,
			SourceRunID:  run.ID,
			OrgID:        params.OrgID,
			DocKey:       doc.DocKey,
			DocName:      doc.DocName,
			Content:      doc.Content,
			Model:        doc.Model,
			Provider:     p.deps.Config.DefaultProvider,
			SystemPrompt: doc.SystemPrompt,
			Payload:      json.RawMessage(payload),
			TokenCount:   doc.TokenCount,
		}
		if err := p.deps.Store.InsertContextDoc(ctx, record); err != nil {
			return fmt.Errorf("persist doc %s: %w", doc.DocKey, err)
		}
		progress("persist", i+1, len(authored), doc.DocKey)
	}
	return nil
}
