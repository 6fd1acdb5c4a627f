package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atlas/internal/configapi"
	"atlas/internal/configcorpus"
	"atlas/internal/docs"
	"atlas/internal/ids"
	"atlas/internal/logging"
	"atlas/internal/metrics"
	"atlas/internal/store"
	"atlas/internal/transport"
)

// ConfigExtractionParams starts one configuration-object extraction.
type ConfigExtractionParams struct {
	UserID string
	OrgID  string
	Host   string
	Creds  configapi.Credentials
	Params map[string]string
}

// ConfigPipeline orchestrates configuration extraction and analysis runs.
type ConfigPipeline struct {
	deps   Deps
	logger logging.Logger
}

// NewConfigPipeline builds the orchestrator.
func NewConfigPipeline(deps Deps) *ConfigPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("config-pipeline")
	}
	return &ConfigPipeline{deps: deps, logger: logger}
}

// StartExtraction creates the run row and registers the background task.
func (p *ConfigPipeline) StartExtraction(ctx context.Context, params ConfigExtractionParams) (string, error) {
	run := &store.ConfigExtractionRun{
		ID:     ids.NewRunID(),
		UserID: params.UserID,
		OrgID:  params.OrgID,
		Host:   params.Host,
	}
	if err := p.deps.Store.CreateConfigExtractionRun(ctx, run); err != nil {
		return "", fmt.Errorf("create config extraction run: %w", err)
	}

	metrics.RunsStarted.WithLabelValues(PipelineConfigExtraction).Inc()
	started := time.Now()
	err := p.deps.Tasks.Submit(context.Background(), TaskName(PipelineConfigExtraction, run.ID), params.UserID,
		func(taskCtx context.Context) error {
			runErr := p.runExtraction(taskCtx, run, params)
			status, errMsg := outcome(taskCtx, runErr)
			finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.deps.Store.FinishConfigExtractionRun(finishCtx, run, status, errMsg); err != nil {
				p.logger.Error("finish config run %s: %v", run.ID, err)
			}
			observeRun(PipelineConfigExtraction, started, status)
			p.deps.Emitter.SendToUser(params.UserID, terminalEvent(PipelineConfigExtraction, run.ID, status, errMsg, transport.Message{
				"counters": run.Counters,
			}))
			return runErr
		})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (p *ConfigPipeline) runExtraction(ctx context.Context, run *store.ConfigExtractionRun, params ConfigExtractionParams) error {
	client := configapi.NewClient(params.Host, params.Creds, p.deps.Config.HTTPTimeout)

	results, err := client.FetchAll(ctx, params.Params, func(category configapi.Category, done, total int) {
		p.deps.Emitter.SendToUser(params.UserID,
			transport.ProgressEvent(PipelineConfigExtraction, run.ID, "fetch", done, total, string(category), "running"))
	})

	// The call log and counters are persisted even when the fan-out aborted
	// partway through.
	var callLog []configapi.CallResult
	var raw []json.RawMessage
	for _, result := range results {
		callLog = append(callLog, result.Calls...)
		for _, items := range result.Items {
			raw = append(raw, items...)
		}
	}
	for _, call := range callLog {
		run.Counters.Discovered += call.ItemCount
		if call.Status != "success" {
			run.Counters.APIFailures++
		}
	}
	run.Counters.Processed = len(raw)
	run.Counters.Extracted = len(raw)
	if blob, marshalErr := json.Marshal(callLog); marshalErr == nil {
		run.CallLog = blob
	}

	if err != nil {
		return fmt.Errorf("config fetch: %w", err)
	}

	blob, err := json.Marshal(results)
	if err != nil {
		return err
	}
	if err := p.deps.Store.SaveConfigObjects(ctx, run.ID, blob); err != nil {
		return fmt.Errorf("persist config objects: %w", err)
	}
	p.deps.Emitter.SendToUser(params.UserID,
		transport.ProgressEvent(PipelineConfigExtraction, run.ID, "persist", len(raw), len(raw), "objects persisted", "running"))
	return nil
}

// ConfigAnalysisParams starts one analysis over a finished config extraction.
type ConfigAnalysisParams struct {
	UserID          string
	OrgID           string
	ExtractionRunID string
}

// StartAnalysis creates the versioned analysis row and registers the task.
func (p *ConfigPipeline) StartAnalysis(ctx context.Context, params ConfigAnalysisParams) (string, error) {
	run := &store.ConfigAnalysisRun{
		ID:              ids.NewRunID(),
		ExtractionRunID: params.ExtractionRunID,
		OrgID:           params.OrgID,
	}
	if err := p.deps.Store.CreateConfigAnalysisRun(ctx, run); err != nil {
		return "", fmt.Errorf("create config analysis run: %w", err)
	}

	metrics.RunsStarted.WithLabelValues(PipelineConfigAnalysis).Inc()
	started := time.Now()
	err := p.deps.Tasks.Submit(context.Background(), TaskName(PipelineConfigAnalysis, run.ID), params.UserID,
		func(taskCtx context.Context) error {
			runErr := p.runAnalysis(taskCtx, run, params)
			status, errMsg := outcome(taskCtx, runErr)
			finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.deps.Store.FinishConfigAnalysisRun(finishCtx, run.ID, status, errMsg); err != nil {
				p.logger.Error("finish config analysis %s: %v", run.ID, err)
			}
			observeRun(PipelineConfigAnalysis, started, status)
			p.deps.Emitter.SendToUser(params.UserID, terminalEvent(PipelineConfigAnalysis, run.ID, status, errMsg, transport.Message{
				"version": run.Version,
			}))
			return runErr
		})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (p *ConfigPipeline) runAnalysis(ctx context.Context, run *store.ConfigAnalysisRun, params ConfigAnalysisParams) error {
	progress := func(phase string, completed, total int, detail string) {
		p.deps.Emitter.SendToUser(params.UserID,
			transport.ProgressEvent(PipelineConfigAnalysis, run.ID, phase, completed, total, detail, "running"))
	}

	progress("load", 0, 0, "loading configuration objects")
	blob, err := p.deps.Store.LoadConfigObjects(ctx, params.ExtractionRunID)
	if err != nil {
		return fmt.Errorf("load config objects: %w", err)
	}
	var results []configapi.CategoryResult
	if err := json.Unmarshal(blob, &results); err != nil {
		return fmt.Errorf("decode config objects: %w", err)
	}

	var fps []configcorpus.Fingerprint
	for _, result := range results {
		for apiName, items := range result.Items {
			fps = append(fps, configcorpus.FingerprintItems(result.Category, apiName, items)...)
		}
	}
	if len(fps) == 0 {
		return fmt.Errorf("extraction run %s yielded no configuration objects", params.ExtractionRunID)
	}
	progress("fingerprint", len(fps), len(fps), "objects fingerprinted")

	counters := configcorpus.Count(fps)
	clusters := configcorpus.BuildClusters(fps)

	analysis, err := json.Marshal(map[string]any{
		"counters": counters,
		"clusters": clusters,
		"total":    counters.TotalObjects,
	})
	if err != nil {
		return err
	}
	if err := p.deps.Store.SaveConfigAnalysis(ctx, run.ID, analysis); err != nil {
		return fmt.Errorf("persist config analysis: %w", err)
	}

	in := docs.ConfigInput{Fingerprints: fps, Counters: counters, Clusters: clusters}
	builder := &docs.Builder{MaxChars: p.deps.Config.MaxPayloadChars}
	author := docs.NewAuthor(p.deps.LLM, builder, p.logger)
	slots := docs.ConfigSlots(p.deps.Config.DocBudgets.Master)

	progress("author", 0, len(slots), "authoring documents")
	authored := author.AuthorConfigDocs(ctx, slots, in, func(done, total int) {
		progress("author", done, total, "")
	})
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if len(authored) == 0 {
		return fmt.Errorf("no document could be authored")
	}

	for i, doc := range authored {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		for _, warning := range doc.Warnings {
			p.logger.Warn("config doc %s: %s", doc.DocKey, warning)
		}
		payload := doc.Payload
		if payload == "" {
			payload = "{}"
		}
		record := &store.ContextDoc{
			SourceType:   store.SourceConfigAPIs,
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
