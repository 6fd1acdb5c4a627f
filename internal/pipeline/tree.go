package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atlas/internal/async"
	"atlas/internal/ids"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/metrics"
	"atlas/internal/store"
	"atlas/internal/transport"
	"atlas/internal/tree"
	"atlas/internal/wiki"
)

// TreeParams starts one context-tree run.
type TreeParams struct {
	UserID      string
	OrgID       string
	InputSource string // docs | docs+wiki
	SpaceKey    string
	Sanitize    bool
	Blueprint   string
	// Cancel is shared with the transport so a client cancel message stops
	// the in-flight LLM stream. Optional.
	Cancel *llm.CancelEvent
}

// TreePipeline orchestrates context-tree runs.
type TreePipeline struct {
	deps   Deps
	logger logging.Logger
}

// NewTreePipeline builds the orchestrator.
func NewTreePipeline(deps Deps) *TreePipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("tree-pipeline")
	}
	return &TreePipeline{deps: deps, logger: logger}
}

// Start creates the run row and registers the background task.
func (p *TreePipeline) Start(ctx context.Context, params TreeParams) (string, error) {
	run := &store.ContextTreeRun{
		ID:          ids.NewRunID(),
		UserID:      params.UserID,
		OrgID:       params.OrgID,
		InputSource: params.InputSource,
		Model:       p.deps.LLM.Model(),
	}
	if err := p.deps.Store.CreateTreeRun(ctx, run); err != nil {
		return "", fmt.Errorf("create tree run: %w", err)
	}
	if params.Cancel == nil {
		params.Cancel = llm.NewCancelEvent()
	}

	metrics.RunsStarted.WithLabelValues(PipelineContextTree).Inc()
	started := time.Now()
	err := p.deps.Tasks.Submit(context.Background(), TaskName(PipelineContextTree, run.ID), params.UserID,
		func(taskCtx context.Context) error {
			// Bridge task cancellation into the stream-level cancel event.
			async.Go(p.logger, "tree-cancel-bridge-"+run.ID, func() {
				select {
				case <-taskCtx.Done():
					params.Cancel.Set()
				case <-params.Cancel.Done():
				}
			})

			runErr := p.run(taskCtx, run, params)
			status, errMsg := outcome(taskCtx, runErr)
			if status == store.StatusFailed && params.Cancel.IsSet() {
				status, errMsg = store.StatusCancelled, ""
			}
			finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.deps.Store.FinishTreeRun(finishCtx, run.ID, status, errMsg); err != nil {
				p.logger.Error("finish tree run %s: %v", run.ID, err)
			}
			observeRun(PipelineContextTree, started, status)
			p.deps.Emitter.SendToUser(params.UserID, terminalEvent(PipelineContextTree, run.ID, status, errMsg, nil))
			return runErr
		})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// progressPhase both appends to the run's durable progress log and emits the
// live event, so reconnecting clients can replay history from the run row.
func (p *TreePipeline) progressPhase(ctx context.Context, run *store.ContextTreeRun, userID, phase, detail, status string) {
	entry := store.TreeProgressEntry{Phase: phase, Detail: detail, Status: status}
	if err := p.deps.Store.AppendTreeProgress(ctx, run.ID, entry); err != nil && ctx.Err() == nil {
		p.logger.Warn("tree progress append for %s failed: %v", run.ID, err)
	}
	p.deps.Emitter.SendToUser(userID,
		transport.ProgressEvent(PipelineContextTree, run.ID, phase, 0, 0, detail, status))
}

func (p *TreePipeline) run(ctx context.Context, run *store.ContextTreeRun, params TreeParams) error {
	var wikiClient tree.WikiLister
	if params.SpaceKey != "" && p.deps.Config.WikiBaseURL != "" {
		wikiClient = wiki.NewClient(p.deps.Config.WikiBaseURL, p.deps.Config.WikiUser,
			p.deps.Config.WikiPassword, p.deps.Config.HTTPTimeout)
	}
	collector := tree.NewCollector(p.deps.Store, wikiClient, params.SpaceKey, p.logger)

	p.progressPhase(ctx, run, params.UserID, "collect", "gathering context documents", "running")
	entries, provenance, err := collector.Collect(ctx, params.OrgID)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no context documents available for org %q", params.OrgID)
	}
	p.progressPhase(ctx, run, params.UserID, "collect",
		fmt.Sprintf("%d generated, %d wiki, %d deduped", provenance.Generated, provenance.Wiki, provenance.Deduped), "done")

	p.progressPhase(ctx, run, params.UserID, "build", "building tree structure", "running")
	builder := tree.NewBuilder(p.deps.LLM, p.logger)
	root, usage, err := builder.Build(ctx, entries, params.Cancel)
	if err != nil {
		return fmt.Errorf("build tree: %w", err)
	}
	p.progressPhase(ctx, run, params.UserID, "build", "tree structure ready", "done")

	if params.Sanitize {
		p.progressPhase(ctx, run, params.UserID, "sanitize", "sanitizing document content", "running")
		sanitizer := tree.NewSanitizer(p.deps.LLM, params.Blueprint, p.deps.Config.SanitizeTokenCap, p.logger)
		sanitized, err := sanitizer.Sanitize(ctx, entries, params.Cancel)
		if err != nil {
			return fmt.Errorf("sanitize: %w", err)
		}
		tree.AttachSanitized(root, entries, sanitized)
		p.progressPhase(ctx, run, params.UserID, "sanitize", "content sanitized", "done")
	}

	p.progressPhase(ctx, run, params.UserID, "secrets", "scanning for credentials", "running")
	tree.NewScanner().Scan(root)
	p.progressPhase(ctx, run, params.UserID, "secrets", "credentials extracted", "done")

	if err := checkpoint(ctx); err != nil {
		return err
	}
	p.progressPhase(ctx, run, params.UserID, "redundancy", "detecting overlapping content", "running")
	if err := tree.NewRedundancyDetector(p.deps.LLM, p.logger).Detect(ctx, root); err != nil {
		return fmt.Errorf("redundancy: %w", err)
	}
	p.progressPhase(ctx, run, params.UserID, "redundancy", "overlap analysis done", "done")

	p.progressPhase(ctx, run, params.UserID, "conflicts", "detecting contradictions", "running")
	if err := tree.NewConflictDetector(p.deps.LLM, p.logger).Detect(ctx, root); err != nil {
		return fmt.Errorf("conflicts: %w", err)
	}
	p.progressPhase(ctx, run, params.UserID, "conflicts", "conflict analysis done", "done")

	tree.ScoreHealth(root)

	treeData, err := json.Marshal(root)
	if err != nil {
		return err
	}
	tokenUsage, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	if err := p.deps.Store.SaveTreeData(ctx, run.ID, treeData, tokenUsage); err != nil {
		return fmt.Errorf("persist tree: %w", err)
	}
	p.progressPhase(ctx, run, params.UserID, "persist",
		fmt.Sprintf("tree saved, health %d", root.Health), "done")
	return nil
}
