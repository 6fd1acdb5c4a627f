// Package pipeline hosts the long-running batch orchestrators. Each run
// registers as a named background task, reports progress over the hub, and
// always reaches a terminal state in both the database and the event stream.
package pipeline

import (
	"context"
	"errors"
	"time"

	"atlas/internal/config"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/metrics"
	"atlas/internal/sqlengine"
	"atlas/internal/store"
	"atlas/internal/tasks"
	"atlas/internal/transport"
)

// Pipeline names, used for task names, metrics labels and event prefixes.
const (
	PipelineSQLExtraction    = "sql_extraction"
	PipelineSQLAnalysis      = "sql_analysis"
	PipelineConfigExtraction = "config_extraction"
	PipelineConfigAnalysis   = "config_analysis"
	PipelineContextTree      = "context_tree"
)

// Deps bundles the process services every orchestrator needs.
type Deps struct {
	Store     *store.Store
	Tasks     *tasks.Registry
	Emitter   transport.Emitter
	LLM       llm.Client
	SQLEngine sqlengine.Engine
	Config    config.Config
	Logger    logging.Logger
}

// TaskName derives the registry name of a run.
func TaskName(pipeline, runID string) string {
	return pipeline + "-" + runID
}

// outcome maps a run error to its terminal status. Cancellation, whether
// surfaced as context.Canceled or by the task context, wins over other
// errors.
func outcome(ctx context.Context, err error) (store.RunStatus, string) {
	switch {
	case err == nil:
		return store.StatusCompleted, ""
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return store.StatusCancelled, ""
	default:
		return store.StatusFailed, err.Error()
	}
}

// terminalEvent builds the terminal hub message matching a status.
func terminalEvent(pipeline, runID string, status store.RunStatus, errMsg string, extra transport.Message) transport.Message {
	switch status {
	case store.StatusCompleted:
		return transport.CompleteEvent(pipeline, runID, extra)
	case store.StatusCancelled:
		return transport.CancelledEvent(pipeline, runID)
	default:
		return transport.FailedEvent(pipeline, runID, errMsg)
	}
}

// observeRun records the start/finish/duration metrics around a run body.
func observeRun(pipeline string, started time.Time, status store.RunStatus) {
	metrics.RunsFinished.WithLabelValues(pipeline, string(status)).Inc()
	metrics.RunDuration.WithLabelValues(pipeline).Observe(time.Since(started).Seconds())
}

// checkpoint returns the context error so loops can bail between items.
func checkpoint(ctx context.Context) error {
	return ctx.Err()
}
