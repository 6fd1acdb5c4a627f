package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"atlas/internal/store"
	"atlas/internal/transport"
)

func TestTaskName(t *testing.T) {
	assert.Equal(t, "sql_extraction-run-42", TaskName(PipelineSQLExtraction, "run-42"))
	assert.Equal(t, "context_tree-r1", TaskName(PipelineContextTree, "r1"))
}

func TestOutcome(t *testing.T) {
	ctx := context.Background()

	status, msg := outcome(ctx, nil)
	assert.Equal(t, store.StatusCompleted, status)
	assert.Empty(t, msg)

	status, msg = outcome(ctx, context.Canceled)
	assert.Equal(t, store.StatusCancelled, status)
	assert.Empty(t, msg)

	status, msg = outcome(ctx, fmt.Errorf("workspace crawl: %w", context.Canceled))
	assert.Equal(t, store.StatusCancelled, status)
	assert.Empty(t, msg)

	status, msg = outcome(ctx, fmt.Errorf("export failed"))
	assert.Equal(t, store.StatusFailed, status)
	assert.Equal(t, "export failed", msg)

	// A dead task context means cancellation even when the error is something
	// else.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	status, _ = outcome(cancelled, fmt.Errorf("write aborted"))
	assert.Equal(t, store.StatusCancelled, status)
}

func TestTerminalEvent(t *testing.T) {
	msg := terminalEvent(PipelineSQLExtraction, "r1", store.StatusCompleted, "", transport.Message{"valid": 10})
	assert.Equal(t, "sql_extraction_complete", msg["type"])
	assert.Equal(t, 10, msg["valid"])

	msg = terminalEvent(PipelineSQLExtraction, "r1", store.StatusCancelled, "", nil)
	assert.Equal(t, "sql_extraction_cancelled", msg["type"])

	msg = terminalEvent(PipelineSQLExtraction, "r1", store.StatusFailed, "workspace 401", nil)
	assert.Equal(t, "sql_extraction_failed", msg["type"])
	assert.Equal(t, "workspace 401", msg["error"])
}

func TestCountUniqueHashes(t *testing.T) {
	rows := []store.ExtractedSQL{
		{IsValid: true, SQLHash: "h1"},
		{IsValid: true, SQLHash: "h1"}, // duplicate
		{IsValid: true, SQLHash: "h2"},
		{IsValid: false, SQLHash: "h3"}, // invalid rows never count
		{IsValid: true, SQLHash: ""},    // hashless rows never count
	}
	assert.Equal(t, 2, countUniqueHashes(rows))
	assert.Equal(t, 0, countUniqueHashes(nil))
}

func TestCheckpoint(t *testing.T) {
	assert.NoError(t, checkpoint(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, checkpoint(ctx), context.Canceled)
}
