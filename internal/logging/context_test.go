package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := WithIDs(context.Background(), "wf-1", "run-1", "node-1")
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "node-1", NodeID(ctx))
}

func TestContextIDs_AbsentDefaultsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, NodeID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "wf-9", "run-9", "")
	logger.InfoContext(ctx, "node executed")

	out := buf.String()
	require.Contains(t, out, `"workflow_id":"wf-9"`)
	require.Contains(t, out, `"run_id":"run-9"`)
	assert.NotContains(t, out, "node_id")
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "workflow_id")
}
