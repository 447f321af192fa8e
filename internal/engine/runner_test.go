package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostworker/flow/internal/collab"
	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/internal/nodes"
	"github.com/ghostworker/flow/pkg/schema"
)

type captureMessenger struct {
	sent []string
}

func (m *captureMessenger) Send(ctx context.Context, conversationID, platform, content string) (string, error) {
	m.sent = append(m.sent, content)
	return "msg-1", nil
}

type errWebhook struct{ err error }

func (w *errWebhook) Call(ctx context.Context, cfg schema.WebhookConfig, payload, queryParams map[string]any) (*collab.WebhookResult, error) {
	return nil, w.err
}

type errAI struct{ err error }

func (a *errAI) Complete(ctx context.Context, prompt string, conversation []collab.ChatMessage) (string, error) {
	return "", a.err
}

type fixedWebhook struct{}

func (fixedWebhook) Call(ctx context.Context, cfg schema.WebhookConfig, payload, queryParams map[string]any) (*collab.WebhookResult, error) {
	return &collab.WebhookResult{StatusCode: 200, Body: "{}"}, nil
}

func newTestRunner(t *testing.T, override func(*nodes.Deps)) (*Runner, *mockStore, *captureMessenger) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	messenger := &captureMessenger{}

	deps := nodes.Deps{
		Evaluator: expressions.NewEvaluator(),
		JQ:        expressions.NewGoJQEngine(),
		Webhook:   fixedWebhook{},
		Messenger: messenger,
		AI:        &collab.StaticAIClient{Response: "hello"},
		CRM:       collab.NewMemoryCRM(logger),
		Logger:    logger,
	}
	if override != nil {
		override(&deps)
	}

	st := newMockStore()
	return NewRunner(st, nodes.NewExecutor(deps), logger, 50), st, messenger
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// welcomeWorkflow is the vip-greeting graph:
// start -> condition(status == vip) --true--> send_message --false--> end.
func welcomeWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	return &schema.Workflow{
		ID:       "wf-1",
		TeamID:   "team-1",
		Name:     "vip welcome",
		IsActive: true,
		Trigger:  schema.Trigger{Type: schema.TriggerMessageReceived},
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "check", Type: schema.NodeCondition, Config: mustRaw(t, schema.ConditionConfig{
				Conditions: []schema.Condition{{Field: "status", Operator: schema.OpEquals, Value: "vip"}},
			})},
			{ID: "greet", Type: schema.NodeSendMessage, Config: mustRaw(t, schema.SendMessageConfig{
				Message: "Welcome VIP {{name}}",
			})},
			{ID: "done", Type: schema.NodeEnd},
		},
		Connections: []schema.Connection{
			{SourceID: "start", TargetID: "check"},
			{SourceID: "check", TargetID: "greet", SourceHandle: "true"},
			{SourceID: "check", TargetID: "done", SourceHandle: "false"},
		},
	}
}

func seedAndExecute(t *testing.T, r *Runner, st *mockStore, wf *schema.Workflow, payload map[string]any) *schema.WorkflowRun {
	t.Helper()
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	run, err := r.Execute(context.Background(), wf, &schema.TriggerEvent{
		Type:    wf.Trigger.Type,
		TeamID:  wf.TeamID,
		Payload: mustRaw(t, payload),
	})
	require.NoError(t, err)
	return run
}

func nodeSequence(log []schema.LogEntry) []string {
	ids := make([]string, len(log))
	for i, e := range log {
		ids[i] = e.NodeID
	}
	return ids
}

func TestExecuteZeroNodeWorkflow(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := &schema.Workflow{ID: "wf-0", TeamID: "team-1", IsActive: true}

	run := seedAndExecute(t, r, st, wf, nil)

	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Empty(t, run.ExecutionLog)
	require.NotNil(t, run.CompletedAt)

	got, err := st.GetWorkflow(context.Background(), "wf-0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
}

func TestExecuteVipBranch(t *testing.T) {
	r, st, messenger := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{
		"status": "vip", "name": "Ana",
		"conversation_id": "conv-1", "platform": "whatsapp",
	})

	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Equal(t, []string{"start", "check", "greet"}, nodeSequence(run.ExecutionLog))

	require.Len(t, messenger.sent, 1)
	assert.Equal(t, "Welcome VIP Ana", messenger.sent[0])
	assert.NotContains(t, messenger.sent[0], "{{name}}")

	var condResult map[string]any
	require.NoError(t, json.Unmarshal(run.ExecutionLog[1].Result, &condResult))
	assert.Equal(t, true, condResult["matched"])
}

func TestExecuteRegularBranchSkipsMessage(t *testing.T) {
	r, st, messenger := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{"status": "regular", "name": "Bo"})

	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Equal(t, []string{"check", "done"}, nodeSequence(run.ExecutionLog)[1:])
	assert.Len(t, run.ExecutionLog, 3)
	assert.Empty(t, messenger.sent)
}

func TestExecuteConditionWithoutBranchForOutcome(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)
	// Drop the false branch: a regular customer's traversal simply ends.
	wf.Connections = wf.Connections[:2]

	run := seedAndExecute(t, r, st, wf, map[string]any{"status": "regular"})

	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Equal(t, []string{"start", "check"}, nodeSequence(run.ExecutionLog))
}

func TestExecuteIsDeterministic(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)
	payload := map[string]any{"status": "vip", "name": "Ana", "conversation_id": "conv-1", "platform": "whatsapp"}

	run1 := seedAndExecute(t, r, st, wf, payload)
	run2, err := r.Execute(context.Background(), wf, &schema.TriggerEvent{Payload: mustRaw(t, payload)})
	require.NoError(t, err)

	assert.NotEqual(t, run1.ID, run2.ID)
	assert.Equal(t, nodeSequence(run1.ExecutionLog), nodeSequence(run2.ExecutionLog))
}

func TestExecuteWebhookFailureDoesNotFailRun(t *testing.T) {
	r, st, _ := newTestRunner(t, func(d *nodes.Deps) {
		d.Webhook = &errWebhook{err: errors.New("connection refused")}
	})

	wf := &schema.Workflow{
		ID: "wf-wh", TeamID: "team-1", IsActive: true,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "hook", Type: schema.NodeWebhook, Config: mustRaw(t, schema.WebhookConfig{URL: "https://x"})},
			{ID: "done", Type: schema.NodeEnd},
		},
		Connections: []schema.Connection{
			{SourceID: "start", TargetID: "hook"},
			{SourceID: "hook", TargetID: "done"},
		},
	}

	run := seedAndExecute(t, r, st, wf, nil)

	assert.Equal(t, schema.RunCompleted, run.Status)
	require.Len(t, run.ExecutionLog, 3)
	hookEntry := run.ExecutionLog[1]
	assert.Equal(t, schema.NodeFailed, hookEntry.Status)
	assert.Contains(t, hookEntry.Error, "connection refused")
}

func TestExecuteAIFailureAbortsRun(t *testing.T) {
	r, st, _ := newTestRunner(t, func(d *nodes.Deps) {
		d.AI = &errAI{err: errors.New("model unavailable")}
	})

	wf := &schema.Workflow{
		ID: "wf-ai", TeamID: "team-1", IsActive: true,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "reply", Type: schema.NodeAIResponse, Config: mustRaw(t, schema.AIResponseConfig{Prompt: "answer"})},
			{ID: "after", Type: schema.NodeSendMessage, Config: mustRaw(t, schema.SendMessageConfig{Message: "hi"})},
		},
		Connections: []schema.Connection{
			{SourceID: "start", TargetID: "reply"},
			{SourceID: "reply", TargetID: "after"},
		},
	}

	run := seedAndExecute(t, r, st, wf, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
	// Log stops at the failing node, no descendants.
	assert.Equal(t, []string{"start", "reply"}, nodeSequence(run.ExecutionLog))
	assert.Equal(t, schema.NodeFailed, run.ExecutionLog[1].Status)
}

func TestExecuteStepLimitGuardsCycles(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)

	wf := &schema.Workflow{
		ID: "wf-cycle", TeamID: "team-1", IsActive: true,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "a", Type: schema.NodeUpdateTag, Config: mustRaw(t, schema.UpdateTagConfig{TagID: "t"})},
			{ID: "b", Type: schema.NodeUpdateTag, Config: mustRaw(t, schema.UpdateTagConfig{TagID: "t"})},
		},
		Connections: []schema.Connection{
			{SourceID: "start", TargetID: "a"},
			{SourceID: "a", TargetID: "b"},
			{SourceID: "b", TargetID: "a"},
		},
	}

	run := seedAndExecute(t, r, st, wf, map[string]any{"conversation_id": "conv-1"})

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, schema.ErrCodeStepLimit)
	assert.Contains(t, run.ErrorMessage, "step limit")
}

func TestExecuteConfigErrorFailsRun(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)

	wf := &schema.Workflow{
		ID: "wf-bad", TeamID: "team-1", IsActive: true,
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeSendMessage},
			{ID: "b", Type: schema.NodeSendMessage},
		},
	}

	run := seedAndExecute(t, r, st, wf, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "entry")
}

func delayWorkflow(t *testing.T) *schema.Workflow {
	t.Helper()
	return &schema.Workflow{
		ID: "wf-delay", TeamID: "team-1", IsActive: true,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "wait", Type: schema.NodeDelay, Config: mustRaw(t, schema.DelayConfig{DelaySeconds: 1, DelayType: "hours"})},
			{ID: "greet", Type: schema.NodeSendMessage, Config: mustRaw(t, schema.SendMessageConfig{Message: "hello {{name}}"})},
			{ID: "done", Type: schema.NodeEnd},
		},
		Connections: []schema.Connection{
			{SourceID: "start", TargetID: "wait"},
			{SourceID: "wait", TargetID: "greet"},
			{SourceID: "greet", TargetID: "done"},
		},
	}
}

func TestExecuteParksOnLongDelay(t *testing.T) {
	r, st, messenger := newTestRunner(t, nil)
	wf := delayWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{
		"name": "Ana", "conversation_id": "conv-1", "platform": "whatsapp",
	})

	assert.Equal(t, schema.RunPending, run.Status)
	require.NotNil(t, run.ResumeAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *run.ResumeAt, time.Minute)
	assert.Empty(t, messenger.sent)

	var state walkState
	require.NoError(t, json.Unmarshal(run.ResumeState, &state))
	assert.Equal(t, []string{"greet"}, state.Frontier)
}

func TestResumeContinuesParkedRun(t *testing.T) {
	r, st, messenger := newTestRunner(t, nil)
	wf := delayWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{
		"name": "Ana", "conversation_id": "conv-1", "platform": "whatsapp",
	})
	require.Equal(t, schema.RunPending, run.Status)

	resumed, err := r.Resume(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, resumed.Status)
	assert.Equal(t, []string{"start", "wait", "greet", "done"}, nodeSequence(resumed.ExecutionLog))
	require.Len(t, messenger.sent, 1)
	assert.Equal(t, "hello Ana", messenger.sent[0])

	// Stats were bumped at dispatch only, not again on resume.
	got, err := st.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
}

func TestCancelParkedRun(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := delayWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{"conversation_id": "conv-1", "platform": "whatsapp"})
	require.Equal(t, schema.RunPending, run.Status)

	require.NoError(t, r.Cancel(context.Background(), run.ID, "customer opted out"))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, got.Status)
	assert.Equal(t, "customer opted out", got.ErrorMessage)
	assert.Nil(t, got.ResumeAt)

	// A cancelled run never shows up as due for resumption.
	due, err := st.ListDueRuns(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)

	run := seedAndExecute(t, r, st, wf, map[string]any{"status": "regular"})
	require.Equal(t, schema.RunCompleted, run.Status)

	err := r.Cancel(context.Background(), run.ID, "too late")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestExecuteReturnsErrorWhenLogAppendFails(t *testing.T) {
	r, st, _ := newTestRunner(t, nil)
	wf := welcomeWorkflow(t)
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	st.failAppend = errors.New("database is locked")

	_, err := r.Execute(context.Background(), wf, &schema.TriggerEvent{Payload: mustRaw(t, map[string]any{"status": "vip"})})
	require.Error(t, err)
	assert.True(t, IsRetryableError(err))
}
