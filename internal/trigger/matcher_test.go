package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMatcher(t *testing.T, st store.Store) *Matcher {
	t.Helper()
	return NewMatcher(st, expressions.NewEvaluator(), slog.New(slog.DiscardHandler))
}

func seedOrderWorkflows(t *testing.T, st store.Store) (unconditional, bigOrders *schema.Workflow) {
	t.Helper()
	unconditional = &schema.Workflow{
		ID:       uuid.New().String(),
		TeamID:   "team-1",
		Name:     "every order",
		Trigger:  schema.Trigger{Type: schema.TriggerOrderCreated},
		Nodes:    []schema.Node{{ID: "s", Type: schema.NodeStart}},
		IsActive: true,
	}
	bigOrders = &schema.Workflow{
		ID:     uuid.New().String(),
		TeamID: "team-1",
		Name:   "big orders",
		Trigger: schema.Trigger{
			Type: schema.TriggerOrderCreated,
			Conditions: []schema.Condition{
				{Field: "payload.total", Operator: schema.OpGreaterThan, Value: 100},
			},
		},
		Nodes:    []schema.Node{{ID: "s", Type: schema.NodeStart}},
		IsActive: true,
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), unconditional))
	require.NoError(t, st.CreateWorkflow(context.Background(), bigOrders))
	return unconditional, bigOrders
}

func TestMatchConditionsFilterWorkflows(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(t, st)
	unconditional, _ := seedOrderWorkflows(t, st)

	matched, err := m.Match(context.Background(), &schema.TriggerEvent{
		Type:    schema.TriggerOrderCreated,
		TeamID:  "team-1",
		Payload: json.RawMessage(`{"total": 50}`),
	})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, unconditional.ID, matched[0].ID)
}

func TestMatchBothWhenConditionsPass(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(t, st)
	seedOrderWorkflows(t, st)

	matched, err := m.Match(context.Background(), &schema.TriggerEvent{
		Type:    schema.TriggerOrderCreated,
		TeamID:  "team-1",
		Payload: json.RawMessage(`{"total": 150}`),
	})
	require.NoError(t, err)
	assert.Len(t, matched, 2)
}

func TestMatchScopedByTeamAndType(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(t, st)
	seedOrderWorkflows(t, st)

	matched, err := m.Match(context.Background(), &schema.TriggerEvent{
		Type:    schema.TriggerOrderCreated,
		TeamID:  "team-other",
		Payload: json.RawMessage(`{"total": 150}`),
	})
	require.NoError(t, err)
	assert.Empty(t, matched)

	matched, err = m.Match(context.Background(), &schema.TriggerEvent{
		Type:   schema.TriggerTagAdded,
		TeamID: "team-1",
	})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatchTopLevelFieldAccess(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(t, st)

	wf := &schema.Workflow{
		ID:     uuid.New().String(),
		TeamID: "team-1",
		Name:   "vip messages",
		Trigger: schema.Trigger{
			Type: schema.TriggerMessageReceived,
			Conditions: []schema.Condition{
				{Field: "customer_type", Operator: schema.OpEquals, Value: "vip"},
			},
		},
		Nodes:    []schema.Node{{ID: "s", Type: schema.NodeStart}},
		IsActive: true,
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))

	matched, err := m.Match(context.Background(), &schema.TriggerEvent{
		Type:    schema.TriggerMessageReceived,
		TeamID:  "team-1",
		Payload: json.RawMessage(`{"customer_type":"vip"}`),
	})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMatchRejectsEventWithoutType(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(t, st)

	_, err := m.Match(context.Background(), &schema.TriggerEvent{TeamID: "team-1"})
	assert.Error(t, err)
}
