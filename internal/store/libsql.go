package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ghostworker/flow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. run log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	conditions, err := marshalOrDefault(wf.Trigger.Conditions, "[]")
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	nodes, err := marshalOrDefault(wf.Nodes, "[]")
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	connections, err := marshalOrDefault(wf.Connections, "[]")
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, team_id, name, description, trigger_type, trigger_conditions, trigger_config, nodes, connections, is_active, run_count, last_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TeamID, wf.Name, nullStr(wf.Description),
		string(wf.Trigger.Type), conditions, nullRaw(wf.Trigger.Config),
		nodes, connections, boolInt(wf.IsActive), wf.RunCount, nullTime(wf.LastRun),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	where := []string{"is_active = 1"}
	var args []any

	if filter.TeamID != "" {
		where = append(where, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}

	query := workflowSelect + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) RecordWorkflowRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET run_count = run_count + 1, last_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

const workflowSelect = `SELECT id, team_id, name, description, trigger_type, trigger_conditions, trigger_config, nodes, connections, is_active, run_count, last_run FROM workflows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description, conditions, triggerConfig sql.NullString
		nodesJSON, connectionsJSON             string
		triggerType                            string
		isActive                               int
		lastRun                                sql.NullTime
	)
	err := row.Scan(&wf.ID, &wf.TeamID, &wf.Name, &description, &triggerType,
		&conditions, &triggerConfig, &nodesJSON, &connectionsJSON,
		&isActive, &wf.RunCount, &lastRun)
	if err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Trigger.Type = schema.TriggerType(triggerType)
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &wf.Trigger.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal trigger conditions: %w", err)
		}
	}
	wf.Trigger.Config = rawOrNil(triggerConfig)
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(connectionsJSON), &wf.Connections); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	wf.IsActive = isActive != 0
	if lastRun.Valid {
		t := lastRun.Time
		wf.LastRun = &t
	}
	return wf, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	execLog, err := marshalOrDefault(run.ExecutionLog, "[]")
	if err != nil {
		return fmt.Errorf("marshal execution_log: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, trigger_data, event_id, execution_log, error_message, started_at, completed_at, resume_at, resume_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), nullRaw(run.TriggerData),
		nullStr(run.EventID), execLog, nullStr(run.ErrorMessage),
		nullTime(run.StartedAt), nullTime(run.CompletedAt),
		nullTime(run.ResumeAt), nullRaw(run.ResumeState),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ExecutionLog != nil {
		execLog, err := json.Marshal(update.ExecutionLog)
		if err != nil {
			return fmt.Errorf("marshal execution_log: %w", err)
		}
		sets = append(sets, "execution_log = ?")
		args = append(args, string(execLog))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.ResumeState != nil {
		sets = append(sets, "resume_state = ?")
		args = append(args, string(update.ResumeState))
	}
	if update.ClearResume {
		sets = append(sets, "resume_at = NULL", "resume_state = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) FindRunByEvent(ctx context.Context, workflowID, eventID string) (*schema.WorkflowRun, error) {
	if eventID == "" {
		return nil, storeNotFound("run for event", eventID)
	}
	row := s.db.QueryRowContext(ctx,
		runSelect+` WHERE workflow_id = ? AND event_id = ? ORDER BY created_at DESC LIMIT 1`,
		workflowID, eventID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run for event", eventID)
	}
	return run, err
}

func (s *LibSQLStore) ListDueRuns(ctx context.Context, now time.Time) ([]*schema.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ? ORDER BY resume_at`,
		string(schema.RunPending), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const runSelect = `SELECT id, workflow_id, status, trigger_data, event_id, execution_log, error_message, started_at, completed_at, resume_at, resume_state FROM runs`

func scanRun(row rowScanner) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var (
		triggerData, eventID, execLog, errMsg, resumeState sql.NullString
		status                                             string
		startedAt, completedAt, resumeAt                   sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &status, &triggerData, &eventID,
		&execLog, &errMsg, &startedAt, &completedAt, &resumeAt, &resumeState)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.TriggerData = rawOrNil(triggerData)
	run.EventID = eventID.String
	run.ErrorMessage = errMsg.String
	if execLog.Valid && execLog.String != "" {
		if err := json.Unmarshal([]byte(execLog.String), &run.ExecutionLog); err != nil {
			return nil, fmt.Errorf("unmarshal execution_log: %w", err)
		}
	}
	run.ResumeState = rawOrNil(resumeState)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if resumeAt.Valid {
		t := resumeAt.Time
		run.ResumeAt = &t
	}
	return run, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalOrDefault(v any, def string) (string, error) {
	if v == nil {
		return def, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return def, nil
	}
	return string(raw), nil
}
