package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ghostworker/flow/pkg/schema"
)

// AppendLogEntry appends one per-node record to a run's execution log with a
// monotonically increasing per-run sequence. The row is committed before the
// walker moves on, so a crash mid-run leaves a partial, inspectable log.
func (s *LibSQLStore) AppendLogEntry(ctx context.Context, runID string, entry *schema.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force write-lock
	// acquisition so concurrent appenders cannot interleave sequence reads.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_log WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Seq = seq

	var result any
	if len(entry.Result) > 0 {
		result = string(entry.Result)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_log (run_id, seq, node_id, node_type, status, result, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, entry.NodeID, string(entry.NodeType), string(entry.Status),
		result, nullStr(entry.Error), entry.StartedAt.UTC(), entry.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

// GetRunLog returns a run's log entries ordered by sequence.
func (s *LibSQLStore) GetRunLog(ctx context.Context, runID string) ([]schema.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, node_id, node_type, status, result, error, started_at, completed_at
		 FROM run_log WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []schema.LogEntry
	for rows.Next() {
		var (
			e               schema.LogEntry
			nodeType, stat  string
			result, errText sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.NodeID, &nodeType, &stat, &result, &errText, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		e.NodeType = schema.NodeType(nodeType)
		e.Status = schema.NodeStatus(stat)
		e.Result = rawOrNil(result)
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
