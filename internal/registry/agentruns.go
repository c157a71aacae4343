package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// CreateAgentRun persists a new agent run.
func (r *Registry) CreateAgentRun(ctx context.Context, run *pipeline.AgentRun) error {
	result, err := marshalResult(run.Result)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, r.q(`
		INSERT INTO agent_runs (id, project_id, prompt, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ProjectID, run.Prompt, string(run.Status), result,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("agent run %s: %w", run.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert agent run: %w", err)
	}
	return nil
}

// GetAgentRun reads one agent run.
func (r *Registry) GetAgentRun(ctx context.Context, id string) (*pipeline.AgentRun, error) {
	row := r.conn.QueryRowContext(ctx, r.q(`
		SELECT id, project_id, prompt, status, result, created_at, updated_at
		FROM agent_runs WHERE id = ?`), id)
	return scanAgentRun(row)
}

// ListAgentRuns returns agent runs, optionally filtered by status.
// Pass "" to return all, newest first.
func (r *Registry) ListAgentRuns(ctx context.Context, status pipeline.RunStatus) ([]*pipeline.AgentRun, error) {
	query := `SELECT id, project_id, prompt, status, result, created_at, updated_at FROM agent_runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.conn.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AdvanceAgentRun moves an agent run from one status to another atomically,
// recording the result payload when provided. The update is a compare-and-swap
// on the current status; a run that moved on concurrently is left untouched.
func (r *Registry) AdvanceAgentRun(ctx context.Context, id string, from, to pipeline.RunStatus, result *pipeline.RunResult) error {
	if !from.CanAdvance(to) {
		return fmt.Errorf("agent run %s: cannot advance %s -> %s", id, from, to)
	}
	encoded, err := marshalResult(result)
	if err != nil {
		return err
	}

	var res sql.Result
	if result != nil {
		res, err = r.conn.ExecContext(ctx, r.q(`
			UPDATE agent_runs SET status = ?, result = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(to), encoded, formatTime(time.Now()), id, string(from))
	} else {
		res, err = r.conn.ExecContext(ctx, r.q(`
			UPDATE agent_runs SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(to), formatTime(time.Now()), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("advance agent run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance agent run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent run %s not in status %s: %w", id, from, ErrStaleTransition)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRun(row rowScanner) (*pipeline.AgentRun, error) {
	var run pipeline.AgentRun
	var status, createdAt, updatedAt string
	var result sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &run.Prompt, &status, &result, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent run: %w", err)
	}
	run.Status = pipeline.RunStatus(status)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	if result.Valid && result.String != "" {
		var rr pipeline.RunResult
		if err := json.Unmarshal([]byte(result.String), &rr); err != nil {
			return nil, fmt.Errorf("decode agent run result: %w", err)
		}
		run.Result = &rr
	}
	return &run, nil
}

func marshalResult(result *pipeline.RunResult) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode agent run result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
