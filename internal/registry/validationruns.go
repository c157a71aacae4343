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

// Transition is the descriptor ApplyTransition writes atomically. The state
// machine computes it; the registry is the only component that applies it.
type Transition struct {
	RunID     string
	FromStage pipeline.Stage
	ToStage   pipeline.Stage

	// Attempts, when non-nil, replaces the per-executor counters.
	Attempts map[pipeline.Executor]int

	// AutoMergeEligible, when non-nil, records the one-shot merge decision.
	AutoMergeEligible *bool

	// Result, when non-nil, is appended to the run's history.
	Result *pipeline.StageResult

	// Event names the audit entry written with the transition.
	Event  string
	Detail string
}

// CreateValidationRun persists a new validation run and its creation audit
// entry. The partial unique index rejects a second active run for the same
// (repo, pr_number).
func (r *Registry) CreateValidationRun(ctx context.Context, run *pipeline.ValidationRun) error {
	attempts, err := json.Marshal(run.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO validation_runs
			(id, agent_run_id, repo, pr_number, commit_sha, stage, attempts, auto_merge_eligible, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, nullString(run.AgentRunID), run.Repo, run.PRNumber, run.CommitSHA,
		string(run.Stage), string(attempts), nullBool(run.AutoMergeEligible),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("active run for %s#%d: %w", run.Repo, run.PRNumber, ErrAlreadyExists)
		}
		return fmt.Errorf("insert validation run: %w", err)
	}
	if err := insertAudit(ctx, tx, r, run.ID, "created", string(run.Stage), 0, "commit="+run.CommitSHA); err != nil {
		return err
	}
	return tx.Commit()
}

// GetValidationRun reads one validation run with its full history.
func (r *Registry) GetValidationRun(ctx context.Context, id string) (*pipeline.ValidationRun, error) {
	row := r.conn.QueryRowContext(ctx, r.q(`
		SELECT id, agent_run_id, repo, pr_number, commit_sha, stage, attempts, auto_merge_eligible, created_at, updated_at
		FROM validation_runs WHERE id = ?`), id)
	run, err := scanValidationRun(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ActiveValidationRun returns the single non-terminal run for a PR, or
// ErrNotFound.
func (r *Registry) ActiveValidationRun(ctx context.Context, repo string, prNumber int) (*pipeline.ValidationRun, error) {
	row := r.conn.QueryRowContext(ctx, r.q(`
		SELECT id, agent_run_id, repo, pr_number, commit_sha, stage, attempts, auto_merge_eligible, created_at, updated_at
		FROM validation_runs WHERE repo = ? AND pr_number = ? AND `+activePredicate), repo, prNumber)
	run, err := scanValidationRun(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListActive returns every non-terminal run, oldest first. The supervisor
// re-hydrates from this on restart.
func (r *Registry) ListActive(ctx context.Context) ([]*pipeline.ValidationRun, error) {
	return r.list(ctx, `SELECT id, agent_run_id, repo, pr_number, commit_sha, stage, attempts, auto_merge_eligible, created_at, updated_at
		FROM validation_runs WHERE `+activePredicate+` ORDER BY created_at ASC`)
}

// ListValidationRuns returns runs for a repo (or all repos when repo is ""),
// newest first, capped at limit.
func (r *Registry) ListValidationRuns(ctx context.Context, repo string, limit int) ([]*pipeline.ValidationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_run_id, repo, pr_number, commit_sha, stage, attempts, auto_merge_eligible, created_at, updated_at
		FROM validation_runs`
	args := []any{}
	if repo != "" {
		query += ` WHERE repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return r.list(ctx, query, args...)
}

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]*pipeline.ValidationRun, error) {
	rows, err := r.conn.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list validation runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.ValidationRun
	for rows.Next() {
		run, err := scanValidationRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, run := range runs {
		if err := r.loadHistory(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ApplyTransition applies a transition descriptor atomically: the stage
// update is a compare-and-swap on (id, expected stage), and the history
// append plus audit entry commit in the same transaction. ErrStaleTransition
// means the run moved on (or was superseded) since the decision was computed.
func (r *Registry) ApplyTransition(ctx context.Context, t *Transition) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	set := `stage = ?, updated_at = ?`
	args := []any{string(t.ToStage), formatTime(time.Now())}
	if t.Attempts != nil {
		attempts, err := json.Marshal(t.Attempts)
		if err != nil {
			return fmt.Errorf("encode attempts: %w", err)
		}
		set += `, attempts = ?`
		args = append(args, string(attempts))
	}
	if t.AutoMergeEligible != nil {
		set += `, auto_merge_eligible = ?`
		args = append(args, *t.AutoMergeEligible)
	}
	args = append(args, t.RunID, string(t.FromStage))

	res, err := tx.ExecContext(ctx, r.q(`UPDATE validation_runs SET `+set+` WHERE id = ? AND stage = ?`), args...)
	if err != nil {
		return fmt.Errorf("update validation run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update validation run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not in stage %s: %w", t.RunID, t.FromStage, ErrStaleTransition)
	}

	if t.Result != nil {
		_, err = tx.ExecContext(ctx, r.q(`
			INSERT INTO stage_results (run_id, executor, attempt, outcome, started_at, finished_at, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			t.RunID, string(t.Result.Executor), t.Result.Attempt, string(t.Result.Outcome),
			formatTime(t.Result.StartedAt), formatTime(t.Result.FinishedAt), t.Result.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert stage result: %w", err)
		}
	}

	event := t.Event
	if event == "" {
		event = "transition"
	}
	attempt := 0
	if t.Result != nil {
		attempt = t.Result.Attempt
	}
	if err := insertAudit(ctx, tx, r, t.RunID, event, string(t.ToStage), attempt, t.Detail); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneTerminal deletes terminal runs (and, via cascade, their history) whose
// last update is older than the cutoff. Normal transitions never destroy a
// run; only this retention policy does.
func (r *Registry) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.conn.ExecContext(ctx, r.q(
		`DELETE FROM validation_runs WHERE NOT (`+activePredicate+`) AND updated_at < ?`),
		formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune terminal runs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Registry) loadHistory(ctx context.Context, run *pipeline.ValidationRun) error {
	rows, err := r.conn.QueryContext(ctx, r.q(`
		SELECT executor, attempt, outcome, started_at, finished_at, detail
		FROM stage_results WHERE run_id = ? ORDER BY id ASC`), run.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	run.History = nil
	for rows.Next() {
		var sr pipeline.StageResult
		var executor, outcome, startedAt, finishedAt string
		var detail sql.NullString
		if err := rows.Scan(&executor, &sr.Attempt, &outcome, &startedAt, &finishedAt, &detail); err != nil {
			return fmt.Errorf("scan stage result: %w", err)
		}
		sr.Executor = pipeline.Executor(executor)
		sr.Outcome = pipeline.Outcome(outcome)
		sr.StartedAt = parseTime(startedAt)
		sr.FinishedAt = parseTime(finishedAt)
		sr.Detail = detail.String
		run.History = append(run.History, sr)
	}
	return rows.Err()
}

func scanValidationRun(row rowScanner) (*pipeline.ValidationRun, error) {
	var run pipeline.ValidationRun
	var agentRunID, attempts sql.NullString
	var eligible sql.NullBool
	var stage, createdAt, updatedAt string
	err := row.Scan(&run.ID, &agentRunID, &run.Repo, &run.PRNumber, &run.CommitSHA,
		&stage, &attempts, &eligible, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan validation run: %w", err)
	}
	run.AgentRunID = agentRunID.String
	run.Stage = pipeline.Stage(stage)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	if eligible.Valid {
		v := eligible.Bool
		run.AutoMergeEligible = &v
	}
	if attempts.Valid && attempts.String != "" {
		if err := json.Unmarshal([]byte(attempts.String), &run.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	if run.Attempts == nil {
		run.Attempts = make(map[pipeline.Executor]int)
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
