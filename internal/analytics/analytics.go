// Package analytics computes reporting summaries over the registry: how long
// stages take, how often they fail, and how validation runs end per
// repository. Read-only; nothing here mutates pipeline state.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Querier is the read surface analytics needs. Implemented by the registry.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StageDuration holds attempt duration stats for one executor.
type StageDuration struct {
	Executor string  `json:"executor"`
	Count    int     `json:"count"`
	Avg      float64 `json:"avg_seconds"`
	P50      float64 `json:"p50_seconds"`
	P95      float64 `json:"p95_seconds"`
}

// QueryStageDurations returns duration stats per executor over finished
// attempts. Attempts with unparseable or inverted timestamps are skipped.
func QueryStageDurations(ctx context.Context, q Querier, since time.Time) ([]StageDuration, error) {
	query := `SELECT executor, started_at, finished_at FROM stage_results`
	var args []any
	if !since.IsZero() {
		query += ` WHERE finished_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	for rows.Next() {
		var executor, startTS, endTS string
		if err := rows.Scan(&executor, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		start, err1 := time.Parse(time.RFC3339Nano, startTS)
		end, err2 := time.Parse(time.RFC3339Nano, endTS)
		if err1 != nil || err2 != nil {
			continue
		}
		if secs := end.Sub(start).Seconds(); secs > 0 {
			durations[executor] = append(durations[executor], secs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for executor, samples := range durations {
		sort.Float64s(samples)
		results = append(results, StageDuration{
			Executor: executor,
			Count:    len(samples),
			Avg:      avg(samples),
			P50:      percentile(samples, 50),
			P95:      percentile(samples, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Executor < results[j].Executor
	})
	return results, nil
}

// OutcomeRate holds per-executor attempt outcome counts.
type OutcomeRate struct {
	Executor  string  `json:"executor"`
	Total     int     `json:"total"`
	Success   int     `json:"success"`
	Failure   int     `json:"failure"`
	Timeout   int     `json:"timeout"`
	Cancelled int     `json:"cancelled"`
	PassPct   float64 `json:"pass_pct"`
}

// QueryOutcomeRates returns how attempts ended per executor.
func QueryOutcomeRates(ctx context.Context, q Querier, since time.Time) ([]OutcomeRate, error) {
	query := `
		SELECT executor,
			COUNT(*),
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'timeout' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END)
		FROM stage_results`
	var args []any
	if !since.IsZero() {
		query += ` WHERE finished_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` GROUP BY executor ORDER BY executor`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome rates: %w", err)
	}
	defer rows.Close()

	var results []OutcomeRate
	for rows.Next() {
		var r OutcomeRate
		if err := rows.Scan(&r.Executor, &r.Total, &r.Success, &r.Failure, &r.Timeout, &r.Cancelled); err != nil {
			return nil, fmt.Errorf("scan outcome rate: %w", err)
		}
		if r.Total > 0 {
			r.PassPct = 100 * float64(r.Success) / float64(r.Total)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RepoSummary holds terminal-stage counts for one repository's validation
// runs.
type RepoSummary struct {
	Repo      string  `json:"repo"`
	Total     int     `json:"total"`
	Active    int     `json:"active"`
	Merged    int     `json:"merged"`
	Rejected  int     `json:"rejected"`
	Errored   int     `json:"errored"`
	Cancelled int     `json:"cancelled"`
	MergePct  float64 `json:"merge_pct"`
}

// QueryRepoSummaries returns per-repo validation run tallies. MergePct is
// merged over finished runs; superseded (cancelled) runs are excluded from
// the denominator so frequent pushes do not read as failures.
func QueryRepoSummaries(ctx context.Context, q Querier, since time.Time) ([]RepoSummary, error) {
	query := `
		SELECT repo,
			COUNT(*),
			SUM(CASE WHEN stage NOT IN ('merged','rejected','errored','cancelled') THEN 1 ELSE 0 END),
			SUM(CASE WHEN stage = 'merged' THEN 1 ELSE 0 END),
			SUM(CASE WHEN stage = 'rejected' THEN 1 ELSE 0 END),
			SUM(CASE WHEN stage = 'errored' THEN 1 ELSE 0 END),
			SUM(CASE WHEN stage = 'cancelled' THEN 1 ELSE 0 END)
		FROM validation_runs`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` GROUP BY repo ORDER BY repo`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repo summaries: %w", err)
	}
	defer rows.Close()

	var results []RepoSummary
	for rows.Next() {
		var r RepoSummary
		if err := rows.Scan(&r.Repo, &r.Total, &r.Active, &r.Merged, &r.Rejected, &r.Errored, &r.Cancelled); err != nil {
			return nil, fmt.Errorf("scan repo summary: %w", err)
		}
		finished := r.Merged + r.Rejected + r.Errored
		if finished > 0 {
			r.MergePct = 100 * float64(r.Merged) / float64(finished)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RetrySummary reports how often each executor needed more than one attempt.
type RetrySummary struct {
	Executor   string  `json:"executor"`
	Runs       int     `json:"runs"`
	Retried    int     `json:"retried"`
	MaxAttempt int     `json:"max_attempt"`
	RetryPct   float64 `json:"retry_pct"`
}

// QueryRetrySummaries returns per-executor retry frequency across runs.
func QueryRetrySummaries(ctx context.Context, q Querier, since time.Time) ([]RetrySummary, error) {
	query := `
		SELECT executor, run_id, MAX(attempt)
		FROM stage_results`
	var args []any
	if !since.IsZero() {
		query += ` WHERE finished_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` GROUP BY executor, run_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry summaries: %w", err)
	}
	defer rows.Close()

	summaries := make(map[string]*RetrySummary)
	for rows.Next() {
		var executor, runID string
		var maxAttempt int
		if err := rows.Scan(&executor, &runID, &maxAttempt); err != nil {
			return nil, fmt.Errorf("scan retry summary: %w", err)
		}
		s := summaries[executor]
		if s == nil {
			s = &RetrySummary{Executor: executor}
			summaries[executor] = s
		}
		s.Runs++
		if maxAttempt > 1 {
			s.Retried++
		}
		if maxAttempt > s.MaxAttempt {
			s.MaxAttempt = maxAttempt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []RetrySummary
	for _, s := range summaries {
		if s.Runs > 0 {
			s.RetryPct = 100 * float64(s.Retried) / float64(s.Runs)
		}
		results = append(results, *s)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Executor < results[j].Executor
	})
	return results, nil
}

func avg(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// percentile returns the p-th percentile of a sorted sample using
// nearest-rank.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
