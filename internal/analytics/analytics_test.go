package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/registry"
)

// seedRegistry writes two repos' worth of validation runs with stage history
// through the normal registry API.
func seedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(registry.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	ctx := context.Background()
	if err := reg.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	newRun := func(id, repo string, pr int) *pipeline.ValidationRun {
		return &pipeline.ValidationRun{
			ID: id, Repo: repo, PRNumber: pr, CommitSHA: "abc123",
			Stage:     pipeline.StageSnapshotPending,
			CreatedAt: base, UpdatedAt: base,
		}
	}
	result := func(e pipeline.Executor, attempt int, outcome pipeline.Outcome, secs int) *pipeline.StageResult {
		return &pipeline.StageResult{
			Executor: e, Attempt: attempt, Outcome: outcome,
			StartedAt:  base,
			FinishedAt: base.Add(time.Duration(secs) * time.Second),
		}
	}
	apply := func(id string, from, to pipeline.Stage, res *pipeline.StageResult) {
		t.Helper()
		err := reg.ApplyTransition(ctx, &registry.Transition{RunID: id, FromStage: from, ToStage: to, Result: res})
		if err != nil {
			t.Fatalf("transition %s: %v", id, err)
		}
	}

	// shop run 1: snapshot needed a retry, then merged.
	if err := reg.CreateValidationRun(ctx, newRun("vr-1", "acme/shop", 1)); err != nil {
		t.Fatalf("create vr-1: %v", err)
	}
	apply("vr-1", pipeline.StageSnapshotPending, pipeline.StageSnapshotPending,
		result(pipeline.ExecutorSnapshot, 1, pipeline.OutcomeFailure, 5))
	apply("vr-1", pipeline.StageSnapshotPending, pipeline.StageSnapshotReady,
		result(pipeline.ExecutorSnapshot, 2, pipeline.OutcomeSuccess, 10))
	apply("vr-1", pipeline.StageSnapshotReady, pipeline.StageMerged,
		result(pipeline.ExecutorMerge, 1, pipeline.OutcomeSuccess, 2))

	// shop run 2: errored out in deploy.
	if err := reg.CreateValidationRun(ctx, newRun("vr-2", "acme/shop", 2)); err != nil {
		t.Fatalf("create vr-2: %v", err)
	}
	apply("vr-2", pipeline.StageSnapshotPending, pipeline.StageErrored,
		result(pipeline.ExecutorDeploy, 1, pipeline.OutcomeTimeout, 60))

	// shop run 3: still in flight.
	if err := reg.CreateValidationRun(ctx, newRun("vr-3", "acme/shop", 3)); err != nil {
		t.Fatalf("create vr-3: %v", err)
	}

	// blog run: superseded.
	if err := reg.CreateValidationRun(ctx, newRun("vr-4", "acme/blog", 1)); err != nil {
		t.Fatalf("create vr-4: %v", err)
	}
	apply("vr-4", pipeline.StageSnapshotPending, pipeline.StageCancelled, nil)

	return reg
}

func TestQueryStageDurations(t *testing.T) {
	reg := seedRegistry(t)

	stats, err := QueryStageDurations(context.Background(), reg, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	byExecutor := make(map[string]StageDuration)
	for _, s := range stats {
		byExecutor[s.Executor] = s
	}

	snap, ok := byExecutor["snapshot"]
	if !ok {
		t.Fatalf("no snapshot stats in %+v", stats)
	}
	if snap.Count != 2 {
		t.Errorf("snapshot samples = %d, want 2", snap.Count)
	}
	if snap.Avg != 7.5 {
		t.Errorf("snapshot avg = %v, want 7.5", snap.Avg)
	}
	if snap.P95 != 10 {
		t.Errorf("snapshot p95 = %v, want 10", snap.P95)
	}

	if d := byExecutor["deploy"]; d.Count != 1 || d.P50 != 60 {
		t.Errorf("deploy stats = %+v", d)
	}
}

func TestQueryStageDurations_SinceFilter(t *testing.T) {
	reg := seedRegistry(t)

	// Everything seeded finished around an hour ago.
	stats, err := QueryStageDurations(context.Background(), reg, time.Now().UTC())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("stats = %+v, want none after the cutoff", stats)
	}
}

func TestQueryOutcomeRates(t *testing.T) {
	reg := seedRegistry(t)

	rates, err := QueryOutcomeRates(context.Background(), reg, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	byExecutor := make(map[string]OutcomeRate)
	for _, r := range rates {
		byExecutor[r.Executor] = r
	}

	snap := byExecutor["snapshot"]
	if snap.Total != 2 || snap.Success != 1 || snap.Failure != 1 {
		t.Errorf("snapshot rates = %+v", snap)
	}
	if snap.PassPct != 50 {
		t.Errorf("snapshot pass pct = %v, want 50", snap.PassPct)
	}

	dep := byExecutor["deploy"]
	if dep.Timeout != 1 || dep.PassPct != 0 {
		t.Errorf("deploy rates = %+v", dep)
	}
}

func TestQueryRepoSummaries(t *testing.T) {
	reg := seedRegistry(t)

	summaries, err := QueryRepoSummaries(context.Background(), reg, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %+v, want 2 repos", summaries)
	}

	// Sorted by repo: blog first.
	blog := summaries[0]
	if blog.Repo != "acme/blog" || blog.Cancelled != 1 || blog.MergePct != 0 {
		t.Errorf("blog summary = %+v", blog)
	}

	shop := summaries[1]
	if shop.Total != 3 || shop.Active != 1 || shop.Merged != 1 || shop.Errored != 1 {
		t.Errorf("shop summary = %+v", shop)
	}
	// Merged over finished runs: 1 merged of 2 finished.
	if shop.MergePct != 50 {
		t.Errorf("shop merge pct = %v, want 50", shop.MergePct)
	}
}

func TestQueryRetrySummaries(t *testing.T) {
	reg := seedRegistry(t)

	summaries, err := QueryRetrySummaries(context.Background(), reg, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	byExecutor := make(map[string]RetrySummary)
	for _, s := range summaries {
		byExecutor[s.Executor] = s
	}

	snap := byExecutor["snapshot"]
	if snap.Runs != 1 || snap.Retried != 1 || snap.MaxAttempt != 2 {
		t.Errorf("snapshot retries = %+v", snap)
	}
	if snap.RetryPct != 100 {
		t.Errorf("snapshot retry pct = %v", snap.RetryPct)
	}

	merge := byExecutor["merge"]
	if merge.Runs != 1 || merge.Retried != 0 {
		t.Errorf("merge retries = %+v", merge)
	}
}

func TestPercentile(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    int
		want float64
	}{
		{50, 5},
		{95, 10},
		{100, 10},
		{1, 1},
	}
	for _, tc := range tests {
		if got := percentile(samples, tc.p); got != tc.want {
			t.Errorf("percentile(%d) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("percentile of empty sample = %v", got)
	}
}
