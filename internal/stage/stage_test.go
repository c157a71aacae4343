package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSandbox struct {
	existing     *collab.SnapshotHandle
	provisioned  *collab.SnapshotHandle
	provisionErr error
	findErr      error

	execResults map[string]*collab.ExecResult
	execErr     error

	provisionCalls []collab.ProvisionRequest
	execCalls      []string
	destroyed      []string
}

func (f *fakeSandbox) Provision(ctx context.Context, req collab.ProvisionRequest) (*collab.SnapshotHandle, error) {
	f.provisionCalls = append(f.provisionCalls, req)
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return f.provisioned, nil
}

func (f *fakeSandbox) FindByKey(ctx context.Context, key string) (*collab.SnapshotHandle, error) {
	return f.existing, f.findErr
}

func (f *fakeSandbox) Exec(ctx context.Context, handleID, command string) (*collab.ExecResult, error) {
	f.execCalls = append(f.execCalls, command)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if res, ok := f.execResults[command]; ok {
		return res, nil
	}
	return &collab.ExecResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) Destroy(ctx context.Context, handleID string) error {
	f.destroyed = append(f.destroyed, handleID)
	return nil
}

type fakeEvaluator struct {
	report *collab.EvalReport
	err    error
	urls   []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, deployedURL, task string) (*collab.EvalReport, error) {
	f.urls = append(f.urls, deployedURL)
	return f.report, f.err
}

type fakeSCM struct {
	mergeErr error
	checks   bool
	merges   []string
}

func (f *fakeSCM) Merge(ctx context.Context, repo string, prNumber int, sha string) error {
	f.merges = append(f.merges, sha)
	return f.mergeErr
}

func (f *fakeSCM) RequiredChecksClean(ctx context.Context, repo, sha string) (bool, error) {
	return f.checks, nil
}

func runWithHistory(results ...pipeline.StageResult) *pipeline.ValidationRun {
	return &pipeline.ValidationRun{
		ID:        "vr-1",
		Repo:      "acme/shop",
		PRNumber:  7,
		CommitSHA: "abc123",
		History:   results,
	}
}

func snapshotSuccess() pipeline.StageResult {
	return pipeline.StageResult{
		Executor: pipeline.ExecutorSnapshot,
		Attempt:  1,
		Outcome:  pipeline.OutcomeSuccess,
		Detail:   marshalDetail(SnapshotDetail{HandleID: "snap-1", URL: "https://ws.example/snap-1"}),
	}
}

func deploySuccess() pipeline.StageResult {
	return pipeline.StageResult{
		Executor: pipeline.ExecutorDeploy,
		Attempt:  1,
		Outcome:  pipeline.OutcomeSuccess,
		Detail:   marshalDetail(DeployDetail{HandleID: "snap-1", DeployedURL: "https://ws.example/snap-1"}),
	}
}

func TestSnapshotExecutor_ProvisionsWithIdempotencyKey(t *testing.T) {
	sb := &fakeSandbox{provisioned: &collab.SnapshotHandle{ID: "snap-1", URL: "https://ws.example/snap-1"}}
	ex := NewSnapshotExecutor(sb, []string{"make setup"}, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 2)

	if sr.Outcome != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s, detail = %s", sr.Outcome, sr.Detail)
	}
	if len(sb.provisionCalls) != 1 {
		t.Fatalf("provision calls = %d, want 1", len(sb.provisionCalls))
	}
	req := sb.provisionCalls[0]
	wantKey := pipeline.CallbackDedupeKey("vr-1", pipeline.ExecutorSnapshot, 2)
	if req.IdempotencyKey != wantKey {
		t.Errorf("idempotency key = %q, want %q", req.IdempotencyKey, wantKey)
	}
	if req.CommitSHA != "abc123" || len(req.SetupCommands) != 1 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(sr.Detail, "snap-1") {
		t.Errorf("detail missing handle: %s", sr.Detail)
	}
}

func TestSnapshotExecutor_ReusesExistingSnapshot(t *testing.T) {
	sb := &fakeSandbox{existing: &collab.SnapshotHandle{ID: "snap-old"}}
	ex := NewSnapshotExecutor(sb, nil, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 1)

	if sr.Outcome != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s", sr.Outcome)
	}
	if len(sb.provisionCalls) != 0 {
		t.Error("provisioned despite an existing snapshot for the key")
	}
	if !strings.Contains(sr.Detail, "snap-old") {
		t.Errorf("detail = %s", sr.Detail)
	}
}

func TestSnapshotExecutor_ProvisionFailure(t *testing.T) {
	sb := &fakeSandbox{provisionErr: errors.New("quota exceeded")}
	ex := NewSnapshotExecutor(sb, nil, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 1)

	if sr.Outcome != pipeline.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", sr.Outcome)
	}
	if !strings.Contains(sr.Detail, "quota exceeded") {
		t.Errorf("detail = %s", sr.Detail)
	}
}

func TestDeployExecutor_RunsCommandsInOrder(t *testing.T) {
	sb := &fakeSandbox{}
	ex := NewDeployExecutor(sb, []string{"make build", "make deploy"}, discard)

	sr := ex.Execute(context.Background(), runWithHistory(snapshotSuccess()), 1)

	if sr.Outcome != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s, detail = %s", sr.Outcome, sr.Detail)
	}
	if len(sb.execCalls) != 2 || sb.execCalls[0] != "make build" || sb.execCalls[1] != "make deploy" {
		t.Errorf("exec calls = %v", sb.execCalls)
	}
	if !strings.Contains(sr.Detail, "https://ws.example/snap-1") {
		t.Errorf("detail missing deployed URL: %s", sr.Detail)
	}
}

func TestDeployExecutor_MissingSnapshotFails(t *testing.T) {
	ex := NewDeployExecutor(&fakeSandbox{}, []string{"make deploy"}, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 1)

	if sr.Outcome != pipeline.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", sr.Outcome)
	}
	if !strings.Contains(sr.Detail, ErrMissingPrereq.Error()) {
		t.Errorf("detail = %s", sr.Detail)
	}
}

func TestDeployExecutor_NonZeroExitCapturesStderr(t *testing.T) {
	sb := &fakeSandbox{execResults: map[string]*collab.ExecResult{
		"make deploy": {ExitCode: 2, Stderr: "migration 0042 failed"},
	}}
	ex := NewDeployExecutor(sb, []string{"make deploy"}, discard)

	sr := ex.Execute(context.Background(), runWithHistory(snapshotSuccess()), 1)

	if sr.Outcome != pipeline.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", sr.Outcome)
	}
	if !strings.Contains(sr.Detail, "migration 0042 failed") {
		t.Errorf("stderr not in detail: %s", sr.Detail)
	}
}

func TestEvalExecutor_FailedVerdictIsStillSuccess(t *testing.T) {
	ev := &fakeEvaluator{report: &collab.EvalReport{
		Pass:     false,
		Findings: []collab.Finding{{Severity: "error", Message: "checkout button missing"}},
	}}
	ex := NewEvalExecutor(ev, "verify the checkout flow", discard)

	sr := ex.Execute(context.Background(), runWithHistory(snapshotSuccess(), deploySuccess()), 1)

	// A completed evaluation is a successful attempt; the verdict travels in
	// the detail payload.
	if sr.Outcome != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s, detail = %s", sr.Outcome, sr.Detail)
	}
	if !strings.Contains(sr.Detail, `"pass":false`) {
		t.Errorf("verdict not recorded: %s", sr.Detail)
	}
	if len(ev.urls) != 1 || ev.urls[0] != "https://ws.example/snap-1" {
		t.Errorf("evaluated URLs = %v", ev.urls)
	}
}

func TestEvalExecutor_EvaluatorErrorFails(t *testing.T) {
	ev := &fakeEvaluator{err: errors.New("browser pool exhausted")}
	ex := NewEvalExecutor(ev, "verify", discard)

	sr := ex.Execute(context.Background(), runWithHistory(snapshotSuccess(), deploySuccess()), 1)

	if sr.Outcome != pipeline.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", sr.Outcome)
	}
}

func TestMergeExecutor_MergesHeadCommit(t *testing.T) {
	scm := &fakeSCM{}
	ex := NewMergeExecutor(scm, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 1)

	if sr.Outcome != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %s", sr.Outcome)
	}
	if len(scm.merges) != 1 || scm.merges[0] != "abc123" {
		t.Errorf("merged SHAs = %v", scm.merges)
	}
	if !strings.Contains(sr.Detail, `"merged":true`) {
		t.Errorf("detail = %s", sr.Detail)
	}
}

func TestMergeExecutor_ConflictRecorded(t *testing.T) {
	scm := &fakeSCM{mergeErr: collab.ErrMergeConflict}
	ex := NewMergeExecutor(scm, discard)

	sr := ex.Execute(context.Background(), runWithHistory(), 1)

	if sr.Outcome != pipeline.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", sr.Outcome)
	}
	if !strings.Contains(sr.Detail, `"conflict":true`) {
		t.Errorf("conflict flag missing: %s", sr.Detail)
	}
}

func TestFinish_ClassifiesContextState(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		sr := finish(ctx, begin(pipeline.ExecutorDeploy, 1), ctx.Err())
		if sr.Outcome != pipeline.OutcomeTimeout {
			t.Errorf("outcome = %s, want timeout", sr.Outcome)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sr := finish(ctx, begin(pipeline.ExecutorDeploy, 1), ctx.Err())
		if sr.Outcome != pipeline.OutcomeCancelled {
			t.Errorf("outcome = %s, want cancelled", sr.Outcome)
		}
	})
	t.Run("plain error", func(t *testing.T) {
		sr := finish(context.Background(), begin(pipeline.ExecutorDeploy, 1), errors.New("boom"))
		if sr.Outcome != pipeline.OutcomeFailure {
			t.Errorf("outcome = %s, want failure", sr.Outcome)
		}
	})
}
