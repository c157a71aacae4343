package pipeline

import (
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts: map[Executor]int{
			ExecutorSnapshot: 3,
			ExecutorDeploy:   3,
			ExecutorEval:     2,
			ExecutorMerge:    2,
		},
		AutoMergeEnabled: true,
	}
}

func newRun(stage Stage) *ValidationRun {
	return &ValidationRun{
		ID:        "vr-1",
		Repo:      "github.com/acme/shop",
		PRNumber:  42,
		CommitSHA: "abc123",
		Stage:     stage,
		Attempts:  map[Executor]int{},
		CreatedAt: time.Now().UTC(),
	}
}

func callback(run *ValidationRun, t EventType, e Executor, attempt int) *Event {
	return &Event{
		Source:          SourceStageCallback,
		Type:            t,
		ValidationRunID: run.ID,
		Executor:        e,
		Attempt:         attempt,
		DedupeKey:       CallbackDedupeKey(run.ID, e, attempt),
		OccurredAt:      time.Now().UTC(),
	}
}

func passed(run *ValidationRun, e Executor, attempt int) {
	run.Attempts[e] = attempt
	run.History = append(run.History, StageResult{
		Executor: e, Attempt: attempt, Outcome: OutcomeSuccess,
	})
}

func requireNext(t *testing.T, d *Decision, next Stage) {
	t.Helper()
	if d.Discard {
		t.Fatalf("decision discarded (%s), want transition to %s", d.Reason, next)
	}
	if d.Next != next {
		t.Fatalf("next stage = %s, want %s", d.Next, next)
	}
}

func requireDiscard(t *testing.T, d *Decision) {
	t.Helper()
	if !d.Discard {
		t.Fatalf("expected discard, got transition %s -> %s", d.From, d.Next)
	}
}

func requireEffect(t *testing.T, d *Decision, kind EffectKind, e Executor, attempt int) {
	t.Helper()
	for _, ef := range d.Effects {
		if ef.Kind == kind && ef.Executor == e && ef.Attempt == attempt {
			return
		}
	}
	t.Fatalf("no effect %s/%s attempt %d in %+v", kind, e, attempt, d.Effects)
}

// Walks a run through the full pipeline: snapshot, deploy, eval, merge
// decision, merge.
func TestMachine_HappyPathToMerged(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageSnapshotPending)
	run.Attempts[ExecutorSnapshot] = 1

	d := m.Decide(run, callback(run, EventSnapshotReady, ExecutorSnapshot, 1))
	requireNext(t, d, StageSnapshotReady)
	requireEffect(t, d, EffectRunStage, ExecutorDeploy, 1)
	if d.Attempts[ExecutorDeploy] != 1 {
		t.Fatalf("deploy attempts = %d, want 1", d.Attempts[ExecutorDeploy])
	}

	run.Stage = StageSnapshotReady
	run.Attempts = d.Attempts
	d = m.Decide(run, callback(run, EventDeployStarted, ExecutorDeploy, 1))
	requireNext(t, d, StageDeploying)

	run.Stage = StageDeploying
	d = m.Decide(run, callback(run, EventDeploySucceeded, ExecutorDeploy, 1))
	requireNext(t, d, StageDeployed)
	requireEffect(t, d, EffectRunStage, ExecutorEval, 1)

	run.Stage = StageDeployed
	run.Attempts = d.Attempts
	d = m.Decide(run, callback(run, EventEvalStarted, ExecutorEval, 1))
	requireNext(t, d, StageEvaluating)

	run.Stage = StageEvaluating
	ev := callback(run, EventEvalSucceeded, ExecutorEval, 1)
	ev.Pass = true
	d = m.Decide(run, ev)
	requireNext(t, d, StageMergeDecision)
	requireEffect(t, d, EffectDecideMerge, "", 0)

	run.Stage = StageMergeDecision
	passed(run, ExecutorSnapshot, 1)
	passed(run, ExecutorDeploy, 1)
	passed(run, ExecutorEval, 1)
	decision := &Event{Type: EventMergeDecision, ValidationRunID: run.ID, ChecksClean: true}
	d = m.Decide(run, decision)
	requireNext(t, d, StageMergeDecision)
	requireEffect(t, d, EffectRunStage, ExecutorMerge, 1)
	if d.AutoMergeEligible == nil || !*d.AutoMergeEligible {
		t.Fatal("expected auto-merge eligible")
	}

	run.Attempts = d.Attempts
	run.AutoMergeEligible = d.AutoMergeEligible
	d = m.Decide(run, callback(run, EventMergeSucceeded, ExecutorMerge, 1))
	requireNext(t, d, StageMerged)
	if !d.Terminal {
		t.Fatal("merged must be terminal")
	}
}

// A failed deploy attempt under the cap retries from SnapshotReady with
// backoff; once attempts are exhausted the run becomes Errored and the
// failure context must be forwarded.
func TestMachine_DeployRetryThenExhaustion(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageDeploying)
	run.Attempts = map[Executor]int{ExecutorSnapshot: 1, ExecutorDeploy: 1}

	ev := callback(run, EventDeployFailed, ExecutorDeploy, 1)
	ev.Outcome = OutcomeFailure
	d := m.Decide(run, ev)
	requireNext(t, d, StageSnapshotReady)
	requireEffect(t, d, EffectRunStage, ExecutorDeploy, 2)
	for _, ef := range d.Effects {
		if ef.Kind == EffectRunStage && !ef.Backoff {
			t.Fatal("retry must carry backoff")
		}
	}

	// Exhaust the cap.
	run.Attempts[ExecutorDeploy] = 3
	ev = callback(run, EventDeployFailed, ExecutorDeploy, 3)
	d = m.Decide(run, ev)
	requireNext(t, d, StageErrored)
	if !d.Terminal {
		t.Fatal("errored must be terminal")
	}
	requireEffect(t, d, EffectForwardFailure, "", 0)
}

// Timeouts arrive as failed events with a timeout outcome and follow the
// same retry policy.
func TestMachine_EvalTimeoutRetries(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageEvaluating)
	run.Attempts = map[Executor]int{ExecutorSnapshot: 1, ExecutorDeploy: 1, ExecutorEval: 1}

	ev := callback(run, EventEvalFailed, ExecutorEval, 1)
	ev.Outcome = OutcomeTimeout
	d := m.Decide(run, ev)
	requireNext(t, d, StageEvaluating)
	requireEffect(t, d, EffectRunStage, ExecutorEval, 2)
	if d.Result == nil || d.Result.Outcome != OutcomeTimeout {
		t.Fatalf("result outcome = %+v, want timeout", d.Result)
	}
}

// A negative evaluator verdict is not a transient failure: the run errors
// immediately and context goes upstream.
func TestMachine_EvalVerdictFailFast(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageEvaluating)
	run.Attempts = map[Executor]int{ExecutorSnapshot: 1, ExecutorDeploy: 1, ExecutorEval: 1}

	ev := callback(run, EventEvalSucceeded, ExecutorEval, 1)
	ev.Pass = false
	d := m.Decide(run, ev)
	requireNext(t, d, StageErrored)
	requireEffect(t, d, EffectForwardFailure, "", 0)
}

// A newer head commit supersedes the current run; the same commit is a
// redelivery and does nothing.
func TestMachine_Supersession(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageDeploying)

	same := &Event{Type: EventPRUpdated, Repo: run.Repo, PRNumber: run.PRNumber, CommitSHA: run.CommitSHA}
	requireDiscard(t, m.Decide(run, same))

	newer := &Event{Type: EventPRUpdated, Repo: run.Repo, PRNumber: run.PRNumber, CommitSHA: "def456"}
	d := m.Decide(run, newer)
	requireNext(t, d, StageCancelled)
	if !d.Superseded {
		t.Fatal("expected superseded decision")
	}
	requireEffect(t, d, EffectCancelWork, "", 0)
}

func TestMachine_PRClosed(t *testing.T) {
	m := NewMachine(testPolicy())

	run := newRun(StageEvaluating)
	d := m.Decide(run, &Event{Type: EventPRClosed, Repo: run.Repo, PRNumber: run.PRNumber, Merged: true})
	requireNext(t, d, StageMerged)

	run = newRun(StageEvaluating)
	d = m.Decide(run, &Event{Type: EventPRClosed, Repo: run.Repo, PRNumber: run.PRNumber})
	requireNext(t, d, StageCancelled)
}

// Callbacks from a superseded attempt, a different executor, or a different
// run must be rejected, never processed.
func TestMachine_StaleCallbacksDiscarded(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageDeploying)
	run.Attempts = map[Executor]int{ExecutorSnapshot: 1, ExecutorDeploy: 2}

	requireDiscard(t, m.Decide(run, callback(run, EventDeploySucceeded, ExecutorDeploy, 1)))
	requireDiscard(t, m.Decide(run, callback(run, EventSnapshotReady, ExecutorSnapshot, 1)))

	other := callback(run, EventDeploySucceeded, ExecutorDeploy, 2)
	other.ValidationRunID = "vr-other"
	requireDiscard(t, m.Decide(run, other))
}

func TestMachine_TerminalRunDiscardsEverything(t *testing.T) {
	m := NewMachine(testPolicy())
	for _, stage := range []Stage{StageMerged, StageRejected, StageErrored, StageCancelled} {
		run := newRun(stage)
		requireDiscard(t, m.Decide(run, callback(run, EventDeploySucceeded, ExecutorDeploy, 1)))
		requireDiscard(t, m.Decide(run, &Event{Type: EventCancelRequested, ValidationRunID: run.ID}))
	}
}

// The auto-merge decision is computed exactly once. Unclean checks or a
// disabled flag reject the run; a duplicate decision event is a no-op.
func TestMachine_MergeDecision(t *testing.T) {
	run := newRun(StageMergeDecision)
	passed(run, ExecutorSnapshot, 1)
	passed(run, ExecutorDeploy, 1)
	passed(run, ExecutorEval, 1)

	m := NewMachine(testPolicy())
	d := m.Decide(run, &Event{Type: EventMergeDecision, ValidationRunID: run.ID, ChecksClean: false})
	requireNext(t, d, StageRejected)
	if !d.Terminal {
		t.Fatal("rejected must be terminal")
	}
	if d.AutoMergeEligible == nil || *d.AutoMergeEligible {
		t.Fatal("expected ineligible decision recorded")
	}

	off := testPolicy()
	off.AutoMergeEnabled = false
	d = NewMachine(off).Decide(run, &Event{Type: EventMergeDecision, ValidationRunID: run.ID, ChecksClean: true})
	requireNext(t, d, StageRejected)

	decided := true
	run.AutoMergeEligible = &decided
	requireDiscard(t, m.Decide(run, &Event{Type: EventMergeDecision, ValidationRunID: run.ID, ChecksClean: true}))
}

// A failed merge retries under its cap and the run stays in MergeDecision.
func TestMachine_MergeFailureRetries(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageMergeDecision)
	run.Attempts = map[Executor]int{ExecutorMerge: 1}
	eligible := true
	run.AutoMergeEligible = &eligible

	ev := callback(run, EventMergeFailed, ExecutorMerge, 1)
	d := m.Decide(run, ev)
	requireNext(t, d, StageMergeDecision)
	requireEffect(t, d, EffectRunStage, ExecutorMerge, 2)

	run.Attempts[ExecutorMerge] = 2
	d = m.Decide(run, callback(run, EventMergeFailed, ExecutorMerge, 2))
	requireNext(t, d, StageErrored)
}

// A deploy can fail before its started event lands; it retries from
// SnapshotReady.
func TestMachine_EarlyDeployFailure(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageSnapshotReady)
	run.Attempts = map[Executor]int{ExecutorSnapshot: 1, ExecutorDeploy: 1}

	d := m.Decide(run, callback(run, EventDeployFailed, ExecutorDeploy, 1))
	requireNext(t, d, StageSnapshotReady)
	requireEffect(t, d, EffectRunStage, ExecutorDeploy, 2)
}

func TestMachine_CancelRequested(t *testing.T) {
	m := NewMachine(testPolicy())
	run := newRun(StageEvaluating)
	d := m.Decide(run, &Event{Type: EventCancelRequested, ValidationRunID: run.ID})
	requireNext(t, d, StageCancelled)
	requireEffect(t, d, EffectCancelWork, "", 0)
}

func TestRunStatus_CanAdvance(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunCreated, RunPlanning, true},
		{RunPlanning, RunExecuting, true},
		{RunExecuting, RunPlanning, false},
		{RunPlanning, RunFailed, true},
		{RunFailed, RunExecuting, false},
		{RunPRCreated, RunCancelled, true},
		{RunCancelled, RunCreated, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvance(c.to); got != c.want {
			t.Errorf("CanAdvance(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
