package pipeline

import (
	"fmt"
	"time"
)

// Policy holds the configured limits the state machine applies. Retry and
// merge parameters are configuration, never hard-coded.
type Policy struct {
	// MaxAttempts caps started attempts per executor. Exceeding a cap forces
	// the run to Errored.
	MaxAttempts map[Executor]int

	// AutoMergeEnabled is the project flag conjoined into the auto-merge
	// decision at MergeDecision time.
	AutoMergeEnabled bool
}

// MaxFor returns the attempt cap for an executor, defaulting to 1.
func (p Policy) MaxFor(e Executor) int {
	if n, ok := p.MaxAttempts[e]; ok && n > 0 {
		return n
	}
	return 1
}

// EffectKind names a side-effecting action the caller must carry out after
// durably applying a decision. The machine itself performs no I/O.
type EffectKind string

const (
	// EffectRunStage schedules an executor attempt, optionally after backoff.
	EffectRunStage EffectKind = "run_stage"
	// EffectDecideMerge asks the supervisor to gather merge-decision inputs
	// and feed back a merge_decision event.
	EffectDecideMerge EffectKind = "decide_merge"
	// EffectCancelWork aborts the run's in-flight executor, if any.
	EffectCancelWork EffectKind = "cancel_work"
	// EffectForwardFailure packages the run's failure context and submits it
	// upstream to the code-generation collaborator.
	EffectForwardFailure EffectKind = "forward_failure"
)

// Effect is one required side effect of a decision.
type Effect struct {
	Kind     EffectKind
	Executor Executor
	Attempt  int
	Backoff  bool // apply the retry backoff delay before running
}

// Decision is the outcome of feeding one event to the state machine.
// The caller applies it to storage atomically (compare-and-swap on the stage
// the decision was computed from) and only then executes the effects.
type Decision struct {
	From     Stage
	Next     Stage
	Terminal bool

	// Discard marks the event stale or irrelevant: no transition, no effects.
	Discard bool
	Reason  string

	// Superseded marks a discard-with-cancellation: a newer commit or a
	// manual action has taken over the aggregate.
	Superseded bool

	// Attempts carries the updated per-executor counters to persist.
	Attempts map[Executor]int

	// Result, when non-nil, is appended to the run's history.
	Result *StageResult

	// AutoMergeEligible, when non-nil, records the one-shot merge decision.
	AutoMergeEligible *bool

	Effects []Effect
}

// Machine computes validation-run transitions. It is a pure function of
// (run, event) plus the configured policy; it never touches storage.
type Machine struct {
	policy Policy
}

// NewMachine creates a state machine with the given policy.
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy}
}

func discard(run *ValidationRun, reason string) *Decision {
	return &Decision{From: run.Stage, Next: run.Stage, Discard: true, Reason: reason}
}

// Decide computes the next stage, side effects, and terminality for one event
// against the run's current state.
func (m *Machine) Decide(run *ValidationRun, ev *Event) *Decision {
	if run.Stage.Terminal() {
		return discard(run, "run is terminal")
	}

	switch ev.Type {
	case EventPROpened, EventPRUpdated:
		// A reopened or synchronized PR with a new head supersedes; the
		// orchestrator creates the replacement run.
		return m.decideSupersession(run, ev)
	case EventPRClosed:
		return m.decidePRClosed(run, ev)
	case EventCancelRequested:
		return m.cancel(run, "cancelled by request")
	}

	// Everything below is a stage callback or timer for this run. A callback
	// for a different run, executor, or attempt than the one in flight is
	// stale: a superseded side effect arriving late must be rejected, not
	// processed.
	if ev.ValidationRunID != run.ID {
		return discard(run, "callback for different run")
	}

	switch run.Stage {
	case StageSnapshotPending:
		return m.decideSnapshot(run, ev)
	case StageSnapshotReady:
		return m.decideSnapshotReady(run, ev)
	case StageDeploying:
		return m.decideDeploying(run, ev)
	case StageDeployed:
		return m.decideDeployed(run, ev)
	case StageEvaluating:
		return m.decideEvaluating(run, ev)
	case StageMergeDecision:
		return m.decideMerge(run, ev)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

// decideSupersession handles a newer commit arriving on the same PR. Only an
// event carrying a different head SHA than the run already holds supersedes;
// a redelivery of the run's own SHA is a no-op.
func (m *Machine) decideSupersession(run *ValidationRun, ev *Event) *Decision {
	if ev.Repo != run.Repo || ev.PRNumber != run.PRNumber {
		return discard(run, "event for different aggregate")
	}
	if ev.CommitSHA == run.CommitSHA {
		return discard(run, "same commit already validating")
	}
	d := m.cancel(run, "superseded by newer commit")
	d.Superseded = true
	return d
}

func (m *Machine) decidePRClosed(run *ValidationRun, ev *Event) *Decision {
	if ev.Repo != run.Repo || ev.PRNumber != run.PRNumber {
		return discard(run, "event for different aggregate")
	}
	if ev.Merged {
		// Merged outside the automation loop (or our own merge confirmed by
		// the provider after the run already advanced). The aggregate is done.
		return &Decision{From: run.Stage, Next: StageMerged, Terminal: true,
			Effects: []Effect{{Kind: EffectCancelWork}}}
	}
	return m.cancel(run, "pr closed without merge")
}

func (m *Machine) cancel(run *ValidationRun, reason string) *Decision {
	return &Decision{
		From:     run.Stage,
		Next:     StageCancelled,
		Terminal: true,
		Reason:   reason,
		Effects:  []Effect{{Kind: EffectCancelWork}},
	}
}

// staleCallback rejects callbacks whose executor or attempt does not match
// the attempt currently in flight.
func staleCallback(run *ValidationRun, ev *Event, want Executor) *Decision {
	if ev.Executor != want {
		return discard(run, fmt.Sprintf("callback for %s while awaiting %s", ev.Executor, want))
	}
	if ev.Attempt != run.AttemptFor(want) {
		return discard(run, fmt.Sprintf("callback for attempt %d, current is %d", ev.Attempt, run.AttemptFor(want)))
	}
	return nil
}

func (m *Machine) decideSnapshot(run *ValidationRun, ev *Event) *Decision {
	if d := staleCallback(run, ev, ExecutorSnapshot); d != nil {
		return d
	}
	switch ev.Type {
	case EventSnapshotReady:
		return &Decision{
			From:   run.Stage,
			Next:   StageSnapshotReady,
			Result: resultFromEvent(ev, OutcomeSuccess),
			Effects: []Effect{{
				Kind:     EffectRunStage,
				Executor: ExecutorDeploy,
				Attempt:  run.AttemptFor(ExecutorDeploy) + 1,
			}},
			Attempts: bumpAttempt(run, ExecutorDeploy),
		}
	case EventSnapshotFailed:
		return m.retryOrFail(run, ev, ExecutorSnapshot, StageSnapshotPending)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

func (m *Machine) decideSnapshotReady(run *ValidationRun, ev *Event) *Decision {
	if d := staleCallback(run, ev, ExecutorDeploy); d != nil {
		return d
	}
	if ev.Type == EventDeployStarted {
		return &Decision{From: run.Stage, Next: StageDeploying}
	}
	// A deploy can fail before its started event lands (provisioned snapshot
	// gone, connection refused). Route it through the same retry policy.
	if ev.Type == EventDeployFailed {
		return m.retryOrFail(run, ev, ExecutorDeploy, StageSnapshotReady)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

func (m *Machine) decideDeploying(run *ValidationRun, ev *Event) *Decision {
	if d := staleCallback(run, ev, ExecutorDeploy); d != nil {
		return d
	}
	switch ev.Type {
	case EventDeploySucceeded:
		return &Decision{
			From:   run.Stage,
			Next:   StageDeployed,
			Result: resultFromEvent(ev, OutcomeSuccess),
			Effects: []Effect{{
				Kind:     EffectRunStage,
				Executor: ExecutorEval,
				Attempt:  run.AttemptFor(ExecutorEval) + 1,
			}},
			Attempts: bumpAttempt(run, ExecutorEval),
		}
	case EventDeployFailed:
		// Deploy retries re-enter from SnapshotReady: the snapshot is intact,
		// only the deployment is re-attempted.
		return m.retryOrFail(run, ev, ExecutorDeploy, StageSnapshotReady)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

func (m *Machine) decideDeployed(run *ValidationRun, ev *Event) *Decision {
	if d := staleCallback(run, ev, ExecutorEval); d != nil {
		return d
	}
	if ev.Type == EventEvalStarted {
		return &Decision{From: run.Stage, Next: StageEvaluating}
	}
	if ev.Type == EventEvalFailed {
		return m.retryOrFail(run, ev, ExecutorEval, StageDeployed)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

func (m *Machine) decideEvaluating(run *ValidationRun, ev *Event) *Decision {
	if d := staleCallback(run, ev, ExecutorEval); d != nil {
		return d
	}
	switch ev.Type {
	case EventEvalSucceeded:
		if !ev.Pass {
			// The evaluator rendered a verdict: the change does not work.
			// That is not a transient failure; forward context upstream.
			return m.errored(run, resultFromEvent(ev, OutcomeFailure))
		}
		return &Decision{
			From:    run.Stage,
			Next:    StageMergeDecision,
			Result:  resultFromEvent(ev, OutcomeSuccess),
			Effects: []Effect{{Kind: EffectDecideMerge}},
		}
	case EventEvalFailed:
		// Timeouts arrive as eval_failed with Outcome == timeout; both are
		// retried identically.
		return m.retryOrFail(run, ev, ExecutorEval, StageEvaluating)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

func (m *Machine) decideMerge(run *ValidationRun, ev *Event) *Decision {
	switch ev.Type {
	case EventMergeDecision:
		if run.AutoMergeEligible != nil {
			return discard(run, "merge decision already made")
		}
		eligible := run.AllStagesPassed() && m.policy.AutoMergeEnabled && ev.ChecksClean
		d := &Decision{From: run.Stage, AutoMergeEligible: &eligible}
		if !eligible {
			// Terminal for automation; the PR awaits manual action.
			d.Next = StageRejected
			d.Terminal = true
			return d
		}
		d.Next = StageMergeDecision
		d.Effects = []Effect{{
			Kind:     EffectRunStage,
			Executor: ExecutorMerge,
			Attempt:  run.AttemptFor(ExecutorMerge) + 1,
		}}
		d.Attempts = bumpAttempt(run, ExecutorMerge)
		return d
	case EventMergeSucceeded:
		if d := staleCallback(run, ev, ExecutorMerge); d != nil {
			return d
		}
		return &Decision{
			From:     run.Stage,
			Next:     StageMerged,
			Terminal: true,
			Result:   resultFromEvent(ev, OutcomeSuccess),
		}
	case EventMergeFailed:
		if d := staleCallback(run, ev, ExecutorMerge); d != nil {
			return d
		}
		return m.retryOrFail(run, ev, ExecutorMerge, StageMergeDecision)
	}
	return discard(run, fmt.Sprintf("no transition for %s in %s", ev.Type, run.Stage))
}

// retryOrFail applies the per-executor retry policy to a failed or timed-out
// attempt: retry with backoff from retryStage while attempts remain, Errored
// once exhausted.
func (m *Machine) retryOrFail(run *ValidationRun, ev *Event, e Executor, retryStage Stage) *Decision {
	outcome := ev.Outcome
	if outcome == "" {
		outcome = OutcomeFailure
	}
	result := resultFromEvent(ev, outcome)

	if run.AttemptFor(e) >= m.policy.MaxFor(e) {
		return m.errored(run, result)
	}
	return &Decision{
		From:   run.Stage,
		Next:   retryStage,
		Result: result,
		Effects: []Effect{{
			Kind:     EffectRunStage,
			Executor: e,
			Attempt:  run.AttemptFor(e) + 1,
			Backoff:  true,
		}},
		Attempts: bumpAttempt(run, e),
	}
}

func (m *Machine) errored(run *ValidationRun, result *StageResult) *Decision {
	return &Decision{
		From:     run.Stage,
		Next:     StageErrored,
		Terminal: true,
		Result:   result,
		Effects:  []Effect{{Kind: EffectForwardFailure}},
	}
}

// bumpAttempt copies the run's attempt counters with e incremented.
func bumpAttempt(run *ValidationRun, e Executor) map[Executor]int {
	next := make(map[Executor]int, len(run.Attempts)+1)
	for k, v := range run.Attempts {
		next[k] = v
	}
	next[e]++
	return next
}

func resultFromEvent(ev *Event, outcome Outcome) *StageResult {
	finished := ev.OccurredAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	return &StageResult{
		Executor:   ev.Executor,
		Attempt:    ev.Attempt,
		Outcome:    outcome,
		StartedAt:  ev.StartedAt,
		FinishedAt: finished,
		Detail:     ev.Detail,
	}
}
