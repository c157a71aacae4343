package pipeline

import "time"

// RunStatus is the lifecycle status of an AgentRun.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunPlanning  RunStatus = "planning"
	RunPlanReady RunStatus = "plan_ready"
	RunExecuting RunStatus = "executing"
	RunPRCreated RunStatus = "pr_created"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunFailed || s == RunCancelled
}

// runStatusRank orders the forward path of an AgentRun. Failed and Cancelled
// are reachable from any non-terminal status and are not ranked.
var runStatusRank = map[RunStatus]int{
	RunCreated:   0,
	RunPlanning:  1,
	RunPlanReady: 2,
	RunExecuting: 3,
	RunPRCreated: 4,
}

// CanAdvance reports whether moving from s to next respects the monotonic
// forward order, or moves into a terminal status.
func (s RunStatus) CanAdvance(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return runStatusRank[next] > runStatusRank[s]
}

// RunResult is the structured payload attached to a finished AgentRun:
// a plan, a PR reference, or an error — whichever the code-generation
// collaborator produced.
type RunResult struct {
	Plan     string `json:"plan,omitempty"`
	Repo     string `json:"repo,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AgentRun is one AI-driven change request, from prompt to PR (or failure).
type AgentRun struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Prompt    string     `json:"prompt"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Stage is the pipeline stage a ValidationRun is in.
type Stage string

const (
	StageSnapshotPending Stage = "snapshot_pending"
	StageSnapshotReady   Stage = "snapshot_ready"
	StageDeploying       Stage = "deploying"
	StageDeployed        Stage = "deployed"
	StageEvaluating      Stage = "evaluating"
	StageMergeDecision   Stage = "merge_decision"
	StageMerged          Stage = "merged"
	StageRejected        Stage = "rejected"
	StageErrored         Stage = "errored"
	StageCancelled       Stage = "cancelled"
)

// Terminal reports whether the stage ends the automation loop.
// Rejected is terminal for automation: the PR stays open for a human.
func (s Stage) Terminal() bool {
	switch s {
	case StageMerged, StageRejected, StageErrored, StageCancelled:
		return true
	}
	return false
}

// Executor names the retryable unit of external work for a stage.
type Executor string

const (
	ExecutorSnapshot Executor = "snapshot"
	ExecutorDeploy   Executor = "deploy"
	ExecutorEval     Executor = "eval"
	ExecutorMerge    Executor = "merge"
)

// Outcome classifies a finished stage attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// StageResult is an immutable record appended to a ValidationRun's history.
// Detail carries the collaborator-specific payload or error as JSON.
type StageResult struct {
	Executor   Executor  `json:"executor"`
	Attempt    int       `json:"attempt"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Detail     string    `json:"detail,omitempty"`
}

// ValidationRun is one attempt to validate a single pull-request revision
// through the snapshot → deploy → evaluate → merge pipeline.
type ValidationRun struct {
	ID         string `json:"id"`
	AgentRunID string `json:"agent_run_id,omitempty"` // empty for plain PR pushes
	Repo       string `json:"repo"`
	PRNumber   int    `json:"pr_number"`
	CommitSHA  string `json:"commit_sha"`
	Stage      Stage  `json:"stage"`

	// Attempts counts started attempts per executor. The counter for an
	// executor never exceeds the configured max before the run reaches a
	// terminal stage.
	Attempts map[Executor]int `json:"attempts"`

	History []StageResult `json:"history"`

	// AutoMergeEligible is computed exactly once when the run reaches
	// MergeDecision. Nil means not yet decided; a config flag flipped
	// mid-run does not change a completed decision.
	AutoMergeEligible *bool `json:"auto_merge_eligible,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptFor returns the started-attempt count for an executor.
func (v *ValidationRun) AttemptFor(e Executor) int {
	if v.Attempts == nil {
		return 0
	}
	return v.Attempts[e]
}

// LastResult returns the most recent history entry for an executor, or nil.
func (v *ValidationRun) LastResult(e Executor) *StageResult {
	for i := len(v.History) - 1; i >= 0; i-- {
		if v.History[i].Executor == e {
			return &v.History[i]
		}
	}
	return nil
}

// AllStagesPassed reports whether every executor that has run has a successful
// latest attempt, and the three pre-merge executors have all run.
func (v *ValidationRun) AllStagesPassed() bool {
	for _, e := range []Executor{ExecutorSnapshot, ExecutorDeploy, ExecutorEval} {
		last := v.LastResult(e)
		if last == nil || last.Outcome != OutcomeSuccess {
			return false
		}
	}
	return true
}
