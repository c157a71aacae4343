// Package collab defines the narrow interfaces to the pipeline's external
// collaborators — sandbox provider, automated evaluator, source-control
// provider, and the code-generation service — plus HTTP clients for each.
// Everything behind these interfaces is out of the orchestrator's scope.
package collab

import (
	"context"
	"errors"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// ErrMergeConflict is returned by SourceControl.Merge when the PR cannot be
// merged as-is.
var ErrMergeConflict = errors.New("collab: merge conflict")

// SnapshotHandle identifies a provisioned sandbox snapshot.
type SnapshotHandle struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"` // base URL of the running workspace
}

// ProvisionRequest describes a sandbox to provision.
type ProvisionRequest struct {
	Repo           string   `json:"repo"`
	CommitSHA      string   `json:"commit_sha"`
	SetupCommands  []string `json:"setup_commands,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// ExecResult is the outcome of running one command inside a snapshot.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Sandbox provisions and drives isolated workspaces.
type Sandbox interface {
	// Provision creates a snapshot for a commit. Providers honor the
	// idempotency key: re-provisioning the same key returns the existing
	// snapshot instead of creating a duplicate.
	Provision(ctx context.Context, req ProvisionRequest) (*SnapshotHandle, error)
	// FindByKey returns the snapshot previously provisioned under the key,
	// or nil when none exists. Executors check before they create.
	FindByKey(ctx context.Context, idempotencyKey string) (*SnapshotHandle, error)
	// Exec runs a command inside the snapshot.
	Exec(ctx context.Context, handleID, command string) (*ExecResult, error)
	// Destroy releases the snapshot. Best-effort; cleanup is not on the
	// pipeline's critical path.
	Destroy(ctx context.Context, handleID string) error
}

// Finding is one observation from the automated evaluator.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// EvalReport is the evaluator's verdict on a deployed target.
type EvalReport struct {
	Pass     bool      `json:"pass"`
	Findings []Finding `json:"findings,omitempty"`
}

// Evaluator drives automated web/UI evaluation against a deployed target.
type Evaluator interface {
	Evaluate(ctx context.Context, deployedURL, taskDescription string) (*EvalReport, error)
}

// SourceControl is the provider-side merge and status API.
type SourceControl interface {
	// Merge merges the PR at exactly the given head commit. Returns
	// ErrMergeConflict when the provider refuses.
	Merge(ctx context.Context, repo string, prNumber int, commitSHA string) error
	// RequiredChecksClean reports whether the commit has no unresolved
	// required-check failures.
	RequiredChecksClean(ctx context.Context, repo, commitSHA string) (bool, error)
}

// FixContext packages exhausted-retry failure context for the
// code-generation collaborator to attempt a fix.
type FixContext struct {
	AgentRunID      string                 `json:"agent_run_id,omitempty"`
	ValidationRunID string                 `json:"validation_run_id"`
	Repo            string                 `json:"repo"`
	PRNumber        int                    `json:"pr_number"`
	CommitSHA       string                 `json:"commit_sha"`
	Stage           pipeline.Stage         `json:"stage"`
	History         []pipeline.StageResult `json:"history"`
}

// CodeGen is the code-generation service: it turns prompts into agent runs
// and accepts failure context for follow-up fixes through the same contract.
type CodeGen interface {
	CreateRun(ctx context.Context, projectID, prompt string) (*pipeline.AgentRun, error)
	GetRun(ctx context.Context, id string) (*pipeline.AgentRun, error)
	SubmitFixContext(ctx context.Context, fix FixContext) error
}
