package pipeline

import (
	"fmt"
	"time"
)

// EventSource identifies where a pipeline event originated.
type EventSource string

const (
	SourceWebhook       EventSource = "webhook"
	SourceStageCallback EventSource = "stage_callback"
	SourceTimer         EventSource = "timer"
)

// EventType is the closed set of events the state machine consumes.
// Webhook ingress normalizes provider payloads into the PR* types; stage
// executors and the supervisor synthesize the rest.
type EventType string

const (
	EventPROpened  EventType = "pr_opened"
	EventPRUpdated EventType = "pr_updated"
	EventPRClosed  EventType = "pr_closed"

	EventSnapshotReady  EventType = "snapshot_ready"
	EventSnapshotFailed EventType = "snapshot_failed"

	EventDeployStarted   EventType = "deploy_started"
	EventDeploySucceeded EventType = "deploy_succeeded"
	EventDeployFailed    EventType = "deploy_failed"

	EventEvalStarted   EventType = "eval_started"
	EventEvalSucceeded EventType = "eval_succeeded"
	EventEvalFailed    EventType = "eval_failed"

	EventMergeDecision  EventType = "merge_decision"
	EventMergeSucceeded EventType = "merge_succeeded"
	EventMergeFailed    EventType = "merge_failed"

	// EventCancelRequested is a manual cancel. Manual actions supersede the
	// automation loop the same way a newer commit does.
	EventCancelRequested EventType = "cancel_requested"
)

// Event is the unit the state machine consumes.
type Event struct {
	Source EventSource `json:"source"`
	Type   EventType   `json:"type"`

	// Webhook fields.
	Repo      string `json:"repo,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Merged    bool   `json:"merged,omitempty"` // pr_closed only

	// Stage-callback and timer fields.
	ValidationRunID string    `json:"validation_run_id,omitempty"`
	Executor        Executor  `json:"executor,omitempty"`
	Attempt         int       `json:"attempt,omitempty"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`

	// Eval verdict: eval_succeeded carries whether the evaluation passed.
	Pass bool `json:"pass,omitempty"`

	// Merge decision inputs gathered by the supervisor at decision time.
	ChecksClean bool `json:"checks_clean,omitempty"`

	// DedupeKey makes processing idempotent under at-least-once delivery.
	// Webhooks use the provider delivery ID; stage callbacks use
	// (validationRunID, executor, attempt).
	DedupeKey string `json:"dedupe_key"`

	OccurredAt time.Time `json:"occurred_at"`
}

// CallbackDedupeKey builds the dedupe key for a stage callback or timer event.
func CallbackDedupeKey(runID string, e Executor, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, e, attempt)
}
