package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/mergefactory/internal/bus"
	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/registry"
	"github.com/lucasnoah/mergefactory/internal/telemetry"
)

// Bus topics for lifecycle events.
const (
	TopicValidations = "validations"
	TopicAgentRuns   = "agent_runs"
)

// Outcome reports what ProcessEvent did with an event.
type Outcome struct {
	Run      *pipeline.ValidationRun // run after the transition, nil if discarded
	Decision *pipeline.Decision
	NewRun   *pipeline.ValidationRun // replacement run created on supersession
	Discard  bool
	Reason   string
}

// Effects returns the stage work the supervisor should schedule: the
// decision's effects against Run, plus the initial snapshot for a
// freshly created replacement run.
func (o *Outcome) Effects() []ScheduledEffect {
	var out []ScheduledEffect
	if o.Decision != nil {
		for _, ef := range o.Decision.Effects {
			out = append(out, ScheduledEffect{Run: o.Run, Effect: ef})
		}
	}
	if o.NewRun != nil {
		out = append(out, ScheduledEffect{
			Run:    o.NewRun,
			Effect: pipeline.Effect{Kind: pipeline.EffectRunStage, Executor: pipeline.ExecutorSnapshot, Attempt: 1},
		})
	}
	return out
}

// ScheduledEffect pairs an effect with the run it applies to.
type ScheduledEffect struct {
	Run    *pipeline.ValidationRun
	Effect pipeline.Effect
}

// Orchestrator drives validation runs: it resolves events to runs,
// asks the state machine for a decision, persists the transition, and
// only then publishes. Stage execution itself lives in the supervisor.
type Orchestrator struct {
	machine *pipeline.Machine
	reg     *registry.Registry
	bus     *bus.Bus
	codegen collab.CodeGen
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Opts configures an Orchestrator.
type Opts struct {
	Machine *pipeline.Machine
	Reg     *registry.Registry
	Bus     *bus.Bus
	CodeGen collab.CodeGen
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

func New(opts Opts) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &telemetry.Metrics{}
	}
	return &Orchestrator{
		machine: opts.Machine,
		reg:     opts.Reg,
		bus:     opts.Bus,
		codegen: opts.CodeGen,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// CreateAgentRun starts an agent coding run with the code-generation
// collaborator and records it.
func (o *Orchestrator) CreateAgentRun(ctx context.Context, projectID, prompt string) (*pipeline.AgentRun, error) {
	run, err := o.codegen.CreateRun(ctx, projectID, prompt)
	if err != nil {
		return nil, fmt.Errorf("create agent run: %w", err)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = pipeline.RunCreated
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := o.reg.CreateAgentRun(ctx, run); err != nil {
		return nil, err
	}
	o.publishAgent(run, "created")
	return run, nil
}

// SyncAgentRun applies a status reported by the code-generation
// collaborator. Regressions are rejected by the registry CAS.
func (o *Orchestrator) SyncAgentRun(ctx context.Context, id string, to pipeline.RunStatus, result *pipeline.RunResult) (*pipeline.AgentRun, error) {
	run, err := o.reg.GetAgentRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status == to {
		return run, nil
	}
	if err := o.reg.AdvanceAgentRun(ctx, id, run.Status, to, result); err != nil {
		return nil, err
	}
	run, err = o.reg.GetAgentRun(ctx, id)
	if err != nil {
		return nil, err
	}
	o.publishAgent(run, "advanced")
	return run, nil
}

// StartValidation opens a fresh validation run for a PR at the given
// commit. The registry's active-run constraint rejects a second
// concurrent run for the same PR.
func (o *Orchestrator) StartValidation(ctx context.Context, agentRunID, repo string, prNumber int, commitSHA string) (*pipeline.ValidationRun, error) {
	now := time.Now().UTC()
	run := &pipeline.ValidationRun{
		ID:         uuid.NewString(),
		AgentRunID: agentRunID,
		Repo:       repo,
		PRNumber:   prNumber,
		CommitSHA:  commitSHA,
		Stage:      pipeline.StageSnapshotPending,
		Attempts:   map[pipeline.Executor]int{pipeline.ExecutorSnapshot: 1},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.reg.CreateValidationRun(ctx, run); err != nil {
		return nil, err
	}
	o.publishValidation(run, "created", "")
	return run, nil
}

// Cancel requests cancellation of a validation run by synthesizing a
// cancel event through the normal pipeline.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*Outcome, error) {
	ev := &pipeline.Event{
		Type:            pipeline.EventCancelRequested,
		Source:          pipeline.SourceTimer,
		ValidationRunID: runID,
		Detail:          reason,
		OccurredAt:      time.Now().UTC(),
	}
	return o.ProcessEvent(ctx, ev)
}

// ProcessEvent is the single entry point for webhook, callback, and
// timer events. The transition is persisted before anything observes
// it on the bus.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev *pipeline.Event) (*Outcome, error) {
	telemetry.Count(ctx, o.metrics.EventsIngested)

	run, err := o.resolve(ctx, ev)
	if errors.Is(err, registry.ErrNotFound) {
		return o.handleUnresolved(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	d := o.machine.Decide(run, ev)
	if d.Discard {
		o.logger.Debug("event discarded", "run", run.ID, "event", ev.Type, "reason", d.Reason)
		return &Outcome{Run: run, Discard: true, Reason: d.Reason}, nil
	}

	updated, err := o.applyDecision(ctx, run, ev, d)
	if errors.Is(err, registry.ErrStaleTransition) {
		// A concurrent event won the CAS. Treat ours as stale.
		o.logger.Warn("transition lost race", "run", run.ID, "event", ev.Type)
		return &Outcome{Run: run, Discard: true, Reason: "stale transition"}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &Outcome{Run: updated, Decision: d}

	if d.Superseded {
		telemetry.Count(ctx, o.metrics.Superseded)
		newRun, err := o.StartValidation(ctx, run.AgentRunID, ev.Repo, ev.PRNumber, ev.CommitSHA)
		if err != nil {
			return nil, fmt.Errorf("start superseding run: %w", err)
		}
		out.NewRun = newRun
	}

	if updated.Stage == pipeline.StageErrored {
		o.forwardFailure(ctx, updated)
	}
	if updated.Stage == pipeline.StageMerged && updated.AgentRunID != "" {
		o.completeAgentRun(ctx, updated.AgentRunID)
	}
	return out, nil
}

// resolve maps an event to its validation run. Webhook events address
// the active run for a PR, callbacks and timers address a specific run.
func (o *Orchestrator) resolve(ctx context.Context, ev *pipeline.Event) (*pipeline.ValidationRun, error) {
	if ev.ValidationRunID != "" {
		return o.reg.GetValidationRun(ctx, ev.ValidationRunID)
	}
	return o.reg.ActiveValidationRun(ctx, ev.Repo, ev.PRNumber)
}

// handleUnresolved covers events with no matching active run. A PR
// opened or updated starts a new run, everything else is dropped.
func (o *Orchestrator) handleUnresolved(ctx context.Context, ev *pipeline.Event) (*Outcome, error) {
	switch ev.Type {
	case pipeline.EventPROpened, pipeline.EventPRUpdated:
		run, err := o.StartValidation(ctx, "", ev.Repo, ev.PRNumber, ev.CommitSHA)
		if err != nil {
			return nil, err
		}
		return &Outcome{NewRun: run, Reason: "validation started"}, nil
	default:
		o.logger.Debug("no run for event", "event", ev.Type, "repo", ev.Repo, "pr", ev.PRNumber)
		return &Outcome{Discard: true, Reason: "no matching run"}, nil
	}
}

func (o *Orchestrator) applyDecision(ctx context.Context, run *pipeline.ValidationRun, ev *pipeline.Event, d *pipeline.Decision) (*pipeline.ValidationRun, error) {
	tr := registry.Transition{
		RunID:             run.ID,
		FromStage:         d.From,
		ToStage:           d.Next,
		Attempts:          d.Attempts,
		AutoMergeEligible: d.AutoMergeEligible,
		Result:            d.Result,
		Event:             string(ev.Type),
		Detail:            d.Reason,
	}
	if err := o.reg.ApplyTransition(ctx, &tr); err != nil {
		return nil, err
	}
	telemetry.Count(ctx, o.metrics.Transitions, telemetry.WithStage(string(d.Next)))
	for _, ef := range d.Effects {
		if ef.Kind == pipeline.EffectRunStage && ef.Attempt > 1 {
			telemetry.Count(ctx, o.metrics.StageRetries, telemetry.WithStage(string(ef.Executor)))
		}
	}
	updated, err := o.reg.GetValidationRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	o.publishValidation(updated, "transition", d.Reason)
	return updated, nil
}

// forwardFailure packages the run's stage history as fix context for
// the code-generation collaborator. Delivery failures are logged, not
// fatal, the run is already terminal.
func (o *Orchestrator) forwardFailure(ctx context.Context, run *pipeline.ValidationRun) {
	fc := collab.FixContext{
		AgentRunID:      run.AgentRunID,
		ValidationRunID: run.ID,
		Repo:            run.Repo,
		PRNumber:        run.PRNumber,
		CommitSHA:       run.CommitSHA,
		Stage:           run.Stage,
		History:         run.History,
	}
	if err := o.codegen.SubmitFixContext(ctx, fc); err != nil {
		o.logger.Error("forward failure context", "run", run.ID, "error", err)
		return
	}
	_ = o.reg.LogEvent(ctx, run.ID, "failure_context_forwarded", string(run.Stage), 0, "")
}

func (o *Orchestrator) completeAgentRun(ctx context.Context, agentRunID string) {
	run, err := o.reg.GetAgentRun(ctx, agentRunID)
	if err != nil {
		o.logger.Warn("agent run lookup", "id", agentRunID, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	if _, err := o.SyncAgentRun(ctx, agentRunID, pipeline.RunPRCreated, nil); err != nil && !errors.Is(err, registry.ErrStaleTransition) {
		o.logger.Warn("agent run advance", "id", agentRunID, "error", err)
	}
}

func (o *Orchestrator) publishValidation(run *pipeline.ValidationRun, evType, detail string) {
	o.bus.Publish(TopicValidations, bus.Event{
		Type:        evType,
		AggregateID: run.ID,
		Repo:        run.Repo,
		PRNumber:    run.PRNumber,
		Stage:       string(run.Stage),
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

func (o *Orchestrator) publishAgent(run *pipeline.AgentRun, evType string) {
	o.bus.Publish(TopicAgentRuns, bus.Event{
		Type:        evType,
		AggregateID: run.ID,
		Status:      string(run.Status),
		Timestamp:   time.Now().UTC(),
	})
}
