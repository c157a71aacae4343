// Package supervisor owns the runtime side of the pipeline: a single ordered
// event loop feeding the orchestrator, a bounded pool of stage executions,
// retry backoff timers, crash rehydration, and retention GC. The state
// machine decides, the registry records, the supervisor does.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/mergefactory/internal/backoff"
	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/orchestrator"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/registry"
	"github.com/lucasnoah/mergefactory/internal/stage"
	"github.com/lucasnoah/mergefactory/internal/telemetry"
)

// DefaultQueueSize bounds the inbound event queue.
const DefaultQueueSize = 512

const (
	defaultGCInterval     = time.Hour
	defaultResyncInterval = time.Minute
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("supervisor: stopped")

// Opts configures a Supervisor.
type Opts struct {
	Orch          *orchestrator.Orchestrator
	Reg           *registry.Registry
	Stages        []stage.Stage
	SourceControl collab.SourceControl

	// Concurrency bounds simultaneous stage executions across all runs.
	Concurrency int
	QueueSize   int

	// Timeouts and Backoffs are per-executor; missing entries fall back to
	// the defaults.
	Timeouts map[pipeline.Executor]time.Duration
	Backoffs map[pipeline.Executor]backoff.Strategy

	DedupeRetention time.Duration
	RetainTerminal  time.Duration
	GCInterval      time.Duration

	// ResyncInterval is how often parked active runs are re-driven. A run
	// whose transition could not be persisted, or whose scheduling was lost,
	// is picked up on the next tick.
	ResyncInterval time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Supervisor runs the pipeline. Events enter through Submit, pass the
// orchestrator one at a time in arrival order, and fan out into bounded
// stage-execution goroutines whose callbacks re-enter through Submit.
type Supervisor struct {
	orch    *orchestrator.Orchestrator
	reg     *registry.Registry
	stages  map[pipeline.Executor]stage.Stage
	scm     collab.SourceControl
	metrics *telemetry.Metrics
	logger  *slog.Logger

	timeouts map[pipeline.Executor]time.Duration
	backoffs map[pipeline.Executor]backoff.Strategy

	dedupeRetention time.Duration
	retainTerminal  time.Duration
	gcInterval      time.Duration
	resyncInterval  time.Duration

	events chan *pipeline.Event
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*inflight // in-flight work per run ID
}

// inflight tracks one scheduled attempt's cancel hook. Unregistering checks
// identity so a finishing attempt cannot drop its successor's entry.
type inflight struct {
	cancel context.CancelFunc
}

func New(opts Opts) *Supervisor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = defaultResyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &telemetry.Metrics{}
	}

	stages := make(map[pipeline.Executor]stage.Stage, len(opts.Stages))
	for _, st := range opts.Stages {
		stages[st.Executor()] = st
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		orch:            opts.Orch,
		reg:             opts.Reg,
		stages:          stages,
		scm:             opts.SourceControl,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		timeouts:        opts.Timeouts,
		backoffs:        opts.Backoffs,
		dedupeRetention: opts.DedupeRetention,
		retainTerminal:  opts.RetainTerminal,
		gcInterval:      opts.GCInterval,
		resyncInterval:  opts.ResyncInterval,
		events:          make(chan *pipeline.Event, opts.QueueSize),
		sem:             semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:             ctx,
		cancel:          cancel,
		stopCh:          make(chan struct{}),
		active:          make(map[string]*inflight),
	}
}

// Start rehydrates interrupted runs and launches the event loop, the
// periodic resync, and the retention GC.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Rehydrate(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	s.wg.Add(1)
	go s.resyncLoop()
	s.wg.Add(1)
	go s.gcLoop()
	return nil
}

// Stop shuts the supervisor down: the queue closes to new work, in-flight
// stage executions are cancelled, and all goroutines are joined.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
}

// Submit queues an event for processing. It blocks while the queue is full
// and fails once the supervisor is stopping.
func (s *Supervisor) Submit(ev *pipeline.Event) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.stopCh:
		return ErrStopped
	}
}

// loop is the single consumer of the event queue. One event at a time keeps
// decisions ordered; the registry CAS catches anything that still races.
func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.process(s.ctx, ev)
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain persists whatever Submit already accepted. The supervisor context is
// cancelled by the time Stop triggers this, so transitions run under their
// own deadline; any work they imply waits for the next start's rehydration.
func (s *Supervisor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-s.events:
			s.process(ctx, ev)
		default:
			return
		}
	}
}

func (s *Supervisor) process(ctx context.Context, ev *pipeline.Event) {
	out, err := s.orch.ProcessEvent(ctx, ev)
	if err != nil {
		s.logger.Error("process event", "event", ev.Type, "error", err)
		return
	}
	s.schedule(out.Effects())
}

func (s *Supervisor) schedule(effects []orchestrator.ScheduledEffect) {
	for _, se := range effects {
		switch se.Effect.Kind {
		case pipeline.EffectRunStage:
			s.startStage(se.Run, se.Effect)
		case pipeline.EffectDecideMerge:
			s.startMergeDecision(se.Run)
		case pipeline.EffectCancelWork:
			s.cancelActive(se.Run.ID)
		case pipeline.EffectForwardFailure:
			// Already handled inline by the orchestrator on the Errored
			// transition.
		}
	}
}

// startStage runs one executor attempt in its own goroutine: optional backoff
// delay, concurrency slot, per-stage timeout, then a callback event back into
// the queue.
func (s *Supervisor) startStage(run *pipeline.ValidationRun, ef pipeline.Effect) {
	st, ok := s.stages[ef.Executor]
	if !ok {
		s.logger.Error("no executor registered", "executor", ef.Executor)
		return
	}
	// The cancel hook must cover the whole attempt, backoff wait and slot
	// wait included: a supersession landing during the delay has to stop the
	// work before it touches a collaborator. Registered here rather than in
	// the goroutine so the scheduling loop never races its own cancel effect.
	runCtx, cancel := context.WithCancel(s.ctx)
	in := s.register(run.ID, cancel)
	if in == nil {
		cancel()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(run.ID, in)
		defer cancel()

		if ef.Backoff {
			// Attempt n is retry n-1.
			delay := s.backoffFor(ef.Executor).Delay(ef.Attempt - 1)
			if !s.sleep(runCtx, delay) {
				return
			}
		}
		if err := s.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		ctx, cancelTimeout := context.WithTimeout(runCtx, s.timeoutFor(ef.Executor))
		defer cancelTimeout()

		if started := startedEvent(run, ef); started != nil {
			if err := s.Submit(started); err != nil {
				return
			}
		}

		res := st.Execute(ctx, run, ef.Attempt)
		if res.Outcome == pipeline.OutcomeTimeout {
			telemetry.Count(s.ctx, s.metrics.StageTimeouts, telemetry.WithStage(string(ef.Executor)))
		}

		ev := callbackEvent(run, res)
		if err := s.Submit(ev); err != nil {
			s.logger.Warn("drop stage callback", "run", run.ID, "executor", ef.Executor)
		}
	}()
}

// startMergeDecision gathers the provider-side inputs and feeds the decision
// event back through the pipeline.
func (s *Supervisor) startMergeDecision(run *pipeline.ValidationRun) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeoutFor(pipeline.ExecutorMerge))
	in := s.register(run.ID, cancel)
	if in == nil {
		cancel()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(run.ID, in)
		defer cancel()

		ev := &pipeline.Event{
			Source:          pipeline.SourceStageCallback,
			Type:            pipeline.EventMergeDecision,
			ValidationRunID: run.ID,
			DedupeKey:       pipeline.CallbackDedupeKey(run.ID, pipeline.ExecutorMerge, 0),
			OccurredAt:      time.Now().UTC(),
		}
		clean, err := s.scm.RequiredChecksClean(ctx, run.Repo, run.CommitSHA)
		if err != nil {
			// Unknown check state counts as not clean; the run lands in
			// Rejected and a human takes over.
			s.logger.Warn("required checks lookup", "run", run.ID, "error", err)
			ev.Detail = err.Error()
		}
		ev.ChecksClean = clean

		if err := s.Submit(ev); err != nil {
			s.logger.Warn("drop merge decision", "run", run.ID)
		}
	}()
}

// Rehydrate reschedules the pending work of every active run with nothing in
// flight. It runs once at startup and again on every resync tick, so a run
// parked by a persist failure is re-driven without a restart. Attempt
// counters are not bumped; executors are idempotent under re-delivery of the
// same attempt.
func (s *Supervisor) Rehydrate(ctx context.Context) error {
	runs, err := s.reg.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if s.hasActive(run.ID) {
			continue
		}
		s.logger.Info("rehydrate run", "run", run.ID, "stage", run.Stage)
		s.schedule(resumeEffects(run))
	}
	return nil
}

func (s *Supervisor) resyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Rehydrate(s.ctx); err != nil {
				s.logger.Warn("resync", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// resumeEffects maps an interrupted run's stage to the work that must run
// again to make progress.
func resumeEffects(run *pipeline.ValidationRun) []orchestrator.ScheduledEffect {
	runStage := func(e pipeline.Executor) []orchestrator.ScheduledEffect {
		attempt := run.AttemptFor(e)
		if attempt < 1 {
			attempt = 1
		}
		return []orchestrator.ScheduledEffect{{
			Run:    run,
			Effect: pipeline.Effect{Kind: pipeline.EffectRunStage, Executor: e, Attempt: attempt},
		}}
	}
	switch run.Stage {
	case pipeline.StageSnapshotPending:
		return runStage(pipeline.ExecutorSnapshot)
	case pipeline.StageSnapshotReady, pipeline.StageDeploying:
		return runStage(pipeline.ExecutorDeploy)
	case pipeline.StageDeployed, pipeline.StageEvaluating:
		return runStage(pipeline.ExecutorEval)
	case pipeline.StageMergeDecision:
		if run.AutoMergeEligible == nil {
			return []orchestrator.ScheduledEffect{{
				Run:    run,
				Effect: pipeline.Effect{Kind: pipeline.EffectDecideMerge},
			}}
		}
		if *run.AutoMergeEligible {
			return runStage(pipeline.ExecutorMerge)
		}
	}
	return nil
}

func (s *Supervisor) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.gc()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) gc() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	now := time.Now().UTC()

	if s.dedupeRetention > 0 {
		if n, err := s.reg.PruneDeliveries(ctx, now.Add(-s.dedupeRetention)); err != nil {
			s.logger.Warn("prune deliveries", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned deliveries", "count", n)
		}
	}
	if s.retainTerminal > 0 {
		if n, err := s.reg.PruneTerminal(ctx, now.Add(-s.retainTerminal)); err != nil {
			s.logger.Warn("prune terminal runs", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned terminal runs", "count", n)
		}
	}
}

// register records the cancel hook for a run's in-flight work. Returns nil
// once the supervisor is stopping; that work does not start.
func (s *Supervisor) register(runID string, cancel context.CancelFunc) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	in := &inflight{cancel: cancel}
	s.active[runID] = in
	return in
}

func (s *Supervisor) hasActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

func (s *Supervisor) unregister(runID string, in *inflight) {
	s.mu.Lock()
	if s.active[runID] == in {
		delete(s.active, runID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) cancelActive(runID string) {
	s.mu.Lock()
	in, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		in.cancel()
	}
}

// sleep waits for d, returning false when ctx was cancelled first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) timeoutFor(e pipeline.Executor) time.Duration {
	if d, ok := s.timeouts[e]; ok && d > 0 {
		return d
	}
	return 15 * time.Minute
}

func (s *Supervisor) backoffFor(e pipeline.Executor) backoff.Strategy {
	if b, ok := s.backoffs[e]; ok && b != nil {
		return b
	}
	return backoff.Default()
}

// startedEvent reports the in-progress transition for executors whose start
// is observable. Snapshot and merge have no distinct running stage.
func startedEvent(run *pipeline.ValidationRun, ef pipeline.Effect) *pipeline.Event {
	var t pipeline.EventType
	switch ef.Executor {
	case pipeline.ExecutorDeploy:
		t = pipeline.EventDeployStarted
	case pipeline.ExecutorEval:
		t = pipeline.EventEvalStarted
	default:
		return nil
	}
	return &pipeline.Event{
		Source:          pipeline.SourceStageCallback,
		Type:            t,
		ValidationRunID: run.ID,
		Executor:        ef.Executor,
		Attempt:         ef.Attempt,
		DedupeKey:       pipeline.CallbackDedupeKey(run.ID, ef.Executor, ef.Attempt) + ":started",
		OccurredAt:      time.Now().UTC(),
	}
}

// callbackEvent converts a stage result into the event the machine consumes.
func callbackEvent(run *pipeline.ValidationRun, res *pipeline.StageResult) *pipeline.Event {
	ev := &pipeline.Event{
		Source:          pipeline.SourceStageCallback,
		ValidationRunID: run.ID,
		Executor:        res.Executor,
		Attempt:         res.Attempt,
		Outcome:         res.Outcome,
		Detail:          res.Detail,
		StartedAt:       res.StartedAt,
		DedupeKey:       pipeline.CallbackDedupeKey(run.ID, res.Executor, res.Attempt),
		OccurredAt:      res.FinishedAt,
	}
	success := res.Outcome == pipeline.OutcomeSuccess
	switch res.Executor {
	case pipeline.ExecutorSnapshot:
		ev.Type = pipeline.EventSnapshotFailed
		if success {
			ev.Type = pipeline.EventSnapshotReady
		}
	case pipeline.ExecutorDeploy:
		ev.Type = pipeline.EventDeployFailed
		if success {
			ev.Type = pipeline.EventDeploySucceeded
		}
	case pipeline.ExecutorEval:
		ev.Type = pipeline.EventEvalFailed
		if success {
			ev.Type = pipeline.EventEvalSucceeded
			ev.Pass = evalPass(res.Detail)
		}
	case pipeline.ExecutorMerge:
		ev.Type = pipeline.EventMergeFailed
		if success {
			ev.Type = pipeline.EventMergeSucceeded
		}
	}
	return ev
}

func evalPass(detail string) bool {
	var d stage.EvalDetail
	if err := json.Unmarshal([]byte(detail), &d); err != nil {
		return false
	}
	return d.Pass
}
