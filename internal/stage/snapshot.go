package stage

import (
	"context"
	"log/slog"

	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// SnapshotDetail is the payload a successful snapshot attempt records.
// Downstream stages read the handle and workspace URL from here, so they
// survive a process restart.
type SnapshotDetail struct {
	HandleID string `json:"handle_id"`
	URL      string `json:"url,omitempty"`
}

// SnapshotExecutor provisions a sandbox snapshot of the PR's commit and runs
// the project's setup commands.
type SnapshotExecutor struct {
	sandbox collab.Sandbox
	setup   []string
	logger  *slog.Logger
}

// NewSnapshotExecutor creates the snapshot stage.
func NewSnapshotExecutor(sandbox collab.Sandbox, setupCommands []string, logger *slog.Logger) *SnapshotExecutor {
	return &SnapshotExecutor{sandbox: sandbox, setup: setupCommands, logger: logger}
}

// Executor implements Stage.
func (s *SnapshotExecutor) Executor() pipeline.Executor {
	return pipeline.ExecutorSnapshot
}

// Execute implements Stage. Provisioned snapshots are keyed by the attempt's
// dedupe key and looked up before creation, so a crashed-and-replayed attempt
// reuses the resource it already made. On cancellation, the snapshot is
// destroyed best-effort off the critical path.
func (s *SnapshotExecutor) Execute(ctx context.Context, run *pipeline.ValidationRun, attempt int) *pipeline.StageResult {
	sr := begin(pipeline.ExecutorSnapshot, attempt)
	key := pipeline.CallbackDedupeKey(run.ID, pipeline.ExecutorSnapshot, attempt)

	handle, err := s.sandbox.FindByKey(ctx, key)
	if err != nil {
		return finish(ctx, sr, err)
	}
	if handle == nil {
		handle, err = s.sandbox.Provision(ctx, collab.ProvisionRequest{
			Repo:           run.Repo,
			CommitSHA:      run.CommitSHA,
			SetupCommands:  s.setup,
			IdempotencyKey: key,
		})
		if err != nil {
			if ctx.Err() != nil && handle != nil {
				s.discard(handle.ID)
			}
			return finish(ctx, sr, err)
		}
	} else {
		s.logger.Debug("reusing provisioned snapshot",
			slog.String("run_id", run.ID),
			slog.String("handle_id", handle.ID),
		)
	}

	if ctx.Err() != nil {
		s.discard(handle.ID)
		return finish(ctx, sr, ctx.Err())
	}

	sr.Detail = marshalDetail(SnapshotDetail{HandleID: handle.ID, URL: handle.URL})
	return finish(ctx, sr, nil)
}

// discard releases a snapshot that will never be used. Fire-and-forget with
// a fresh context: the run's context is already dead.
func (s *SnapshotExecutor) discard(handleID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := s.sandbox.Destroy(ctx, handleID); err != nil {
			s.logger.Warn("snapshot cleanup failed",
				slog.String("handle_id", handleID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
