package stage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// MergeDetail is the payload a merge attempt records.
type MergeDetail struct {
	Merged   bool `json:"merged"`
	Conflict bool `json:"conflict,omitempty"`
}

// MergeExecutor invokes the source-control merge API for the run's exact
// head commit. Merging by SHA makes the call idempotent-safe: a replay
// against an already-merged PR is refused by the provider, not re-applied.
type MergeExecutor struct {
	scm    collab.SourceControl
	logger *slog.Logger
}

// NewMergeExecutor creates the merge stage.
func NewMergeExecutor(scm collab.SourceControl, logger *slog.Logger) *MergeExecutor {
	return &MergeExecutor{scm: scm, logger: logger}
}

// Executor implements Stage.
func (m *MergeExecutor) Executor() pipeline.Executor {
	return pipeline.ExecutorMerge
}

// Execute implements Stage.
func (m *MergeExecutor) Execute(ctx context.Context, run *pipeline.ValidationRun, attempt int) *pipeline.StageResult {
	sr := begin(pipeline.ExecutorMerge, attempt)

	err := m.scm.Merge(ctx, run.Repo, run.PRNumber, run.CommitSHA)
	if errors.Is(err, collab.ErrMergeConflict) {
		m.logger.Info("merge refused by provider",
			slog.String("run_id", run.ID),
			slog.String("repo", run.Repo),
			slog.Int("pr", run.PRNumber),
		)
		sr = finish(ctx, sr, err)
		sr.Detail = marshalDetail(MergeDetail{Conflict: true})
		return sr
	}
	if err != nil {
		return finish(ctx, sr, err)
	}

	sr.Detail = marshalDetail(MergeDetail{Merged: true})
	return finish(ctx, sr, nil)
}
