package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// EvalDetail is the payload an evaluation attempt records. Pass is the
// evaluator's verdict; a completed evaluation is a successful attempt even
// when the verdict is negative.
type EvalDetail struct {
	Pass     bool             `json:"pass"`
	Findings []collab.Finding `json:"findings,omitempty"`
}

// EvalExecutor invokes the automated evaluator against the deployed target.
type EvalExecutor struct {
	evaluator collab.Evaluator
	task      string
	logger    *slog.Logger
}

// NewEvalExecutor creates the evaluate stage. task describes what the
// evaluator should verify against the deployed target.
func NewEvalExecutor(evaluator collab.Evaluator, task string, logger *slog.Logger) *EvalExecutor {
	return &EvalExecutor{evaluator: evaluator, task: task, logger: logger}
}

// Executor implements Stage.
func (e *EvalExecutor) Executor() pipeline.Executor {
	return pipeline.ExecutorEval
}

// Execute implements Stage.
func (e *EvalExecutor) Execute(ctx context.Context, run *pipeline.ValidationRun, attempt int) *pipeline.StageResult {
	sr := begin(pipeline.ExecutorEval, attempt)

	deploy, err := detailOf[DeployDetail](run, pipeline.ExecutorDeploy)
	if err != nil {
		return finish(ctx, sr, fmt.Errorf("eval needs a deployment: %w", err))
	}

	report, err := e.evaluator.Evaluate(ctx, deploy.DeployedURL, e.task)
	if err != nil {
		return finish(ctx, sr, err)
	}

	e.logger.Debug("evaluation finished",
		slog.String("run_id", run.ID),
		slog.Bool("pass", report.Pass),
		slog.Int("findings", len(report.Findings)),
	)
	sr.Detail = marshalDetail(EvalDetail{Pass: report.Pass, Findings: report.Findings})
	return finish(ctx, sr, nil)
}
