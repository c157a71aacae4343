package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

const destroyTimeout = 30 * time.Second

// DeployDetail is the payload a successful deploy attempt records.
type DeployDetail struct {
	HandleID    string `json:"handle_id"`
	DeployedURL string `json:"deployed_url"`
}

// DeployExecutor runs the project-defined deployment commands inside the
// snapshot provisioned by the snapshot stage.
type DeployExecutor struct {
	sandbox  collab.Sandbox
	commands []string
	logger   *slog.Logger
}

// NewDeployExecutor creates the deploy stage.
func NewDeployExecutor(sandbox collab.Sandbox, deployCommands []string, logger *slog.Logger) *DeployExecutor {
	return &DeployExecutor{sandbox: sandbox, commands: deployCommands, logger: logger}
}

// Executor implements Stage.
func (d *DeployExecutor) Executor() pipeline.Executor {
	return pipeline.ExecutorDeploy
}

// Execute implements Stage. The snapshot handle comes from the run's own
// history, not from process memory, so deploys re-attempt correctly after a
// restart. Commands are idempotent-safe by contract with the project config
// (re-running a deploy against the same snapshot converges).
func (d *DeployExecutor) Execute(ctx context.Context, run *pipeline.ValidationRun, attempt int) *pipeline.StageResult {
	sr := begin(pipeline.ExecutorDeploy, attempt)

	snap, err := detailOf[SnapshotDetail](run, pipeline.ExecutorSnapshot)
	if err != nil {
		return finish(ctx, sr, fmt.Errorf("deploy needs a snapshot: %w", err))
	}

	for _, cmd := range d.commands {
		res, err := d.sandbox.Exec(ctx, snap.HandleID, cmd)
		if err != nil {
			return finish(ctx, sr, fmt.Errorf("run %q: %w", cmd, err))
		}
		if res.ExitCode != 0 {
			d.logger.Debug("deploy command failed",
				slog.String("run_id", run.ID),
				slog.String("command", cmd),
				slog.Int("exit_code", res.ExitCode),
			)
			return finish(ctx, sr, fmt.Errorf("command %q exited %d: %s", cmd, res.ExitCode, tail(res.Stderr, 2048)))
		}
	}

	sr.Detail = marshalDetail(DeployDetail{HandleID: snap.HandleID, DeployedURL: snap.URL})
	return finish(ctx, sr, nil)
}

// tail returns the last n bytes of s, for error payloads.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
