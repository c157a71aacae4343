package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/backoff"
	"github.com/lucasnoah/mergefactory/internal/bus"
	"github.com/lucasnoah/mergefactory/internal/collab"
	"github.com/lucasnoah/mergefactory/internal/config"
	"github.com/lucasnoah/mergefactory/internal/ingress"
	"github.com/lucasnoah/mergefactory/internal/orchestrator"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/stage"
	"github.com/lucasnoah/mergefactory/internal/supervisor"
	"github.com/lucasnoah/mergefactory/internal/telemetry"
	"github.com/lucasnoah/mergefactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: webhook listener, pipeline supervisor, and JSON API",
	Long: `Start the long-running orchestrator process. It listens for provider
webhooks, drives interrupted validation runs to completion, executes pipeline
stages against the configured collaborators, and serves the run/validation API
with a live event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintln(cmd.ErrOrStderr(), "config:", e)
			}
			return fmt.Errorf("invalid configuration")
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		reg, cleanup, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := reg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		metrics, err := telemetry.New()
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		}

		sandbox := collab.NewHTTPSandbox(cfg.Collaborators.Sandbox.URL, cfg.Collaborators.Sandbox.Token)
		evaluator := collab.NewHTTPEvaluator(cfg.Collaborators.Evaluator.URL, cfg.Collaborators.Evaluator.Token)
		scm := collab.NewHTTPSourceControl(cfg.Collaborators.SourceControl.URL, cfg.Collaborators.SourceControl.Token)
		codegen := collab.NewHTTPCodeGen(cfg.Collaborators.CodeGen.URL, cfg.Collaborators.CodeGen.Token)

		eventBus := bus.New(0)
		machine := pipeline.NewMachine(policyFrom(cfg))

		orch := orchestrator.New(orchestrator.Opts{
			Machine: machine,
			Reg:     reg,
			Bus:     eventBus,
			CodeGen: codegen,
			Metrics: metrics,
			Logger:  logger,
		})

		sup := supervisor.New(supervisor.Opts{
			Orch: orch,
			Reg:  reg,
			Stages: []stage.Stage{
				stage.NewSnapshotExecutor(sandbox, cfg.Pipeline.SetupCommands, logger),
				stage.NewDeployExecutor(sandbox, cfg.Pipeline.DeployCommands, logger),
				stage.NewEvalExecutor(evaluator, cfg.Pipeline.EvalTask, logger),
				stage.NewMergeExecutor(scm, logger),
			},
			SourceControl:   scm,
			Concurrency:     cfg.Pipeline.Concurrency,
			Timeouts:        timeoutsFrom(cfg),
			Backoffs:        backoffsFrom(cfg),
			DedupeRetention: cfg.DedupeRetention(),
			RetainTerminal:  cfg.RetainTerminal(),
			Metrics:         metrics,
			Logger:          logger,
		})
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}
		defer sup.Stop()

		srv := web.NewServer(web.Opts{
			Port:    cfg.Server.Port,
			Ingress: ingress.New(cfg.Server.WebhookSecret, reg),
			Submit:  sup,
			Control: orch,
			Reg:     reg,
			Bus:     eventBus,
			Metrics: metrics,
			Logger:  logger,
		})
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Override the configured listen port")
}

func policyFrom(cfg *config.Config) pipeline.Policy {
	max := make(map[pipeline.Executor]int)
	for name, n := range cfg.MaxAttempts() {
		max[pipeline.Executor(name)] = n
	}
	return pipeline.Policy{MaxAttempts: max, AutoMergeEnabled: cfg.Pipeline.AutoMerge}
}

func timeoutsFrom(cfg *config.Config) map[pipeline.Executor]time.Duration {
	out := make(map[pipeline.Executor]time.Duration)
	for name := range cfg.MaxAttempts() {
		out[pipeline.Executor(name)] = cfg.StageTimeout(name)
	}
	return out
}

func backoffsFrom(cfg *config.Config) map[pipeline.Executor]backoff.Strategy {
	out := make(map[pipeline.Executor]backoff.Strategy)
	for name := range cfg.MaxAttempts() {
		base, maxDelay := cfg.StageBackoff(name)
		out[pipeline.Executor(name)] = backoff.NewExponentialWithJitter(base, maxDelay)
	}
	return out
}
