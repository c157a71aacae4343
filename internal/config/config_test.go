package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
  webhook_secret: hunter2
storage:
  driver: sqlite
pipeline:
  concurrency: 8
  auto_merge: true
  eval_task: "verify the checkout flow works"
  deploy_commands:
    - make deploy
  defaults:
    max_attempts: 3
    timeout: 10m
  stages:
    eval:
      max_attempts: 2
      timeout: 30m
collaborators:
  sandbox:
    url: https://sandbox.internal
    token: sb-token
  evaluator:
    url: https://eval.internal
  source_control:
    url: https://api.github.com
    token: gh-token
  codegen:
    url: https://codegen.internal
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mergefactory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ParsesAndAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.WebhookSecret)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.True(t, cfg.Pipeline.AutoMerge)

	// Per-stage overrides win, pipeline defaults fill the rest.
	assert.Equal(t, 2, cfg.Pipeline.Stages["eval"].MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.StageTimeout("eval"))
	assert.Equal(t, 3, cfg.Pipeline.Stages["deploy"].MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.StageTimeout("deploy"))

	base, maxDelay := cfg.StageBackoff("snapshot")
	assert.Equal(t, 2*time.Second, base)
	assert.Equal(t, 2*time.Minute, maxDelay)

	assert.Equal(t, 24*time.Hour, cfg.DedupeRetention())
	assert.Equal(t, 720*time.Hour, cfg.RetainTerminal())
}

func TestLoad_EmptyFileGetsAllDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 8380, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	for _, name := range executorNames {
		assert.Equal(t, 3, cfg.Pipeline.Stages[name].MaxAttempts, name)
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, mapping]"))
	assert.Error(t, err)
}

func TestMaxAttempts_CoversEveryExecutor(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	caps := cfg.MaxAttempts()
	assert.Len(t, caps, 4)
	assert.Equal(t, 2, caps["eval"])
	assert.Equal(t, 3, caps["merge"])
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Empty(t, Validate(cfg))
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Server.WebhookSecret = ""
	cfg.Storage.Driver = "oracle"
	cfg.Pipeline.DeployCommands = nil
	cfg.Pipeline.EvalTask = ""
	cfg.Collaborators.Sandbox.URL = ""

	errs := Validate(cfg)
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	assert.Contains(t, fields, "server.port")
	assert.Contains(t, fields, "server.webhook_secret")
	assert.Contains(t, fields, "storage.driver")
	assert.Contains(t, fields, "pipeline.deploy_commands")
	assert.Contains(t, fields, "pipeline.eval_task")
	assert.Contains(t, fields, "collaborators.sandbox.url")
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cfg.Storage.Driver = "postgres"
	errs := Validate(cfg)
	require.Len(t, errs, 1)
	assert.Equal(t, "storage.dsn", errs[0].Field)

	cfg.Storage.DSN = "postgres://localhost/mergefactory"
	assert.Empty(t, Validate(cfg))
}

func TestValidate_BadDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	s := cfg.Pipeline.Stages["deploy"]
	s.Timeout = "soon"
	cfg.Pipeline.Stages["deploy"] = s

	errs := Validate(cfg)
	require.Len(t, errs, 1)
	assert.Equal(t, "pipeline.stages.deploy.timeout", errs[0].Field)
}
