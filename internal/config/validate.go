package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Validate checks a Config for structural and semantic errors. It returns
// all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be a valid TCP port"})
	}
	if cfg.Server.WebhookSecret == "" {
		errs = append(errs, ValidationError{Field: "server.webhook_secret", Message: "is required"})
	}

	if !recognizedDrivers[cfg.Storage.Driver] {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("unknown driver %q (sqlite or postgres)", cfg.Storage.Driver),
		})
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, ValidationError{Field: "storage.dsn", Message: "is required for postgres"})
	}

	if len(cfg.Pipeline.DeployCommands) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.deploy_commands", Message: "at least one command is required"})
	}
	if cfg.Pipeline.EvalTask == "" {
		errs = append(errs, ValidationError{Field: "pipeline.eval_task", Message: "is required"})
	}

	for _, name := range executorNames {
		s := cfg.Pipeline.Stages[name]
		field := fmt.Sprintf("pipeline.stages.%s", name)
		if s.MaxAttempts <= 0 {
			errs = append(errs, ValidationError{Field: field + ".max_attempts", Message: "must be positive"})
		}
		for suffix, v := range map[string]string{".timeout": s.Timeout, ".backoff_base": s.BackoffBase, ".backoff_max": s.BackoffMax} {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + suffix,
					Message: fmt.Sprintf("invalid duration %q", v),
				})
			}
		}
	}

	for name, ep := range map[string]Endpoint{
		"collaborators.sandbox":        cfg.Collaborators.Sandbox,
		"collaborators.evaluator":      cfg.Collaborators.Evaluator,
		"collaborators.source_control": cfg.Collaborators.SourceControl,
		"collaborators.codegen":        cfg.Collaborators.CodeGen,
	} {
		if ep.URL == "" {
			errs = append(errs, ValidationError{Field: name + ".url", Message: "is required"})
		}
	}

	return errs
}
