package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor names recognized in the stages map. Kept as strings here so the
// config package does not depend on the domain packages.
var executorNames = []string{"snapshot", "deploy", "eval", "merge"}

// Load reads and parses a configuration from the given YAML file path,
// then applies defaults to stages that don't specify their own values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./mergefactory.yaml, ~/.mergefactory/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"mergefactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".mergefactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no config found (searched: %v)", candidates)
}

// applyDefaults fills unset server/storage/pipeline values and merges
// pipeline-level stage defaults into stages that don't set their own.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8380
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Pipeline.Concurrency <= 0 {
		cfg.Pipeline.Concurrency = 4
	}
	if cfg.Pipeline.DedupeRetention == "" {
		cfg.Pipeline.DedupeRetention = "24h"
	}
	if cfg.Pipeline.RetainTerminal == "" {
		cfg.Pipeline.RetainTerminal = "720h"
	}

	def := &cfg.Pipeline.Defaults
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 3
	}
	if def.Timeout == "" {
		def.Timeout = "15m"
	}
	if def.BackoffBase == "" {
		def.BackoffBase = "2s"
	}
	if def.BackoffMax == "" {
		def.BackoffMax = "2m"
	}

	if cfg.Pipeline.Stages == nil {
		cfg.Pipeline.Stages = make(map[string]StagePolicy)
	}
	for _, name := range executorNames {
		s := cfg.Pipeline.Stages[name]
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = def.MaxAttempts
		}
		if s.Timeout == "" {
			s.Timeout = def.Timeout
		}
		if s.BackoffBase == "" {
			s.BackoffBase = def.BackoffBase
		}
		if s.BackoffMax == "" {
			s.BackoffMax = def.BackoffMax
		}
		cfg.Pipeline.Stages[name] = s
	}
}

// StageTimeout returns the parsed wall-clock budget for an executor.
func (c *Config) StageTimeout(executor string) time.Duration {
	return parseDuration(c.Pipeline.Stages[executor].Timeout, 15*time.Minute)
}

// StageBackoff returns the parsed backoff base and cap for an executor.
func (c *Config) StageBackoff(executor string) (base, maxDelay time.Duration) {
	s := c.Pipeline.Stages[executor]
	return parseDuration(s.BackoffBase, 2*time.Second), parseDuration(s.BackoffMax, 2*time.Minute)
}

// MaxAttempts returns the per-executor attempt caps.
func (c *Config) MaxAttempts() map[string]int {
	caps := make(map[string]int, len(executorNames))
	for _, name := range executorNames {
		caps[name] = c.Pipeline.Stages[name].MaxAttempts
	}
	return caps
}

// DedupeRetention returns the parsed delivery-ID retention window.
func (c *Config) DedupeRetention() time.Duration {
	return parseDuration(c.Pipeline.DedupeRetention, 24*time.Hour)
}

// RetainTerminal returns the parsed terminal-run retention window.
func (c *Config) RetainTerminal() time.Duration {
	return parseDuration(c.Pipeline.RetainTerminal, 30*24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
