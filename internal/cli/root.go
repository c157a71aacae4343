// Package cli implements the mergefactory command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/config"
	"github.com/lucasnoah/mergefactory/internal/registry"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "mergefactory",
	Short: "mergefactory — agent-run and validation-pipeline orchestrator",
	Long: `mergefactory tracks AI coding runs and validates the pull requests they
produce: each PR revision is snapshotted, deployed, evaluated, and merged (or
handed back with failure context) through a durable, restartable pipeline.

State lives in the registry (SQLite by default, Postgres for shared
deployments). The serve command runs the webhook listener, the pipeline
supervisor, and the JSON API in one process.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ./mergefactory.yaml, ~/.mergefactory/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validationCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig honors --config, falling back to the default search path.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.Load(cfgPath)
	}
	return config.LoadDefault()
}

// openRegistry opens the configured registry backend. The sqlite driver with
// an empty DSN uses the default path under ~/.mergefactory.
func openRegistry(cfg *config.Config) (*registry.Registry, func(), error) {
	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == "sqlite" && dsn == "" {
		var err error
		dsn, err = registry.DefaultPath()
		if err != nil {
			return nil, nil, fmt.Errorf("registry path: %w", err)
		}
	}
	reg, err := registry.Open(cfg.Storage.Driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, func() { reg.Close() }, nil
}
