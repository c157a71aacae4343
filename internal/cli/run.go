package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Agent run management",
}

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a new agent coding run",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		project, _ := cmd.Flags().GetString("project")
		if prompt == "" {
			return fmt.Errorf("--prompt is required")
		}

		var run pipeline.AgentRun
		req := map[string]string{"project_id": project, "prompt": prompt}
		if err := postJSON("/runs", req, &run); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created run %s (%s)\n", run.ID, run.Status)
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one agent run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, cleanup, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := reg.GetAgentRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), run)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, cleanup, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		status, _ := cmd.Flags().GetString("status")
		runs, err := reg.ListAgentRuns(cmd.Context(), pipeline.RunStatus(status))
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-12s %-20s %s\n", "ID", "STATUS", "UPDATED", "PROMPT")
		for _, run := range runs {
			prompt := strings.ReplaceAll(run.Prompt, "\n", " ")
			if len(prompt) > 50 {
				prompt = prompt[:47] + "..."
			}
			fmt.Fprintf(w, "%-38s %-12s %-20s %s\n",
				run.ID, run.Status, run.UpdatedAt.Format("2006-01-02 15:04:05"), prompt)
		}
		return nil
	},
}

func init() {
	runCreateCmd.Flags().String("prompt", "", "Task prompt for the coding agent")
	runCreateCmd.Flags().String("project", "", "Project identifier")
	runCreateCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8380", "Orchestrator base URL")
	runListCmd.Flags().String("status", "", "Filter by status")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
}
