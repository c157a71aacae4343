package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

var validationCmd = &cobra.Command{
	Use:   "validation",
	Short: "Validation run management",
}

var validationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List validation runs",
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

		var runs []*pipeline.ValidationRun
		if active, _ := cmd.Flags().GetBool("active"); active {
			runs, err = reg.ListActive(cmd.Context())
		} else {
			repo, _ := cmd.Flags().GetString("repo")
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err = reg.ListValidationRuns(cmd.Context(), repo, limit)
		}
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No validation runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-30s %-6s %-16s %-10s %s\n", "ID", "REPO", "PR", "STAGE", "COMMIT", "UPDATED")
		for _, run := range runs {
			sha := run.CommitSHA
			if len(sha) > 8 {
				sha = sha[:8]
			}
			fmt.Fprintf(w, "%-38s %-30s %-6d %-16s %-10s %s\n",
				run.ID, run.Repo, run.PRNumber, run.Stage, sha,
				run.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var validationStatusCmd = &cobra.Command{
	Use:   "status <validation-id>",
	Short: "Show one validation run with its stage history",
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

		run, err := reg.GetValidationRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), run)
		return nil
	},
}

var validationEventsCmd = &cobra.Command{
	Use:   "events <validation-id>",
	Short: "Show the audit trail of a validation run",
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

		events, err := reg.ListEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-24s %s", ev.Timestamp, ev.Event, ev.Stage)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

var validationCancelCmd = &cobra.Command{
	Use:   "cancel <validation-id>",
	Short: "Cancel a validation run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		var run pipeline.ValidationRun
		req := map[string]string{"reason": reason}
		if err := postJSON("/validations/"+args[0]+"/cancel", req, &run); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "validation %s is now %s\n", run.ID, run.Stage)
		return nil
	},
}

var validationRetryCmd = &cobra.Command{
	Use:   "retry <validation-id>",
	Short: "Reopen validation for a finished run's PR and commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status string `json:"status"`
			Repo   string `json:"repo"`
			PR     int    `json:"pr"`
			Commit string `json:"commit"`
		}
		if err := postJSON("/validations/"+args[0]+"/retry", struct{}{}, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s for %s#%d at %s\n", resp.Status, resp.Repo, resp.PR, resp.Commit)
		return nil
	},
}

func init() {
	validationListCmd.Flags().Bool("active", false, "Only show active runs")
	validationListCmd.Flags().String("repo", "", "Filter by repository")
	validationListCmd.Flags().Int("limit", 50, "Maximum rows to return")
	validationCancelCmd.Flags().String("reason", "cancelled via cli", "Reason recorded in the audit trail")
	validationCancelCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8380", "Orchestrator base URL")
	validationRetryCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8380", "Orchestrator base URL")

	validationCmd.AddCommand(validationListCmd)
	validationCmd.AddCommand(validationStatusCmd)
	validationCmd.AddCommand(validationEventsCmd)
	validationCmd.AddCommand(validationCancelCmd)
	validationCmd.AddCommand(validationRetryCmd)
}
