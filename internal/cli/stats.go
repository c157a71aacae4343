package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics from the registry",
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

		var since time.Time
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = time.Now().Add(-d)
		}

		ctx := cmd.Context()
		w := cmd.OutOrStdout()

		repos, err := analytics.QueryRepoSummaries(ctx, reg, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Validation runs by repository:")
		fmt.Fprintf(w, "  %-34s %6s %7s %7s %9s %8s %10s %7s\n",
			"REPO", "TOTAL", "ACTIVE", "MERGED", "REJECTED", "ERRORED", "CANCELLED", "MERGE%")
		for _, r := range repos {
			fmt.Fprintf(w, "  %-34s %6d %7d %7d %9d %8d %10d %6.1f%%\n",
				r.Repo, r.Total, r.Active, r.Merged, r.Rejected, r.Errored, r.Cancelled, r.MergePct)
		}

		durations, err := analytics.QueryStageDurations(ctx, reg, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "\nStage durations (seconds):")
		fmt.Fprintf(w, "  %-10s %6s %8s %8s %8s\n", "EXECUTOR", "COUNT", "AVG", "P50", "P95")
		for _, d := range durations {
			fmt.Fprintf(w, "  %-10s %6d %8.1f %8.1f %8.1f\n", d.Executor, d.Count, d.Avg, d.P50, d.P95)
		}

		outcomes, err := analytics.QueryOutcomeRates(ctx, reg, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "\nAttempt outcomes:")
		fmt.Fprintf(w, "  %-10s %6s %8s %8s %8s %10s %7s\n",
			"EXECUTOR", "TOTAL", "SUCCESS", "FAILURE", "TIMEOUT", "CANCELLED", "PASS%")
		for _, o := range outcomes {
			fmt.Fprintf(w, "  %-10s %6d %8d %8d %8d %10d %6.1f%%\n",
				o.Executor, o.Total, o.Success, o.Failure, o.Timeout, o.Cancelled, o.PassPct)
		}

		retries, err := analytics.QueryRetrySummaries(ctx, reg, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "\nRetries:")
		fmt.Fprintf(w, "  %-10s %6s %8s %12s %7s\n", "EXECUTOR", "RUNS", "RETRIED", "MAX ATTEMPT", "RETRY%")
		for _, r := range retries {
			fmt.Fprintf(w, "  %-10s %6d %8d %12d %6.1f%%\n", r.Executor, r.Runs, r.Retried, r.MaxAttempt, r.RetryPct)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("since", "", "Window to report over, as a duration (e.g. 168h)")
	rootCmd.AddCommand(statsCmd)
}
