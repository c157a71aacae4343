package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/mergefactory/internal/ingress"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Webhook utilities",
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign <payload-file>",
	Short: "Print the signature header value for a payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ingress.Sign(cfg.Server.WebhookSecret, payload))
		return nil
	},
}

// webhookReplayCmd re-sends a captured payload to a running orchestrator with
// a fresh delivery ID and a valid signature. Useful when a provider delivery
// was lost or the orchestrator was down.
var webhookReplayCmd = &cobra.Command{
	Use:   "replay <payload-file>",
	Short: "Replay a captured webhook payload against the orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		eventName, _ := cmd.Flags().GetString("event")
		provider, _ := cmd.Flags().GetString("provider")

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			fmt.Sprintf("%s/webhooks/%s", serverURL, provider), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", ingress.Sign(cfg.Server.WebhookSecret, payload))
		req.Header.Set("X-GitHub-Event", eventName)
		req.Header.Set("X-GitHub-Delivery", "replay-"+uuid.NewString())

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("reach server at %s: %w", serverURL, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s", resp.Status, body)
		return nil
	},
}

func init() {
	webhookReplayCmd.Flags().String("event", "pull_request", "Provider event name")
	webhookReplayCmd.Flags().String("provider", "github", "Webhook provider")
	webhookReplayCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8380", "Orchestrator base URL")

	webhookCmd.AddCommand(webhookSignCmd)
	webhookCmd.AddCommand(webhookReplayCmd)
}
