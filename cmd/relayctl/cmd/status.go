package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scribeworks/minuterelay/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <correlation-id>",
	Short: "Show the delivery status of a request",
	Long: `Show the overall and per-channel delivery status of a previously
submitted request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/deliveries/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("status lookup failed: %w", err)
		}

		var report store.StatusReport
		if err := decodeResponse(resp, &report); err != nil {
			return err
		}

		if outputJSON {
			printOutput(report)
			return nil
		}

		overall := report.Overall
		if overall == "" {
			overall = "in progress"
		}
		fmt.Printf("request:  %s\n", report.CorrelationID)
		fmt.Printf("artifact: %s\n", report.ArtifactRef)
		fmt.Printf("overall:  %s\n", overall)
		for _, o := range report.Outcomes {
			line := fmt.Sprintf("  %-6s %-22s attempts=%d", o.Channel, o.Status, o.Attempts)
			if o.LastError != "" {
				line += "  " + o.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
