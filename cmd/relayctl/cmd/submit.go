package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scribeworks/minuterelay/internal/delivery"
	"github.com/scribeworks/minuterelay/internal/intake"
)

var (
	submitArtifact   string
	submitSubject    string
	submitBody       string
	submitBodyFile   string
	submitRecipients []string
	submitChannels   []string
	submitIdemKey    string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit minutes for delivery",
	Long: `Submit a rendered minutes artifact for delivery across one or more
channels. Recipients are given as name=address pairs; the name part is
optional and used for chat mentions.`,
	Example: `  relayctl submit --artifact https://minutes.example.com/m/42 \
    --subject "Sprint review minutes" --body-file minutes.html \
    --to eng-team=eng@example.com --channel email --channel chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := submitBody
		if submitBodyFile != "" {
			data, err := os.ReadFile(submitBodyFile)
			if err != nil {
				return fmt.Errorf("read body file: %w", err)
			}
			body = string(data)
		}

		recipients := make([]delivery.Recipient, 0, len(submitRecipients))
		for _, r := range submitRecipients {
			name, addr, found := strings.Cut(r, "=")
			if !found {
				recipients = append(recipients, delivery.Recipient{Address: r})
				continue
			}
			recipients = append(recipients, delivery.Recipient{Name: name, Address: addr})
		}

		channels := make([]delivery.Channel, 0, len(submitChannels))
		for _, c := range submitChannels {
			channels = append(channels, delivery.Channel(c))
		}

		sub := intake.Submission{
			ArtifactRef:    submitArtifact,
			Subject:        submitSubject,
			Body:           body,
			Recipients:     recipients,
			Channels:       channels,
			IdempotencyKey: submitIdemKey,
		}

		resp, err := makeHTTPRequest("POST", "/v1/deliveries", sub)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}

		var out intake.SubmitResponse
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		fmt.Printf("%s: %s\n", out.Status, out.CorrelationID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitArtifact, "artifact", "", "artifact reference (content id or URL) (required)")
	submitCmd.Flags().StringVar(&submitSubject, "subject", "", "delivery subject line")
	submitCmd.Flags().StringVar(&submitBody, "body", "", "rendered minutes body")
	submitCmd.Flags().StringVar(&submitBodyFile, "body-file", "", "read the body from a file")
	submitCmd.Flags().StringArrayVar(&submitRecipients, "to", nil, "recipient as name=address (repeatable) (required)")
	submitCmd.Flags().StringArrayVar(&submitChannels, "channel", []string{"email"}, "delivery channel: email or chat (repeatable)")
	submitCmd.Flags().StringVar(&submitIdemKey, "idempotency-key", "", "dedupe key; repeated submissions with the same key are delivered once")

	submitCmd.MarkFlagRequired("artifact")
	submitCmd.MarkFlagRequired("to")
}
