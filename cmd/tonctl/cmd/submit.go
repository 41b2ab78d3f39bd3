package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/tonharbor/internal/delivery"
)

var submitCmd = &cobra.Command{
	Use:   "submit [base64-message]",
	Short: "Deliver a message to the ledger",
	Long: `Deliver a serialized message and wait for its transaction.

The message is given as base64, as a boc cache reference ("*<key>") or read
raw from --file. By default tonctl runs the delivery itself against the
configured endpoints; with --via-relay the job is queued on a relay instead.

Examples:
  tonctl submit te6ccgEBAQEA... --endpoints https://a,https://b
  tonctl submit --file msg.boc --via-relay --token $TOKEN
  tonctl submit te6ccgEBAQEA... --emulation succeeded`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		var arg string
		if len(args) == 1 {
			arg = args[0]
		}
		message, err := readMessage(arg, file)
		if err != nil {
			return err
		}
		job := delivery.Job{Message: message}
		job.JobID, _ = cmd.Flags().GetString("job-id")
		if job.JobID == "" {
			job.JobID = uuid.NewString()
		}
		job.Address, _ = cmd.Flags().GetString("address")
		emulation, _ := cmd.Flags().GetString("emulation")
		if job.Emulation, err = parseEmulation(emulation); err != nil {
			return err
		}
		if sign, _ := cmd.Flags().GetString("sign-request"); sign != "" {
			if !json.Valid([]byte(sign)) {
				return fmt.Errorf("--sign-request must be JSON")
			}
			job.SignRequest = json.RawMessage(sign)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if viaRelay, _ := cmd.Flags().GetBool("via-relay"); viaRelay {
			var accepted map[string]string
			if err := relayRequest(ctx, http.MethodPost, "/v1/messages", job, &accepted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %s\n", accepted["job_id"])
			return nil
		}

		if len(job.SignRequest) > 0 {
			return fmt.Errorf("host signed messages need a relay, use --via-relay")
		}
		res, err := submitDirect(ctx, job)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		if res.Status != string(delivery.StateConfirmed) {
			return fmt.Errorf("delivery failed: %s", res.Status)
		}
		return nil
	},
}

// readMessage returns the message as base64 or a cache reference
func readMessage(arg, file string) (string, error) {
	switch {
	case arg != "" && file != "":
		return "", fmt.Errorf("give either a message argument or --file, not both")
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		if len(raw) == 0 {
			return "", fmt.Errorf("%s is empty", file)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	case strings.HasPrefix(arg, "*"):
		return arg, nil
	case arg != "":
		if _, err := base64.StdEncoding.DecodeString(arg); err != nil {
			return "", fmt.Errorf("message is not base64: %w", err)
		}
		return arg, nil
	default:
		return "", fmt.Errorf("a message argument or --file is required")
	}
}

// parseEmulation maps --emulation onto a known status. Empty leaves it to the
// executor, if one is configured.
func parseEmulation(v string) (delivery.EmulationStatus, error) {
	switch s := delivery.EmulationStatus(v); s {
	case delivery.EmulationUnknown, delivery.EmulationSucceeded, delivery.EmulationReplayRejected, delivery.EmulationFailed:
		return s, nil
	default:
		return "", fmt.Errorf("--emulation must be succeeded, replay_rejected or failed, got %q", v)
	}
}

func submitDirect(ctx context.Context, job delivery.Job) (delivery.JobResult, error) {
	c, err := newClient()
	if err != nil {
		return delivery.JobResult{}, err
	}
	defer c.Close()
	// rank endpoints by latency before the first round
	c.ProbeNow(ctx)
	return c.SubmitJob(ctx, job), nil
}

func printResult(out io.Writer, res delivery.JobResult) {
	if outputJSON {
		printOutput(out, res)
		return
	}
	if res.Error != "" {
		fmt.Fprintf(out, "✗ job %s: %s after %d round(s): %s\n", res.JobID, res.Status, res.Rounds, res.Error)
		return
	}
	fmt.Fprintf(out, "✓ job %s confirmed in %d round(s)\n", res.JobID, res.Rounds)
	fmt.Fprintf(out, "  message:     %s\n", res.MessageID)
	fmt.Fprintf(out, "  transaction: %s\n", res.TransactionID)
}

func init() {
	submitCmd.Flags().String("file", "", "read the raw message from a file")
	submitCmd.Flags().String("job-id", "", "job id (default: random uuid)")
	submitCmd.Flags().String("address", "", "destination account, used for emulation")
	submitCmd.Flags().String("emulation", "", "known emulation result: succeeded, replay_rejected or failed")
	submitCmd.Flags().String("sign-request", "", "JSON handed to the host for signing (relay only)")
	submitCmd.Flags().Bool("via-relay", false, "queue the job on a relay instead of delivering directly")
	rootCmd.AddCommand(submitCmd)
}
