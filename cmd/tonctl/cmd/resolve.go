package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonharbor/internal/hostbus"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [app-request-id]",
	Short: "Answer a pending app request on a relay",
	Long: `Answer a pending app request, for example with a signature.

Examples:
  tonctl resolve 7 --result '"c2lnbmF0dXJl"'
  tonctl resolve 7 --error "user declined"
  tonctl resolve 7 --relay-id relay-a --result '"c2lnbmF0dXJl"'

Without --relay-id the answer is addressed to the relay behind --relay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, _ := cmd.Flags().GetString("result")
		failure, _ := cmd.Flags().GetString("error")
		relay, _ := cmd.Flags().GetString("relay-id")
		res, err := buildResolution(args[0], relay, result, failure)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if res.Relay == "" {
			if res.Relay, err = relayInstance(ctx); err != nil {
				return err
			}
		}
		if err := relayRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/app-requests/%d/resolve", res.ID), res, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ app request %d resolved\n", res.ID)
		return nil
	},
}

func buildResolution(id, relay, result, failure string) (hostbus.Resolution, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return hostbus.Resolution{}, fmt.Errorf("invalid app request id %q", id)
	}
	res := hostbus.Resolution{ID: uint32(n), Relay: relay}
	switch {
	case result != "" && failure != "":
		return hostbus.Resolution{}, fmt.Errorf("give either --result or --error")
	case failure != "":
		res.Error = failure
	case result != "":
		if !json.Valid([]byte(result)) {
			return hostbus.Resolution{}, fmt.Errorf("--result must be JSON")
		}
		res.Result = json.RawMessage(result)
	default:
		return hostbus.Resolution{}, fmt.Errorf("--result or --error is required")
	}
	return res, nil
}

// relayInstance asks the relay for the id it stamps on its app requests
func relayInstance(ctx context.Context) (string, error) {
	var view struct {
		RelayID string `json:"relay_id"`
	}
	if err := relayRequest(ctx, http.MethodGet, "/v1/endpoints", nil, &view); err != nil {
		return "", fmt.Errorf("failed to look up relay id: %w", err)
	}
	return view.RelayID, nil
}

func init() {
	resolveCmd.Flags().String("result", "", "JSON result handed back to the delivery")
	resolveCmd.Flags().String("error", "", "error text failing the request")
	resolveCmd.Flags().String("relay-id", "", "relay that issued the request (default: ask --relay)")
	rootCmd.AddCommand(resolveCmd)
}
