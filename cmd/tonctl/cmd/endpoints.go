package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonharbor/internal/endpoint"
	"github.com/austindbirch/tonharbor/internal/prober"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Inspect ledger endpoints",
}

var endpointsProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure latency and clock skew of every configured endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		summary := c.ProbeNow(ctx)
		printProbe(cmd.OutOrStdout(), summary, c.Pool().Snapshot())
		if summary.Answered == 0 {
			return fmt.Errorf("no endpoint answered")
		}
		return nil
	},
}

type probeView struct {
	Summary   prober.Summary   `json:"summary"`
	Endpoints []endpoint.State `json:"endpoints"`
}

func printProbe(out io.Writer, s prober.Summary, states []endpoint.State) {
	if outputJSON {
		printOutput(out, probeView{Summary: s, Endpoints: states})
		return
	}
	health := make(map[string]string, len(states))
	for _, st := range states {
		health[st.URL] = st.HealthName
	}
	for _, r := range s.Results {
		if r.Error != "" {
			fmt.Fprintf(out, "✗ %-40s %-11s %s\n", r.Endpoint, health[r.Endpoint], r.Error)
			continue
		}
		fmt.Fprintf(out, "✓ %-40s %-11s latency=%s skew=%s\n", r.Endpoint, health[r.Endpoint], r.Latency, r.Skew)
	}
	fmt.Fprintf(out, "%d/%d answered, median skew %s", s.Answered, len(s.Results), s.Skew)
	if s.OutOfSync {
		fmt.Fprint(out, " (OUT OF SYNC)")
	}
	fmt.Fprintln(out)
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the endpoint pool of a running relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		var view struct {
			RelayID   string                  `json:"relay_id"`
			Endpoints []endpoint.State        `json:"endpoints"`
			Reconnect endpoint.ReconnectStatus `json:"reconnect"`
			ClockSkew int64                   `json:"clock_skew_ms"`
			OutOfSync bool                    `json:"out_of_sync"`
		}
		if err := relayRequest(ctx, http.MethodGet, "/v1/endpoints", nil, &view); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, view)
			return nil
		}
		for _, st := range view.Endpoints {
			fmt.Fprintf(out, "%-40s %-11s latency=%s failures=%d\n", st.URL, st.HealthName, st.Latency, st.Failures)
		}
		fmt.Fprintf(out, "relay %s\n", view.RelayID)
		fmt.Fprintf(out, "clock skew %dms, out of sync: %v, reconnecting: %v\n", view.ClockSkew, view.OutOfSync, view.Reconnect.Active)
		return nil
	},
}

func init() {
	endpointsCmd.AddCommand(endpointsProbeCmd, endpointsListCmd)
	rootCmd.AddCommand(endpointsCmd)
}
