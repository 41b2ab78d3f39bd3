package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a relay",
	Long:  `Check a relay using the gRPC health service, or its /healthz route with --http.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		out := cmd.OutOrStdout()

		if useHTTP, _ := cmd.Flags().GetBool("http"); useHTTP {
			var status map[string]any
			if err := relayRequest(ctx, http.MethodGet, "/healthz", nil, &status); err != nil {
				fmt.Fprintf(out, "✗ Relay is unhealthy: %v\n", err)
				return err
			}
			if outputJSON {
				printOutput(out, status)
				return nil
			}
			fmt.Fprintln(out, "✓ Relay is healthy (HTTP)")
			return nil
		}

		service, _ := cmd.Flags().GetString("service")
		status, err := checkHealth(ctx, grpcAddr, service)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(out, "✗ Relay is %s\n", status)
			return fmt.Errorf("relay is %s", status)
		}
		fmt.Fprintln(out, "✓ Relay is healthy")
		return nil
	},
}

func checkHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	healthCmd.Flags().Bool("http", false, "use the HTTP /healthz route instead of gRPC")
	healthCmd.Flags().String("service", "tonharbor.Relay", "gRPC health service name")
	rootCmd.AddCommand(healthCmd)
}
