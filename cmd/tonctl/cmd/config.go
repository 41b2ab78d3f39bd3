package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/tonharbor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tonctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return viewConfig(cmd.OutOrStdout(), config.FromViper(viper.GetViper()))
	},
}

func viewConfig(out io.Writer, n config.Network) error {
	if n.AccessKey != "" {
		n.AccessKey = "***"
	}
	valid := n.Validate()
	if outputJSON {
		view := map[string]any{
			"relay":   relayAddr,
			"grpc":    grpcAddr,
			"timeout": timeout.String(),
			"network": n,
			"valid":   valid == nil,
		}
		if valid != nil {
			view["error"] = valid.Error()
		}
		printOutput(out, view)
		return nil
	}

	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintf(out, "  Relay: %s\n", relayAddr)
	fmt.Fprintf(out, "  gRPC: %s\n", grpcAddr)
	fmt.Fprintf(out, "  Timeout: %s\n", timeout)
	fmt.Fprintf(out, "  Endpoints: %s\n", strings.Join(n.Endpoints, ", "))
	fmt.Fprintf(out, "  Access key: %v\n", n.AccessKey != "")
	fmt.Fprintf(out, "  Retries: %d\n", n.MessageRetriesCount)
	fmt.Fprintf(out, "  Expiration timeout: %s (grow factor %g)\n", n.MessageExpirationTimeout, n.ExpirationTimeoutGrowFactor)
	fmt.Fprintf(out, "  Processing timeout: %s\n", n.MessageProcessingTimeout)
	fmt.Fprintf(out, "  Out of sync threshold: %s\n", n.OutOfSyncThreshold)
	fmt.Fprintf(out, "  Sending endpoints: %d\n", n.SendingEndpointCount)
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "  Config file: none (using defaults)")
	}
	if valid != nil {
		fmt.Fprintf(out, "  ✗ %v\n", valid)
	}
	return nil
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file in the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		force, _ := cmd.Flags().GetBool("force")
		path := filepath.Join(home, ".tonctl.yaml")
		if err := writeDefaultConfig(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// writeDefaultConfig writes the default network settings to path
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	def := config.DefaultNetwork()
	v := viper.New()
	v.Set("relay", "http://localhost:8080")
	v.Set("grpc", "localhost:50051")
	v.Set("timeout", "2m")
	v.Set("endpoints", []string{"http://localhost:8081"})
	v.Set("message_retries_count", def.MessageRetriesCount)
	v.Set("message_expiration_timeout", def.MessageExpirationTimeout.String())
	v.Set("expiration_timeout_grow_factor", def.ExpirationTimeoutGrowFactor)
	v.Set("message_processing_timeout", def.MessageProcessingTimeout.String())
	v.Set("out_of_sync_threshold", def.OutOfSyncThreshold.String())
	v.Set("sending_endpoint_count", def.SendingEndpointCount)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")
	configCmd.AddCommand(configViewCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
