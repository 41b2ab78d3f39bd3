package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/tonharbor/internal/client"
	"github.com/austindbirch/tonharbor/internal/config"
	"github.com/austindbirch/tonharbor/internal/logging"
)

var (
	cfgFile    string
	relayAddr  string
	grpcAddr   string
	timeout    time.Duration
	outputJSON bool
	verbose    bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tonctl",
	Short: "tonctl - deliver messages to the ledger and operate tonharbor relays",
	Long: `tonctl is a command line tool for the tonharbor delivery runtime.

It can probe ledger endpoints, submit messages directly or through a relay,
resolve pending app requests and check relay health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tonctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&relayAddr, "relay", "http://localhost:8080", "relay HTTP base URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", "localhost:50051", "relay gRPC address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log runtime activity to stderr")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for the relay API (overrides TONCTL_TOKEN)")
	rootCmd.PersistentFlags().StringSlice("endpoints", nil, "ledger endpoint URLs")
	rootCmd.PersistentFlags().String("access-key", "", "access key for endpoint bearer tokens")

	// Bind flags to viper
	viper.BindPFlag("relay", rootCmd.PersistentFlags().Lookup("relay"))
	viper.BindPFlag("grpc", rootCmd.PersistentFlags().Lookup("grpc"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("endpoints", rootCmd.PersistentFlags().Lookup("endpoints"))
	viper.BindPFlag("access_key", rootCmd.PersistentFlags().Lookup("access-key"))
	viper.SetDefault("boc_cache_capacity", 10<<20)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tonctl")
	}

	viper.SetEnvPrefix("TONCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("relay") {
		if s := viper.GetString("relay"); s != "" {
			relayAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("grpc") {
		if s := viper.GetString("grpc"); s != "" {
			grpcAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("token") {
		jwtToken = viper.GetString("token")
	}
}

func cliLogger() *logging.Logger {
	if !verbose {
		return logging.Discard()
	}
	l := logging.New("tonctl")
	l.SetOutput(os.Stderr)
	return l
}

// newClient builds a delivery runtime from the viper configuration
func newClient() (*client.Client, error) {
	n := config.FromViper(viper.GetViper())
	return client.New(n, viper.GetInt64("boc_cache_capacity"), client.Options{Logger: cliLogger()})
}

type relayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// relayRequest calls the relay HTTP API and decodes a JSON answer into out
// when out is non-nil
func relayRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(relayAddr, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var rerr relayError
		if json.Unmarshal(raw, &rerr) == nil && rerr.Message != "" {
			return fmt.Errorf("relay returned %d (%s): %s", resp.StatusCode, rerr.Code, rerr.Message)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printOutput prints v as indented JSON
func printOutput(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}
