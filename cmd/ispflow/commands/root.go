package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ispflow/pkg/api"
	"github.com/openfroyo/ispflow/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	serverURL  string
)

const defaultServerURL = "http://localhost:8080"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ispflow",
		Short: "ispflow - subscriber provisioning orchestrator",
		Long: `ispflow provisions and deprovisions broadband subscribers across billing,
network access, IP address management, optical access and CPE management systems.

Each workflow runs as a saga: every step that succeeded is compensated in reverse
order when a later step fails or the run is cancelled. Delegated IPv6 prefixes are
tracked through an explicit lifecycle and a background reconciler repairs leaks and
stuck revocations.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API server URL (default $ISPFLOW_SERVER or "+defaultServerURL+")")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// loadConfig reads the --config file and applies the logging flags.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	applyLogFlags(cfg)
	return loader, cfg, nil
}

func applyLogFlags(cfg *config.Config) {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Telemetry.Logging.Level = lvl
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
}

func newAPIClient() *api.Client {
	url := serverURL
	if url == "" {
		url = os.Getenv("ISPFLOW_SERVER")
	}
	if url == "" {
		url = defaultServerURL
	}
	return api.NewClient(url, nil)
}

// printResult writes v as indented JSON with --json, otherwise calls human.
func printResult(w io.Writer, v interface{}, human func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}
