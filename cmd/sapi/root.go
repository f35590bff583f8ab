package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sapiremote/internal/config"
)

var (
	cfgFile      string
	outputFormat string

	// set by PersistentPreRunE
	cfgManager *config.Manager
)

var rootCmd = &cobra.Command{
	Use:   "sapi",
	Short: "Client for remote solver services",
	Long: `sapi submits problems to a remote solver service and tracks them until
their answers are available.

Problems are batched into as few requests as possible, polled with backoff
and retried when the network fails. The same pipeline can run behind an
HTTP gateway (sapi serve) that reports progress through webhooks.

Backends:
  - http    the remote solver HTTP API (default)
  - docker  local solver containers, one per problem

Configuration is read from ./sapi.yaml or ~/.sapi/sapi.yaml, then SAPI_*
environment variables, then flags.`,
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "yaml" && outputFormat != "json" {
			return fmt.Errorf("unknown output format %q (want yaml or json)", outputFormat)
		}

		mgr, err := config.NewManager(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfgManager = mgr

		logger, level := config.NewLogger(mgr.Get().Log, os.Stderr)
		slog.SetDefault(logger)
		mgr.WatchLogLevel(level)
		mgr.WatchConfig()
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./sapi.yaml or ~/.sapi/sapi.yaml)")
	flags.StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")

	// Names map onto config keys: --remote-url sets remote.url
	flags.String("backend", "", "solver backend: http or docker")
	flags.String("remote-url", "", "remote solver service URL")
	flags.String("remote-token-file", "", "file holding the API token")
	flags.String("remote-proxy", "", "proxy URL for the remote service")
	flags.Duration("remote-timeout", 0, "per-request timeout for the remote service")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	rootCmd.AddCommand(solversCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig returns the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg := cfgManager.Get()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
