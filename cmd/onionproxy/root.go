package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
)

// NewRootCmd creates the root command for onionproxy.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onionproxy",
		Short: "Local SOCKS5 proxy and HTTP client over Tor",
		Long: `onionproxy manages a Tor client, serves a local SOCKS5 proxy backed by it
and sends HTTP requests directly, through a configured proxy or over Tor.

Bridges (webtunnel, obfs4, snowflake) are supported through pluggable
transports. Settings live in $XDG_CONFIG_HOME/onionproxy/config.yaml.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: $XDG_CONFIG_HOME/onionproxy/config.yaml)")
	cmd.PersistentFlags().String("data-dir", "",
		"Directory of the event journal (default: $XDG_DATA_HOME/onionproxy)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewHostCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewConfigCmd())
	cmd.AddCommand(NewBridgeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, log.Redact(err.Error()))
		os.Exit(1)
	}
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// setupLogger creates the redacting logger on stderr.
func setupLogger(cmd *cobra.Command) *slog.Logger {
	logger := log.NewSecureLogger(cmd.ErrOrStderr(), getVerboseFlag(cmd))
	slog.SetDefault(logger)
	return logger
}

// configPath returns the --config value or the XDG default.
func configPath(cmd *cobra.Command) string {
	if path, err := cmd.Flags().GetString("config"); err == nil && path != "" {
		return path
	}
	return config.DefaultConfigPath()
}

// dataDir returns the --data-dir value or the XDG default.
func dataDir(cmd *cobra.Command) string {
	if dir, err := cmd.Flags().GetString("data-dir"); err == nil && dir != "" {
		return dir
	}
	return config.XDGDataDir()
}

// openStore loads the configuration file. A missing file yields defaults.
func openStore(cmd *cobra.Command) (*config.Store, error) {
	store, err := config.OpenStore(configPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return store, nil
}
