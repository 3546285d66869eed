package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
)

//go:embed templates/config.yaml
var configTemplate embed.FS

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, show and edit the configuration file",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

// newConfigInitCmd creates "config init".
func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented configuration file",
		Long: `Init writes a commented configuration file with the default settings.

Examples:
  # Create $XDG_CONFIG_HOME/onionproxy/config.yaml
  onionproxy config init

  # Create the file at a specific path, overwriting it
  onionproxy --config ./onionproxy.yaml config init -f`,
		Args: cobra.NoArgs,
		RunE: runConfigInitCmd,
	}

	cmd.Flags().BoolP("force", "f", false, "Overwrite an existing configuration file")

	return cmd
}

// runConfigInitCmd writes the commented template. An existing file is
// kept unless --force is given, since it may hold hand edits.
func runConfigInitCmd(cmd *cobra.Command, _ []string) error {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	path := configPath(cmd)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", path)
		}
	}

	content, err := configTemplate.ReadFile("templates/config.yaml")
	if err != nil {
		return fmt.Errorf("failed to read config template: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created configuration file: %s\n", path)
	return nil
}

// newConfigShowCmd creates "config show".
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Show prints the configuration after defaults are applied.

Proxy passwords and bridge parameters are redacted unless --reveal is given.`,
		Args: cobra.NoArgs,
		RunE: runConfigShowCmd,
	}

	cmd.Flags().Bool("reveal", false, "Print secrets unredacted")

	return cmd
}

// runConfigShowCmd prints the loaded configuration as YAML. Secrets are
// redacted unless --reveal is given.
func runConfigShowCmd(cmd *cobra.Command, _ []string) error {
	reveal, err := cmd.Flags().GetBool("reveal")
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(store.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	out := string(data)
	if !reveal {
		out = log.Redact(out)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// newConfigSetCmd creates "config set".
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting and save the file",
		Long: `Set changes one setting, validates the result and saves the file.
An invalid value leaves the file untouched.

Keys:
  ` + strings.Join(config.Keys(), "\n  ") + `

Bridges are edited with 'onionproxy bridge'.

Examples:
  onionproxy config set use_proxy true
  onionproxy config set socks_proxy_url socks5h://127.0.0.1:9050
  onionproxy config set tor.socks_port 9150`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigSetCmd,
	}
}

// runConfigSetCmd updates one key and saves the file.
func runConfigSetCmd(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	key, value := args[0], args[1]
	if err := store.Update(func(c *config.Config) error {
		return c.Set(key, value)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, log.Redact(value))
	return nil
}

// newConfigPathCmd creates "config path".
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath(cmd))
			return nil
		},
	}
}
