package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/tor"
)

// errUnknownProtocol is returned by "bridge add" for a protocol name
// outside protocolNames.
var errUnknownProtocol = errors.New("unknown bridge protocol")

// NewBridgeCmd creates the bridge command and its subcommands.
func NewBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage pluggable transport bridges",
		Long: `Bridge lists, adds and removes the bridges the Tor client connects through.

Bridge lines are available from https://bridges.torproject.org/.`,
		Args: cobra.NoArgs,
	}

	cmd.AddCommand(newBridgeListCmd())
	cmd.AddCommand(newBridgeAddCmd())
	cmd.AddCommand(newBridgeClearCmd())

	return cmd
}

// newBridgeListCmd creates "bridge list".
func newBridgeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured bridges",
		Args:  cobra.NoArgs,
		RunE:  runBridgeListCmd,
	}
}

// runBridgeListCmd prints whether bridges are enabled and each bridge with
// its launch method. Connection lines are redacted.
func runBridgeListCmd(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	cfg := store.Snapshot()
	out := cmd.OutOrStdout()

	if cfg.Tor.UseBridges {
		fmt.Fprintln(out, "Bridges: enabled")
	} else {
		fmt.Fprintln(out, "Bridges: disabled")
	}
	if len(cfg.Tor.Bridges) == 0 {
		fmt.Fprintln(out, "  none configured")
		return nil
	}
	for i, b := range cfg.Tor.Bridges {
		launch := tor.LaunchMethod{BinaryPath: b.BinaryPath}
		fmt.Fprintf(out, "  %d. [%s] %s\n     %s\n", i+1, b.Protocol.DisplayName(), launch, log.Redact(b.ConnectionLine))
	}
	return nil
}

// newBridgeAddCmd creates "bridge add".
func newBridgeAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add PROTOCOL LINE...",
		Short: "Add bridges and enable bridge use",
		Long: `Add validates bridge lines, appends them and enables bridge use.

PROTOCOL is one of: ` + protocolNames() + `. Each LINE is a bridge line
as handed out by BridgeDB; the leading transport name may be omitted.

Examples:
  onionproxy bridge add obfs4 'obfs4 192.0.2.1:443 0123...CDEF cert=... iat-mode=0'
  onionproxy bridge add snowflake '192.0.2.3:80 2B28...' --binary /usr/bin/snowflake-client`,
		Args: cobra.MinimumNArgs(2),
		RunE: runBridgeAddCmd,
	}

	cmd.Flags().String("binary", "", "Pluggable transport executable (default: built-in lookup in PATH)")

	return cmd
}

// runBridgeAddCmd parses a bridge line and appends it to the configuration.
// The line is checked before anything is written, so a typo never reaches
// the file.
func runBridgeAddCmd(cmd *cobra.Command, args []string) error {
	binary, err := cmd.Flags().GetString("binary")
	if err != nil {
		return err
	}
	protocol, ok := model.ParseBridgeProtocol(args[0])
	if !ok {
		return fmt.Errorf("%w: %q (expected one of %s)", errUnknownProtocol, args[0], protocolNames())
	}

	lines := make([]string, 0, len(args)-1)
	for _, raw := range args[1:] {
		line, err := tor.NormalizeBridgeLine(protocol, raw)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	if err := store.Update(func(c *config.Config) error {
		for _, line := range lines {
			c.AddBridge(protocol, binary, line)
		}
		c.Tor.UseBridges = true
		return nil
	}); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %d %s bridge(s); bridges enabled\n", len(lines), protocol.DisplayName())
	return nil
}

// newBridgeClearCmd creates "bridge clear".
func newBridgeClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every bridge and disable bridge use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Update(func(c *config.Config) error {
				c.ClearBridges()
				return nil
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Bridges cleared")
			return nil
		},
	}
}

// protocolNames lists the accepted protocols for help text and errors.
func protocolNames() string {
	names := make([]string, len(model.BridgeProtocols))
	for i, p := range model.BridgeProtocols {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
