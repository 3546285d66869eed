package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/tor"
)

// defaultCheckTimeout bounds the check request.
const defaultCheckTimeout = 30 * time.Second

// NewCheckCmd creates the check command.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that the local SOCKS proxy exits through Tor",
		Long: `Check asks check.torproject.org, through the local SOCKS listener,
whether the request arrived from a Tor exit.

The proxy must be running ('onionproxy run'). Use --socks to check another
SOCKS5 proxy, for example a system Tor daemon on 127.0.0.1:9050.`,
		Args: cobra.NoArgs,
		RunE: runCheckCmd,
	}

	cmd.Flags().String("socks", "", "SOCKS5 proxy address (default: 127.0.0.1:<tor.socks_port>)")
	cmd.Flags().String("url", tor.CheckURL, "Check endpoint")
	cmd.Flags().DurationP("timeout", "t", defaultCheckTimeout, "Timeout for the check request")

	return cmd
}

// runCheckCmd asks the Tor check service whether requests sent through the
// SOCKS port arrive from an exit relay. The port must already answer; check
// never starts a proxy of its own, so the result describes what
// applications using that port see.
func runCheckCmd(cmd *cobra.Command, _ []string) error {
	setupLogger(cmd)

	socksAddr, err := cmd.Flags().GetString("socks")
	if err != nil {
		return err
	}
	checkURL, err := cmd.Flags().GetString("url")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	if socksAddr == "" {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		socksAddr = store.Snapshot().SocksListenAddr()
	}

	if status := tor.CheckSOCKS(cmd.Context(), socksAddr); status != tor.ListenerOK {
		return fmt.Errorf("no SOCKS5 proxy at %s (%s); start one with 'onionproxy run'", socksAddr, status)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	info, err := tor.CheckExit(ctx, socksAddr, checkURL, timeout)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if info.IsTor {
		fmt.Fprintf(out, "Using Tor. Exit IP: %s\n", info.IP)
		return nil
	}
	fmt.Fprintf(out, "Not using Tor. Your IP appears to be %s\n", info.IP)
	return nil
}
