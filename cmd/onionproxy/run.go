package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/database"
	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/proxy"
)

// defaultKeepEvents is how many journal rows survive the prune at startup.
const defaultKeepEvents = 1000

// errStartFailed wraps the manager error when a run never reaches Running.
var errStartFailed = errors.New("proxy failed to start")

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the local SOCKS5 proxy over Tor until interrupted",
		Long: `Run starts the Tor client and serves a SOCKS5 proxy on 127.0.0.1.

Applications pointed at the proxy reach the Tor network, .onion services
included. Hostnames are resolved by the Tor exit, never locally.

State changes are printed and recorded in the event journal, which
'onionproxy status' reads. Stop with Ctrl+C.

Examples:
  # Serve on the configured port (tor.socks_port, default 9060)
  onionproxy run

  # Serve on another port without changing the configuration file
  onionproxy run --port 9150

  # Then, in another terminal
  curl --socks5-hostname 127.0.0.1:9060 https://check.torproject.org/api/ip`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().IntP("port", "p", 0, "Override tor.socks_port for this run")
	cmd.Flags().Int("keep-events", defaultKeepEvents, "Journal rows kept when pruning at startup (0 keeps all)")

	return cmd
}

// runRunCmd wires the store, journal and manager and serves until
// interrupted.
func runRunCmd(cmd *cobra.Command, _ []string) error {
	logger := setupLogger(cmd)

	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return err
	}
	keep, err := cmd.Flags().GetInt("keep-events")
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	var source proxy.ConfigSource = store
	if port != 0 {
		cfg := store.Snapshot()
		cfg.Tor.SocksPort = port
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		source = config.NewMemoryStore(cfg)
	}

	journal, err := database.Open(dataDir(cmd), database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if keep > 0 {
		if _, err := journal.Prune(ctx, keep); err != nil {
			logger.Warn("failed to prune event journal", "error", err)
		}
	}

	return serve(ctx, source, proxy.NewTorClientFactory(logger), journal, logger, cmd.OutOrStdout())
}

// serve runs a manager until ctx is done or the first start fails.
func serve(
	ctx context.Context,
	source proxy.ConfigSource,
	factory proxy.ClientFactory,
	recorder proxy.Recorder,
	logger *slog.Logger,
	out io.Writer,
	opts ...proxy.Option,
) error {
	opts = append([]proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithRecorder(&announcer{next: recorder, out: out}),
	}, opts...)
	mgr := proxy.NewManager(source, factory, opts...)
	defer mgr.Close()

	mgr.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.Wait(gctx, model.StateError); err != nil {
			return nil //nolint:nilerr // cancelled: normal shutdown
		}
		return fmt.Errorf("%w: %w", errStartFailed, mgr.Err())
	})
	g.Go(func() error {
		<-gctx.Done()
		mgr.Stop()
		return nil
	})
	return g.Wait()
}

// announcer prints each transition and forwards it to the journal.
type announcer struct {
	mu   sync.Mutex
	next proxy.Recorder
	out  io.Writer
}

// RecordEvent prints ev before journaling it, so the terminal shows the
// transition even when the journal write fails.
func (a *announcer) RecordEvent(ctx context.Context, ev model.Event) error {
	a.mu.Lock()
	if ev.Message == "" {
		fmt.Fprintf(a.out, "%s\n", ev.State)
	} else {
		fmt.Fprintf(a.out, "%s: %s\n", ev.State, log.Redact(ev.Message))
	}
	a.mu.Unlock()

	if a.next == nil {
		return nil
	}
	return a.next.RecordEvent(ctx, ev)
}
