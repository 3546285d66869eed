package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/proxy"
	"github.com/nao1215/onionproxy/internal/service"
	"github.com/nao1215/onionproxy/internal/transport"
)

// errMissingPort is returned when host is run without --port.
var errMissingPort = errors.New("--port is required")

// NewHostCmd creates the host command.
func NewHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Publish a local HTTP server as an onion service until interrupted",
		Long: `Host starts the Tor client and publishes a server listening on 127.0.0.1
as an onion service. The onion address is printed once published.

The service key is stored under tor.keystore_dir, so the address stays the
same across runs. Use --ephemeral for a throwaway address.

While hosting, the service fetches its own address over Tor every minute.
After three failed checks in a row it is removed, the Tor client is rebuilt
from the current configuration and the service is published again under
the same address. Stop with Ctrl+C.

Examples:
  # Publish http://127.0.0.1:8080 on port 80 of a new onion address
  onionproxy host --port 8080

  # A second service with its own address and key
  onionproxy host --id blog --port 4000

  # Serve HTTPS on the onion's port 443
  onionproxy host --port 8443 --virtual-port 443`,
		Args: cobra.NoArgs,
		RunE: runHostCmd,
	}

	cmd.Flags().IntP("port", "p", 0, "Local port on 127.0.0.1 to publish (required)")
	cmd.Flags().String("id", "default", "Service name; also names the key file")
	cmd.Flags().Int("virtual-port", service.DefaultVirtualPort, "Port visitors connect to on the onion address")
	cmd.Flags().String("key", "", "Key file (default <tor.keystore_dir>/onion/<id>.key)")
	cmd.Flags().Bool("ephemeral", false, "Do not store the key; the address changes every run")

	return cmd
}

// parseHostFlags turns the flags into a service spec. The key lives under
// the keystore unless --key names another file; --ephemeral drops it so
// every run gets a new address.
func parseHostFlags(cmd *cobra.Command, cfg *config.Config) (service.Spec, error) {
	var spec service.Spec
	var err error
	if spec.Port, err = cmd.Flags().GetInt("port"); err != nil {
		return spec, err
	}
	if spec.Port == 0 {
		return spec, errMissingPort
	}
	if spec.ID, err = cmd.Flags().GetString("id"); err != nil {
		return spec, err
	}
	if spec.VirtualPort, err = cmd.Flags().GetInt("virtual-port"); err != nil {
		return spec, err
	}
	ephemeral, err := cmd.Flags().GetBool("ephemeral")
	if err != nil {
		return spec, err
	}
	if spec.KeyPath, err = cmd.Flags().GetString("key"); err != nil {
		return spec, err
	}
	switch {
	case ephemeral:
		spec.KeyPath = ""
	case spec.KeyPath == "":
		spec.KeyPath = service.KeyPath(cfg.Tor.KeystoreDir, spec.ID)
	}
	return spec, nil
}

// runHostCmd hosts the service until SIGINT or SIGTERM.
func runHostCmd(cmd *cobra.Command, _ []string) error {
	logger := setupLogger(cmd)

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	spec, err := parseHostFlags(cmd, store.Snapshot())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.ErrOrStderr(), "Starting Tor, this can take a few minutes...")
	deps := hostDeps{
		factory: proxy.NewTorClientFactory(logger),
		publisher: func(mgr *proxy.Manager) service.Publisher {
			return service.ManagedPublisher(mgr)
		},
	}
	return host(ctx, store, spec, deps, logger, cmd.OutOrStdout())
}

// hostDeps are the parts of host replaced in tests.
type hostDeps struct {
	factory proxy.ClientFactory
	// publisher adapts the manager to the host; tests return an in-memory
	// publisher instead of one talking to tor.
	publisher func(*proxy.Manager) service.Publisher
	proxyOpts []proxy.Option
	hostOpts  []service.Option
}

// host publishes spec on a private proxy manager and keeps it up until
// ctx is done. The service is removed before the Tor client is closed.
func host(
	ctx context.Context,
	store *config.Store,
	spec service.Spec,
	deps hostDeps,
	logger *slog.Logger,
	out io.Writer,
) error {
	mgr, err := startTunnel(ctx, store, deps.factory, append([]proxy.Option{proxy.WithLogger(logger)}, deps.proxyOpts...)...)
	if err != nil {
		return err
	}
	defer mgr.Close()

	checker := service.NewHTTPChecker(transport.NewHTTPClient(store,
		transport.WithTunnel(mgr),
		transport.WithLogger(logger),
		transport.WithTimeout(service.DefaultTimings().CheckTimeout),
	))
	h := service.NewHost(deps.publisher(mgr), checker, append([]service.Option{
		service.WithLogger(logger),
		service.WithRebuilder(&reloadingRebuilder{store: store, next: mgr, logger: logger}),
	}, deps.hostOpts...)...)
	defer h.Close(context.Background()) //nolint:errcheck // shutting down

	if err := h.Start(ctx, spec); err != nil {
		return fmt.Errorf("failed to publish onion service: %w", err)
	}
	st, _ := h.Status(spec.ID)
	fmt.Fprintf(out, "%s: http://%s/ -> 127.0.0.1:%d\n", spec.ID, st.Address, spec.Port)

	<-ctx.Done()
	return nil
}

// reloadingRebuilder re-reads the configuration file before rebuilding,
// so bridges added with "onionproxy bridge add" meanwhile are used.
type reloadingRebuilder struct {
	store  *config.Store
	next   service.Rebuilder
	logger *slog.Logger
}

// Rebuild reloads the file and rebuilds. A reload failure is logged and
// the current configuration is used.
func (r *reloadingRebuilder) Rebuild(ctx context.Context) error {
	if err := r.store.Reload(); err != nil {
		r.logger.Warn("failed to reload configuration, rebuilding with the current one", "error", err)
	}
	return r.next.Rebuild(ctx)
}
