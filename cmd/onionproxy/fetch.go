package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/proxy"
	"github.com/nao1215/onionproxy/internal/transport"
)

// errInvalidHeader is returned for a --header value without a colon.
var errInvalidHeader = errors.New("invalid header, expected 'Name: value'")

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Send one HTTP request over the configured route",
		Long: `Fetch sends one HTTP request and writes the response body to stdout.

Without --anonymous the request goes directly, or through the configured
proxy when use_proxy is true. With --anonymous it goes through the
configured proxy, or over Tor on a fresh circuit when no proxy is
configured. The Tor client is started for the request and stopped after it.

Examples:
  # Direct request, or through the configured proxy
  onionproxy fetch https://example.com/

  # Over Tor, .onion services included
  onionproxy fetch --anonymous https://check.torproject.org/api/ip

  # POST with headers, printing the response headers as well
  onionproxy fetch -a -X POST -H 'Content-Type: application/json' -d '{"a":1}' -i https://example.com/api`,
		Args: cobra.ExactArgs(1),
		RunE: runFetchCmd,
	}

	cmd.Flags().BoolP("anonymous", "a", false, "Send through the proxy or over Tor, never directly")
	cmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringP("data", "d", "", "Request body")
	cmd.Flags().StringArrayP("header", "H", nil, "Request header 'Name: value' (repeatable)")
	cmd.Flags().BoolP("include", "i", false, "Print the status line and response headers")
	cmd.Flags().DurationP("timeout", "t", transport.DefaultTimeout, "Timeout for the whole request")

	return cmd
}

// fetchOptions are the parsed fetch flags.
type fetchOptions struct {
	anonymous bool
	method    string
	// data is sent as the request body when non-empty.
	data string
	// headers are raw "Name: value" strings.
	headers []string
	include bool
	// timeout bounds Tor startup and the request together.
	timeout time.Duration
}

// parseFetchFlags reads the fetch flags. Headers are checked later by
// buildRequest.
func parseFetchFlags(cmd *cobra.Command) (*fetchOptions, error) {
	var (
		opts fetchOptions
		err  error
	)
	if opts.anonymous, err = cmd.Flags().GetBool("anonymous"); err != nil {
		return nil, err
	}
	if opts.method, err = cmd.Flags().GetString("method"); err != nil {
		return nil, err
	}
	if opts.data, err = cmd.Flags().GetString("data"); err != nil {
		return nil, err
	}
	if opts.headers, err = cmd.Flags().GetStringArray("header"); err != nil {
		return nil, err
	}
	if opts.include, err = cmd.Flags().GetBool("include"); err != nil {
		return nil, err
	}
	if opts.timeout, err = cmd.Flags().GetDuration("timeout"); err != nil {
		return nil, err
	}
	return &opts, nil
}

// runFetchCmd sends one request and copies the body to stdout.
//
// Design decision: --anonymous starts a private manager instead of dialing
// the SOCKS port of a running proxy. The command then works without
// "onionproxy run", and its request gets a circuit of its own.
func runFetchCmd(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd)
	opts, err := parseFetchFlags(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	clientOpts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithTimeout(opts.timeout),
	}
	route, err := transport.NewHTTPClient(store).Route(opts.anonymous)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	if route == model.RouteTunnel {
		fmt.Fprintln(cmd.ErrOrStderr(), "Starting Tor, this can take a few minutes...")
		mgr, err := startTunnel(ctx, store, proxy.NewTorClientFactory(logger), proxy.WithLogger(logger))
		if err != nil {
			return err
		}
		defer mgr.Close()
		clientOpts = append(clientOpts, transport.WithTunnel(mgr))
	}

	req, err := buildRequest(ctx, opts, args[0])
	if err != nil {
		return err
	}

	client := transport.NewHTTPClient(store, clientOpts...)
	send := client.Send
	if opts.anonymous {
		send = client.SendAnonymous
	}
	resp, err := send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if opts.include {
		writeResponseHead(out, resp)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// startTunnel runs a private proxy manager and waits until it owns a
// client. Its SOCKS listener takes an ephemeral port so the command never
// clashes with a running "onionproxy run".
func startTunnel(
	ctx context.Context,
	source proxy.ConfigSource,
	factory proxy.ClientFactory,
	opts ...proxy.Option,
) (*proxy.Manager, error) {
	mgr := proxy.NewManager(ephemeralSocks{source}, factory, opts...)

	mgr.Start()
	if err := mgr.Wait(ctx, model.StateRunning, model.StateIdle, model.StateError); err != nil {
		mgr.Close() //nolint:errcheck,gosec // wait error takes precedence
		return nil, err
	}
	if mgr.HasError() {
		err := mgr.Err()
		mgr.Close() //nolint:errcheck,gosec // start error takes precedence
		return nil, fmt.Errorf("%w: %w", errStartFailed, err)
	}
	return mgr, nil
}

// ephemeralSocks serves the configuration with the SOCKS port left to the
// operating system.
type ephemeralSocks struct {
	proxy.ConfigSource
}

func (s ephemeralSocks) Snapshot() *config.Config {
	cfg := s.ConfigSource.Snapshot()
	cfg.Tor.SocksPort = 0
	return cfg
}

// buildRequest assembles the request from the fetch flags.
func buildRequest(ctx context.Context, opts *fetchOptions, rawURL string) (*http.Request, error) {
	var body io.Reader
	if opts.data != "" {
		body = strings.NewReader(opts.data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(opts.method), rawURL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidHeader, h)
		}
		req.Header.Add(name, strings.TrimSpace(value))
	}
	return req, nil
}

// writeResponseHead prints the status line and headers for --include.
func writeResponseHead(w io.Writer, resp *http.Response) {
	fmt.Fprintf(w, "%s %s\r\n", resp.Proto, resp.Status)
	_ = resp.Header.Write(w) //nolint:errcheck // same writer as the body
	fmt.Fprint(w, "\r\n")
}
