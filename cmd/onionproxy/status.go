package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/database"
	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/report"
	"github.com/nao1215/onionproxy/internal/tor"
	"github.com/nao1215/onionproxy/internal/transport"
)

// defaultStatusEvents is how many journal rows status shows.
const defaultStatusEvents = 10

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, SOCKS listener health and recent events",
		Long: `Status reports the routes requests would take, whether the local SOCKS
listener answers, the configured bridges and the newest entries of the
event journal written by 'onionproxy run'.

Proxy credentials and bridge certificates are redacted.

Examples:
  onionproxy status
  onionproxy status --format markdown --limit 50
  onionproxy status --format json`,
		Args: cobra.NoArgs,
		RunE: runStatusCmd,
	}

	cmd.Flags().StringP("format", "f", string(report.FormatText), "Output format: text, markdown or json")
	cmd.Flags().IntP("limit", "n", defaultStatusEvents, "Number of journal events to show (0 shows all)")

	return cmd
}

// runStatusCmd renders the status report in the format chosen by --format.
func runStatusCmd(cmd *cobra.Command, _ []string) error {
	setupLogger(cmd)

	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	w, err := report.NewWriter(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	status, err := buildStatus(cmd.Context(), store, dataDir(cmd), limit)
	if err != nil {
		return err
	}
	_, err = w.Write(status)
	return err
}

// buildStatus gathers the status report. A missing journal is not an
// error: the proxy has simply never run.
func buildStatus(ctx context.Context, store *config.Store, journalDir string, limit int) (*model.StatusReport, error) {
	cfg := store.Snapshot()
	client := transport.NewHTTPClient(store)

	route, err := client.Route(false)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	anonymous, err := client.Route(true)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	status := &model.StatusReport{
		GeneratedAt:    time.Now(),
		ConfigPath:     store.Path(),
		Route:          route,
		AnonymousRoute: anonymous,
		ListenAddr:     cfg.SocksListenAddr(),
		TorBinary:      resolveBinary(cfg.Tor.Binary),
		UseBridges:     cfg.Tor.UseBridges,
		State:          model.StateIdle,
	}
	if target, err := transport.Select(cfg); err == nil && target != nil {
		status.ProxyURL = log.Redact(target.URL.String())
	}

	answer := tor.CheckSOCKS(ctx, status.ListenAddr)
	status.Handshake = answer.String()
	status.Reachable = answer == tor.ListenerOK

	for _, b := range cfg.Tor.Bridges {
		launch := tor.LaunchMethod{BinaryPath: b.BinaryPath}
		status.Bridges = append(status.Bridges, model.BridgeStatus{
			Protocol:       b.Protocol,
			Launch:         launch.String(),
			ConnectionLine: log.Redact(b.ConnectionLine),
		})
	}

	events, err := readJournal(ctx, journalDir, limit)
	if err != nil {
		return nil, err
	}
	status.Events = events
	if len(events) > 0 {
		status.State = events[0].State
	}
	return status, nil
}

// readJournal opens the journal read side and returns up to limit recent
// events, newest first.
func readJournal(ctx context.Context, dir string, limit int) ([]model.Event, error) {
	journal, err := database.Open(dir, database.Options{CreateIfNotExists: false, EnableWAL: true})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	defer journal.Close()
	return journal.Recent(ctx, limit)
}

// resolveBinary returns the PATH lookup of name, or name itself.
func resolveBinary(name string) string {
	if name == "" {
		name = config.DefaultTorBinary
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return name + " (not found)"
}
