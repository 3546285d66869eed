package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
)

// ErrEmbeddedBridges is returned by EmbeddedLauncher for a config with
// bridges, which tornago cannot pass to tor.
var ErrEmbeddedBridges = errors.New("embedded launcher does not support bridges")

// defaultLauncher picks the launcher named by cfg.Launcher.
func defaultLauncher(cfg *ClientConfig, logger *slog.Logger) Launcher {
	if cfg.Launcher == config.LauncherTornago {
		return NewEmbeddedLauncher(logger)
	}
	return NewExecLauncher(logger)
}

// EmbeddedLauncher lets tornago start and own the tor process.
//
// Design decision: tornago keeps tor's data in a temporary directory and
// knows nothing about bridges, so this launcher is an opt-in for throwaway
// sessions. ExecLauncher stays the default.
//
// Note: Starting tor takes up to a few minutes as it needs to:
//   - Download directory information from the Tor network
//   - Build initial circuits through the relay network
type EmbeddedLauncher struct {
	logger *slog.Logger
}

// NewEmbeddedLauncher creates an EmbeddedLauncher.
func NewEmbeddedLauncher(logger *slog.Logger) *EmbeddedLauncher {
	if logger == nil {
		logger = log.Discard()
	}
	return &EmbeddedLauncher{logger: logger}
}

// Launch starts tor through tornago and waits for it to bootstrap.
// tornago blocks without a context, so the wait runs in a goroutine and a
// process that finishes starting after ctx is done is stopped.
func (l *EmbeddedLauncher) Launch(ctx context.Context, cfg *ClientConfig) (Daemon, error) {
	if len(cfg.Bridges) > 0 {
		return nil, ErrEmbeddedBridges
	}

	// Concrete loopback ports keep tor off the other interfaces.
	socksAddr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}
	controlAddr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}

	launchCfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(socksAddr),
		tornago.WithTorControlAddr(controlAddr),
		tornago.WithTorStartupTimeout(cfg.BootstrapTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tor launch config: %w", err)
	}

	type result struct {
		process *tornago.TorProcess
		err     error
	}
	started := make(chan result, 1)
	go func() {
		process, err := tornago.StartTorDaemon(launchCfg)
		started <- result{process: process, err: err}
	}()

	select {
	case r := <-started:
		if r.err != nil {
			return nil, fmt.Errorf("failed to start embedded tor: %w", r.err)
		}
		l.logger.Debug("embedded tor bootstrapped", "socks", r.process.SocksAddr(), "control", r.process.ControlAddr())
		return &embeddedDaemon{process: r.process, done: make(chan struct{})}, nil
	case <-ctx.Done():
		go func() {
			if r := <-started; r.err == nil {
				_ = r.process.Stop() //nolint:errcheck // nobody is waiting for it
			}
		}()
		return nil, ctx.Err()
	}
}

// embeddedDaemon adapts a tornago process to Daemon. tornago reports no
// exit, so Done is only closed by Stop; a crashed process shows up as
// failing dials.
type embeddedDaemon struct {
	process  *tornago.TorProcess
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (d *embeddedDaemon) SocksAddr() string {
	return d.process.SocksAddr()
}

func (d *embeddedDaemon) ControlAddr() string {
	return d.process.ControlAddr()
}

// CookiePath follows tornago's layout: the cookie sits in the data directory.
func (d *embeddedDaemon) CookiePath() string {
	return filepath.Join(d.process.DataDir(), cookieFileName)
}

func (d *embeddedDaemon) Done() <-chan struct{} {
	return d.done
}

func (d *embeddedDaemon) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.process.Stop()
		close(d.done)
	})
	return d.stopErr
}
