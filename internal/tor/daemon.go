package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionproxy/internal/log"
)

const (
	// bootstrapDoneMarker is logged by tor once circuits can be built.
	bootstrapDoneMarker = "Bootstrapped 100%"

	// defaultControlTimeout bounds the control port check after bootstrap.
	defaultControlTimeout = 30 * time.Second

	// stopGracePeriod is how long tor gets to exit after SIGINT before it
	// is killed.
	stopGracePeriod = 10 * time.Second

	cookieFileName = "control_auth_cookie"
)

// Launcher starts a bootstrapped Tor daemon for a ClientConfig.
type Launcher interface {
	Launch(ctx context.Context, cfg *ClientConfig) (Daemon, error)
}

// Daemon is a running Tor process.
type Daemon interface {
	// SocksAddr is the loopback address of the daemon's SOCKS port.
	SocksAddr() string
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Stop terminates the process and waits for it to exit.
	Stop() error
}

// ExecLauncher runs the tor executable with a generated torrc.
//
// Design decision: tornago's own launcher has no options for bridges,
// transport plugins or custom directories, so the process is started here
// and tornago is used where it fits: authenticating to the control port to
// confirm the daemon is the one we configured.
type ExecLauncher struct {
	logger         *slog.Logger
	controlTimeout time.Duration
}

// NewExecLauncher creates an ExecLauncher. A nil logger discards tor's output.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = log.Discard()
	}
	return &ExecLauncher{logger: logger, controlTimeout: defaultControlTimeout}
}

// Launch writes the torrc, starts tor and waits until it reports a complete
// bootstrap. The context only bounds the wait: once Launch returns, the
// daemon lives until Stop.
func (l *ExecLauncher) Launch(ctx context.Context, cfg *ClientConfig) (Daemon, error) {
	if err := cfg.prepareDirectories(); err != nil {
		return nil, err
	}

	// Both ports are picked here rather than left to "auto" so they are
	// known without parsing tor's output. Another process could take one in
	// between; tor then fails to bind and exits before bootstrap.
	socksAddr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}
	controlAddr, err := freeLoopbackAddr()
	if err != nil {
		return nil, err
	}

	torrcPath := filepath.Join(cfg.StateDir, "torrc")
	// Our pid makes tor exit on its own if this process dies without Stop.
	torrc := cfg.Torrc(socksAddr, controlAddr, os.Getpid())
	if err := os.WriteFile(torrcPath, []byte(torrc), 0o600); err != nil {
		return nil, fmt.Errorf("write torrc: %w", err)
	}

	cmd := exec.Command(cfg.Binary, "-f", torrcPath) //nolint:gosec // binary comes from the user's configuration
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach tor output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tor: %w", err)
	}
	l.logger.Debug("tor started", "pid", cmd.Process.Pid, "socks", socksAddr, "bridges", len(cfg.Bridges))

	d := &daemon{
		cmd:         cmd,
		socksAddr:   socksAddr,
		controlAddr: controlAddr,
		cookiePath:  filepath.Join(cfg.StateDir, cookieFileName),
		done:        make(chan struct{}),
	}
	ready := make(chan struct{})
	go d.watch(stdout, ready, l.logger)

	// cfg.BootstrapTimeout and ctx both bound the wait. A timeout kills the
	// process, so a half-bootstrapped tor never leaks.

	timer := time.NewTimer(cfg.BootstrapTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-d.done:
		return nil, fmt.Errorf("%w before bootstrap: %w", ErrDaemonExited, d.exitErr())
	case <-timer.C:
		_ = d.Stop() //nolint:errcheck // bootstrap error takes precedence
		return nil, fmt.Errorf("%w after %s", ErrBootstrapTimeout, cfg.BootstrapTimeout)
	case <-ctx.Done():
		_ = d.Stop() //nolint:errcheck // context error takes precedence
		return nil, ctx.Err()
	}

	if err := l.verifyControlPort(cfg, controlAddr); err != nil {
		_ = d.Stop() //nolint:errcheck // control error takes precedence
		return nil, err
	}
	return d, nil
}

// verifyControlPort authenticates once with the cookie, so a daemon whose
// control port is unusable fails at launch rather than on first use.
func (l *ExecLauncher) verifyControlPort(cfg *ClientConfig, controlAddr string) error {
	auth := tornago.ControlAuthFromCookie(filepath.Join(cfg.StateDir, cookieFileName))
	cc, err := tornago.NewControlClient(controlAddr, auth, l.controlTimeout)
	if err != nil {
		return fmt.Errorf("connect to tor control port: %w", err)
	}
	defer cc.Close() //nolint:errcheck // read-only session

	if err := cc.Authenticate(); err != nil {
		return fmt.Errorf("authenticate to tor control port: %w", err)
	}
	return nil
}

// freeLoopbackAddr reserves an ephemeral loopback port and releases it for
// tor to bind.
func freeLoopbackAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserve loopback port: %w", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

// daemon is a tor process started by ExecLauncher.
type daemon struct {
	cmd         *exec.Cmd
	socksAddr   string
	controlAddr string
	// cookiePath is the control_auth_cookie tor writes into its data
	// directory.
	cookiePath string
	// done is closed by watch after cmd.Wait; waitErr is only read after.
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (d *daemon) SocksAddr() string {
	return d.socksAddr
}

func (d *daemon) ControlAddr() string { return d.controlAddr }
func (d *daemon) CookiePath() string  { return d.cookiePath }

// Done is closed once the process has been reaped.
func (d *daemon) Done() <-chan struct{} {
	return d.done
}

// watch forwards tor's log to the logger and closes ready at the bootstrap
// marker. It reaps the process once the output ends.
func (d *daemon) watch(r io.Reader, ready chan<- struct{}, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	bootstrapped := false
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("tor", "line", line)
		if !bootstrapped && strings.Contains(line, bootstrapDoneMarker) {
			bootstrapped = true
			close(ready)
		}
	}
	d.waitErr = d.cmd.Wait()
	close(d.done)
}

// exitErr waits for the process and reports why it ended. A clean exit
// before bootstrap still counts as a failure.
func (d *daemon) exitErr() error {
	<-d.done
	if d.waitErr == nil {
		return errors.New("exit status 0")
	}
	return d.waitErr
}

// Stop sends SIGINT, which makes tor close its listeners and exit, and
// kills the process if it is still alive after the grace period.
func (d *daemon) Stop() error {
	d.stopOnce.Do(func() {
		if err := d.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = d.cmd.Process.Kill() //nolint:errcheck // process may already be gone
		}
		select {
		case <-d.done:
		case <-time.After(stopGracePeriod):
			_ = d.cmd.Process.Kill() //nolint:errcheck // process may already be gone
			<-d.done
		}
	})
	return nil
}
