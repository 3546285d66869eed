package tor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/onionproxy/internal/config"
)

// ClientConfig is everything needed to launch a Tor client.
type ClientConfig struct {
	// Binary is the resolved path of the tor executable.
	Binary string

	// Launcher is config.LauncherExec or config.LauncherTornago.
	Launcher string

	// StateDir, CacheDir and KeystoreDir become DataDirectory,
	// CacheDirectory and KeyDirectory.
	StateDir    string
	CacheDir    string
	KeystoreDir string

	Bridges []Bridge
	Plugins []TransportPlugin

	// BootstrapTimeout bounds one launch.
	BootstrapTimeout time.Duration
}

// BuildClientConfig resolves the tor executable and applies the bridge
// configuration. Errors here are configuration errors: a malformed bridge
// line or a missing executable.
func BuildClientConfig(cfg *config.Config) (*ClientConfig, error) {
	binary := cfg.Tor.Binary
	if binary == "" {
		binary = config.DefaultTorBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTorBinaryNotFound, binary)
	}

	bridges, err := BuildBridges(cfg)
	if err != nil {
		return nil, err
	}
	plugins, err := Plugins(bridges)
	if err != nil {
		return nil, err
	}

	return &ClientConfig{
		Binary:           path,
		Launcher:         cfg.Tor.Launcher,
		StateDir:         cfg.Tor.StateDir,
		CacheDir:         cfg.Tor.CacheDir,
		KeystoreDir:      cfg.Tor.KeystoreDir,
		Bridges:          bridges,
		Plugins:          plugins,
		BootstrapTimeout: cfg.Tor.BootstrapTimeout,
	}, nil
}

// prepareDirectories creates the client's directories. tor refuses a
// DataDirectory readable by other users.
func (c *ClientConfig) prepareDirectories() error {
	for _, dir := range []string{c.StateDir, c.CacheDir, c.KeystoreDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("restrict %s: %w", dir, err)
		}
	}
	return nil
}

// Torrc renders the torrc for a launch with the given loopback SOCKS and
// control addresses. ownerPID makes tor exit when the owning process dies;
// zero omits the directive.
func (c *ClientConfig) Torrc(socksAddr, controlAddr string, ownerPID int) string {
	var b strings.Builder
	line := func(parts ...string) {
		b.WriteString(strings.Join(parts, " "))
		b.WriteByte('\n')
	}

	// A torrc value runs to the end of its line, so directories with spaces
	// need no quoting. Transport plugin paths are the exception; see
	// checkTorrcPath.
	line("DataDirectory", c.StateDir)
	line("CacheDirectory", c.CacheDir)
	line("KeyDirectory", c.KeystoreDir)
	line("SocksPort", socksAddr)
	line("ControlPort", controlAddr)
	line("CookieAuthentication", "1")
	line("ClientOnly", "1")
	line("AvoidDiskWrites", "1")
	line("Log", "notice", "stdout")
	if ownerPID > 0 {
		line("__OwningControllerProcess", strconv.Itoa(ownerPID))
	}

	if len(c.Bridges) > 0 {
		line("UseBridges", "1")
		for _, p := range c.Plugins {
			line(p.TorrcLine())
		}
		for _, br := range c.Bridges {
			line(br.TorrcLine())
		}
	}
	return b.String()
}
