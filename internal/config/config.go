package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/nao1215/onionproxy/internal/model"
)

const (
	// AppName is the application name used for XDG directory paths.
	AppName = "onionproxy"

	// DefaultSocksPort is the port of the local SOCKS listener. It differs
	// from the system Tor daemon's 9050 so both can run side by side.
	DefaultSocksPort = 9060

	// DefaultSocksProxyURL is offered when the user switches to a SOCKS5
	// proxy without typing a URL: a system Tor daemon.
	DefaultSocksProxyURL = "socks5://127.0.0.1:9050"

	// DefaultTorBinary is looked up in PATH.
	DefaultTorBinary = "tor"

	// DefaultBootstrapTimeout bounds one attempt to bootstrap the Tor client.
	// Bridges, snowflake in particular, can take minutes.
	DefaultBootstrapTimeout = 3 * time.Minute
)

// Launchers start the tor process.
const (
	// LauncherExec runs tor with a torrc generated from TorConfig. It is
	// the default and the only launcher that supports bridges.
	LauncherExec = "exec"

	// LauncherTornago lets tornago start tor with its own temporary data
	// directory. Nothing persists between runs.
	LauncherTornago = "tornago"
)

// Config is the persisted transport configuration.
type Config struct {
	// UseProxy routes requests through an explicit proxy instead of
	// connecting directly.
	UseProxy bool `yaml:"use_proxy"`

	// UseSocksProxy selects SOCKS5 (true) or HTTP (false) when UseProxy is set.
	UseSocksProxy bool `yaml:"use_socks_proxy"`

	// HTTPProxyURL is the HTTP proxy, for example http://127.0.0.1:8080.
	HTTPProxyURL string `yaml:"http_proxy_url,omitempty"`

	// SocksProxyURL is the SOCKS5 proxy, for example socks5://127.0.0.1:9050.
	SocksProxyURL string `yaml:"socks_proxy_url,omitempty"`

	// Tor configures the managed Tor client and its local SOCKS listener.
	Tor TorConfig `yaml:"tor"`
}

// TorConfig configures the managed Tor client.
type TorConfig struct {
	// Binary is the tor executable, a path or a name looked up in PATH.
	Binary string `yaml:"binary"`

	// Launcher is LauncherExec or LauncherTornago.
	Launcher string `yaml:"launcher"`

	// SocksPort is the port of the local SOCKS listener served by the manager.
	SocksPort int `yaml:"socks_port"`

	// UseBridges enables Bridges. When false the client connects to the
	// public network directly even if bridges are listed.
	UseBridges bool `yaml:"use_bridges"`

	// Bridges are the configured pluggable transport bridges.
	Bridges []BridgeConfig `yaml:"bridges,omitempty"`

	// StateDir, CacheDir and KeystoreDir are handed to the Tor client as
	// its DataDirectory, CacheDirectory and KeyDirectory.
	StateDir    string `yaml:"state_dir"`
	CacheDir    string `yaml:"cache_dir"`
	KeystoreDir string `yaml:"keystore_dir"`

	// BootstrapTimeout bounds one bootstrap attempt.
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
}

// BridgeConfig is one configured bridge as stored on disk.
type BridgeConfig struct {
	// Protocol is the pluggable transport name.
	Protocol model.BridgeProtocol `yaml:"protocol"`

	// BinaryPath is the pluggable transport executable. Empty selects the
	// built-in launch method, which resolves the protocol's default binary.
	BinaryPath string `yaml:"binary_path,omitempty"`

	// ConnectionLine is the bridge line as distributed by BridgeDB,
	// with or without the protocol prefix.
	ConnectionLine string `yaml:"connection_line"`
}

// NewConfig creates a Config with default values: no proxy, no bridges,
// SOCKS listener on DefaultSocksPort and Tor directories under XDG paths.
func NewConfig() *Config {
	return &Config{
		UseProxy:      false,
		UseSocksProxy: true,
		SocksProxyURL: DefaultSocksProxyURL,
		Tor: TorConfig{
			Binary:           DefaultTorBinary,
			Launcher:         LauncherExec,
			SocksPort:        DefaultSocksPort,
			StateDir:         filepath.Join(XDGDataDir(), "tor", "state"),
			CacheDir:         filepath.Join(XDGCacheDir(), "tor"),
			KeystoreDir:      filepath.Join(XDGDataDir(), "tor", "keystore"),
			BootstrapTimeout: DefaultBootstrapTimeout,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Tor.Bridges = append([]BridgeConfig(nil), c.Tor.Bridges...)
	return &out
}

// Validate checks the configuration and returns the first problem found.
// Proxy URLs are only checked for the proxy kind that is selected.
func (c *Config) Validate() error {
	if c.Tor.SocksPort < 1 || c.Tor.SocksPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidSocksPort, c.Tor.SocksPort)
	}
	if c.Tor.BootstrapTimeout <= 0 {
		return ErrInvalidBootstrapTimeout
	}
	for name, dir := range map[string]string{
		"state_dir":    c.Tor.StateDir,
		"cache_dir":    c.Tor.CacheDir,
		"keystore_dir": c.Tor.KeystoreDir,
	} {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%w: %s", ErrMissingDirectory, name)
		}
	}
	switch c.Tor.Launcher {
	case "", LauncherExec:
	case LauncherTornago:
		if c.Tor.UseBridges && len(c.Tor.Bridges) > 0 {
			return ErrLauncherBridges
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLauncher, c.Tor.Launcher)
	}
	for i, b := range c.Tor.Bridges {
		if !b.Protocol.Known() {
			return fmt.Errorf("%w: bridge %d: %q", ErrUnknownBridgeProtocol, i, b.Protocol)
		}
		if strings.TrimSpace(b.ConnectionLine) == "" {
			return fmt.Errorf("%w: bridge %d", ErrEmptyBridgeLine, i)
		}
	}

	if !c.UseProxy {
		return nil
	}
	if c.UseSocksProxy {
		_, err := parseProxyURL(c.SocksProxyURL, "socks5", "socks5h")
		return err
	}
	_, err := parseProxyURL(c.HTTPProxyURL, "http", "https")
	return err
}

// SocksProxy returns the parsed SOCKS5 proxy URL.
func (c *Config) SocksProxy() (*url.URL, error) {
	return parseProxyURL(c.SocksProxyURL, "socks5", "socks5h")
}

// HTTPProxy returns the parsed HTTP proxy URL.
func (c *Config) HTTPProxy() (*url.URL, error) {
	return parseProxyURL(c.HTTPProxyURL, "http", "https")
}

// SocksListenAddr returns the loopback address of the local SOCKS listener.
func (c *Config) SocksListenAddr() string {
	return "127.0.0.1:" + strconv.Itoa(c.Tor.SocksPort)
}

// parseProxyURL parses raw and checks that it has a host and one of the
// given schemes, compared case-insensitively.
func parseProxyURL(raw string, schemes ...string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingProxyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProxyURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidProxyURL, raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: scheme %q, expected one of %s", ErrInvalidProxyURL, u.Scheme, strings.Join(schemes, ", "))
}

// Set assigns a value addressed by its YAML key, for example
// "tor.socks_port". Bridges are edited with AddBridge and ClearBridges.
func (c *Config) Set(key, value string) error {
	switch key {
	case "use_proxy":
		return setBool(&c.UseProxy, key, value)
	case "use_socks_proxy":
		return setBool(&c.UseSocksProxy, key, value)
	case "http_proxy_url":
		c.HTTPProxyURL = value
	case "socks_proxy_url":
		c.SocksProxyURL = value
	case "tor.binary":
		c.Tor.Binary = value
	case "tor.launcher":
		c.Tor.Launcher = strings.ToLower(strings.TrimSpace(value))
	case "tor.socks_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Tor.SocksPort = port
	case "tor.use_bridges":
		return setBool(&c.Tor.UseBridges, key, value)
	case "tor.state_dir":
		c.Tor.StateDir = value
	case "tor.cache_dir":
		c.Tor.CacheDir = value
	case "tor.keystore_dir":
		c.Tor.KeystoreDir = value
	case "tor.bootstrap_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Tor.BootstrapTimeout = d
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// Keys lists the keys accepted by Set.
func Keys() []string {
	return []string{
		"use_proxy", "use_socks_proxy", "http_proxy_url", "socks_proxy_url",
		"tor.binary", "tor.launcher", "tor.socks_port", "tor.use_bridges",
		"tor.state_dir", "tor.cache_dir", "tor.keystore_dir", "tor.bootstrap_timeout",
	}
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// AddBridge appends a bridge. An empty binary path selects the built-in
// launch method.
func (c *Config) AddBridge(protocol model.BridgeProtocol, binaryPath, line string) {
	c.Tor.Bridges = append(c.Tor.Bridges, BridgeConfig{
		Protocol:       protocol,
		BinaryPath:     binaryPath,
		ConnectionLine: line,
	})
}

// ClearBridges removes every bridge and disables bridge use.
func (c *Config) ClearBridges() {
	c.Tor.Bridges = nil
	c.Tor.UseBridges = false
}

// XDGDataDir returns the XDG data directory for onionproxy.
// On Linux: ~/.local/share/onionproxy
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for onionproxy.
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// XDGConfigDir returns the XDG config directory for onionproxy.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}
