package tor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"unicode"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/model"
)

// builtinBinaries maps each protocol to the executable resolved in PATH
// for the built-in launch method.
var builtinBinaries = map[model.BridgeProtocol]string{
	model.BridgeObfs4:     "obfs4proxy",
	model.BridgeSnowflake: "snowflake-client",
	model.BridgeWebtunnel: "webtunnel-client",
}

// LaunchMethod says how the pluggable transport of a bridge is started.
// An empty BinaryPath means built-in: the protocol's default executable is
// looked up in PATH when the client is built.
type LaunchMethod struct {
	BinaryPath string
}

// Builtin reports whether the launch method is built-in.
func (l LaunchMethod) Builtin() bool {
	return l.BinaryPath == ""
}

// String returns the binary path or "built-in".
func (l LaunchMethod) String() string {
	if l.Builtin() {
		return "built-in"
	}
	return l.BinaryPath
}

// Bridge is a validated bridge descriptor.
type Bridge struct {
	Protocol       model.BridgeProtocol
	Launch         LaunchMethod
	ConnectionLine string
}

// TorrcLine returns the torrc Bridge directive.
func (b Bridge) TorrcLine() string {
	return "Bridge " + b.ConnectionLine
}

// TransportPlugin is one ClientTransportPlugin entry.
type TransportPlugin struct {
	Protocol model.BridgeProtocol
	Path     string
}

// TorrcLine returns the torrc ClientTransportPlugin directive. Path is
// written unquoted; Plugins never yields one with whitespace.
func (p TransportPlugin) TorrcLine() string {
	return fmt.Sprintf("ClientTransportPlugin %s exec %s", p.Protocol, p.Path)
}

// BuildBridges turns the configured bridges into descriptors. It returns
// nil when bridges are disabled, so the client connects without pluggable
// transports.
func BuildBridges(cfg *config.Config) ([]Bridge, error) {
	if !cfg.Tor.UseBridges {
		return nil, nil
	}
	bridges := make([]Bridge, 0, len(cfg.Tor.Bridges))
	for i, bc := range cfg.Tor.Bridges {
		line, err := NormalizeBridgeLine(bc.Protocol, bc.ConnectionLine)
		if err != nil {
			return nil, fmt.Errorf("bridge %d: %w", i, err)
		}
		bridges = append(bridges, Bridge{
			Protocol:       bc.Protocol,
			Launch:         LaunchMethod{BinaryPath: bc.BinaryPath},
			ConnectionLine: line,
		})
	}
	return bridges, nil
}

// NormalizeBridgeLine checks a bridge line and prepends the transport name
// when the line starts with the address. The "Bridge" keyword users copy
// from torrc snippets is dropped.
func NormalizeBridgeLine(protocol model.BridgeProtocol, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.EqualFold(fields[0], "bridge") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrMalformedBridgeLine)
	}
	if isBridgeAddress(fields[0]) {
		fields = append([]string{string(protocol)}, fields...)
	}
	if !strings.EqualFold(fields[0], string(protocol)) {
		return "", fmt.Errorf("%w: transport %q does not match protocol %q", ErrMalformedBridgeLine, fields[0], protocol)
	}
	fields[0] = string(protocol)
	if len(fields) < 2 || !isBridgeAddress(fields[1]) {
		return "", fmt.Errorf("%w: missing address", ErrMalformedBridgeLine)
	}
	return strings.Join(fields, " "), nil
}

// isBridgeAddress accepts IP:port only; bridges are never named by host.
func isBridgeAddress(s string) bool {
	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		return false
	}
	return net.ParseIP(host) != nil
}

// Plugins returns one transport plugin per distinct protocol. When two
// bridges of the same protocol name different binaries, the first wins.
// Binaries are resolved and made executable, as tor refuses to spawn a
// transport it cannot execute.
func Plugins(bridges []Bridge) ([]TransportPlugin, error) {
	seen := make(map[model.BridgeProtocol]bool, len(bridges))
	plugins := make([]TransportPlugin, 0, len(bridges))
	for _, b := range bridges {
		if seen[b.Protocol] {
			continue
		}
		seen[b.Protocol] = true

		path, err := resolveTransportBinary(b)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, TransportPlugin{Protocol: b.Protocol, Path: path})
	}
	return plugins, nil
}

// resolveTransportBinary finds the executable tor will spawn for b. Custom
// paths are chmod-ed only after they pass checkTorrcPath.
func resolveTransportBinary(b Bridge) (string, error) {
	if b.Launch.Builtin() {
		name := builtinBinaries[b.Protocol]
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s (%s)", ErrTransportBinaryNotFound, name, b.Protocol.DisplayName())
		}
		return path, checkTorrcPath(path)
	}

	path := b.Launch.BinaryPath
	if err := checkTorrcPath(path); err != nil {
		return "", err
	}
	if err := ensureExecutable(path); err != nil {
		return "", err
	}
	return path, nil
}

// checkTorrcPath rejects paths that TransportPlugin.TorrcLine cannot
// express. The check runs before ensureExecutable so nothing is chmod-ed
// for a bridge that cannot be used.
//
// Design decision: We reject such paths instead of quoting them. tor
// splits the exec part of ClientTransportPlugin on whitespace after it has
// read the line, so quotes would not keep the path in one piece.
func checkTorrcPath(path string) error {
	if strings.ContainsFunc(path, unicode.IsSpace) {
		return fmt.Errorf("%w: %q", ErrTransportPathWhitespace, path)
	}
	return nil
}

// ensureExecutable adds the owner execute bit to path when missing.
// Transport binaries extracted from archives often lack it.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrTransportBinaryNotFound, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrTransportBinaryNotFound, path)
	}
	if runtime.GOOS == "windows" || info.Mode().Perm()&0o100 != 0 {
		return nil
	}
	if err := os.Chmod(path, info.Mode().Perm()|0o100); err != nil {
		return fmt.Errorf("make %s executable: %w", path, err)
	}
	return nil
}
