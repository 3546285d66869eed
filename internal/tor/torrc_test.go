package tor

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/model"
)

func TestBuildClientConfig(t *testing.T) {
	t.Parallel()

	t.Run("without bridges", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		cfg := config.NewConfig()
		cfg.Tor.Binary = writeExecutable(t, dir, "tor", 0o755)
		cfg.Tor.StateDir = filepath.Join(dir, "state")

		cc, err := BuildClientConfig(cfg)
		if err != nil {
			t.Fatalf("BuildClientConfig() error = %v", err)
		}
		if cc.Binary != cfg.Tor.Binary || cc.StateDir != cfg.Tor.StateDir {
			t.Errorf("paths not passed through: %+v", cc)
		}
		if len(cc.Bridges) != 0 || len(cc.Plugins) != 0 {
			t.Errorf("unexpected bridges: %+v", cc)
		}
		if cc.BootstrapTimeout != config.DefaultBootstrapTimeout {
			t.Errorf("BootstrapTimeout = %v", cc.BootstrapTimeout)
		}
	})

	t.Run("with bridges", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		cfg := config.NewConfig()
		cfg.Tor.Binary = writeExecutable(t, dir, "tor", 0o755)
		cfg.Tor.UseBridges = true
		cfg.AddBridge(model.BridgeObfs4, writeExecutable(t, dir, "obfs4proxy", 0o755), "192.0.2.1:443 cert=x")

		cc, err := BuildClientConfig(cfg)
		if err != nil {
			t.Fatalf("BuildClientConfig() error = %v", err)
		}
		if len(cc.Bridges) != 1 || len(cc.Plugins) != 1 {
			t.Errorf("expected one bridge and one plugin: %+v", cc)
		}
	})

	t.Run("tor not found", func(t *testing.T) {
		t.Parallel()

		cfg := config.NewConfig()
		cfg.Tor.Binary = filepath.Join(t.TempDir(), "no-tor")
		if _, err := BuildClientConfig(cfg); !errors.Is(err, ErrTorBinaryNotFound) {
			t.Errorf("expected ErrTorBinaryNotFound, got %v", err)
		}
	})

	t.Run("malformed bridge", func(t *testing.T) {
		t.Parallel()

		cfg := config.NewConfig()
		cfg.Tor.Binary = writeExecutable(t, t.TempDir(), "tor", 0o755)
		cfg.Tor.UseBridges = true
		cfg.AddBridge(model.BridgeObfs4, "", "snowflake 192.0.2.3:80")
		if _, err := BuildClientConfig(cfg); !errors.Is(err, ErrMalformedBridgeLine) {
			t.Errorf("expected ErrMalformedBridgeLine, got %v", err)
		}
	})
}

func TestTorrc(t *testing.T) {
	t.Parallel()

	cc := &ClientConfig{
		StateDir:         "/data/state",
		CacheDir:         "/data/cache",
		KeystoreDir:      "/data/keys",
		BootstrapTimeout: time.Minute,
	}

	t.Run("plain client", func(t *testing.T) {
		t.Parallel()

		torrc := cc.Torrc("127.0.0.1:40001", "127.0.0.1:40002", 1234)
		for _, want := range []string{
			"DataDirectory /data/state\n",
			"CacheDirectory /data/cache\n",
			"KeyDirectory /data/keys\n",
			"SocksPort 127.0.0.1:40001\n",
			"ControlPort 127.0.0.1:40002\n",
			"CookieAuthentication 1\n",
			"__OwningControllerProcess 1234\n",
		} {
			if !strings.Contains(torrc, want) {
				t.Errorf("torrc missing %q:\n%s", want, torrc)
			}
		}
		if strings.Contains(torrc, "UseBridges") {
			t.Errorf("torrc enables bridges without any:\n%s", torrc)
		}
	})

	t.Run("bridges", func(t *testing.T) {
		t.Parallel()

		withBridges := *cc
		withBridges.Bridges = []Bridge{
			{Protocol: model.BridgeObfs4, ConnectionLine: "obfs4 192.0.2.1:443"},
			{Protocol: model.BridgeObfs4, ConnectionLine: "obfs4 192.0.2.2:443"},
		}
		withBridges.Plugins = []TransportPlugin{{Protocol: model.BridgeObfs4, Path: "/usr/bin/obfs4proxy"}}

		torrc := withBridges.Torrc("127.0.0.1:1", "127.0.0.1:2", 0)
		if strings.Count(torrc, "ClientTransportPlugin") != 1 {
			t.Errorf("expected one transport plugin line:\n%s", torrc)
		}
		if strings.Count(torrc, "\nBridge ") != 2 {
			t.Errorf("expected two bridge lines:\n%s", torrc)
		}
		if !strings.Contains(torrc, "UseBridges 1\n") {
			t.Errorf("UseBridges missing:\n%s", torrc)
		}
		if strings.Contains(torrc, "__OwningControllerProcess") {
			t.Errorf("owner pid written for pid 0:\n%s", torrc)
		}
	})
}
