package proxy

import (
	"log/slog"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/tor"
)

// NewTorClientFactory returns the production ClientFactory. Each call
// resolves the tor binary and bridges from cfg and prepares the tor
// directories; the daemon itself is launched on first Bootstrap or dial.
func NewTorClientFactory(logger *slog.Logger, opts ...tor.ClientOption) ClientFactory {
	return func(cfg *config.Config) (AnonymityClient, error) {
		cc, err := tor.BuildClientConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := tor.NewClient(cc, append([]tor.ClientOption{tor.WithClientLogger(logger)}, opts...)...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
