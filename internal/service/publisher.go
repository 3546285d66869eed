package service

import (
	"context"
	"fmt"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionproxy/internal/proxy"
	"github.com/nao1215/onionproxy/internal/tor"
)

// Onion is a published onion service. *tor.OnionService implements it.
type Onion interface {
	// Address is the .onion host name.
	Address() string
	// PrivateKey is the service key in tor's "type:blob" form.
	PrivateKey() string
	SavePrivateKey(path string) error
	// Close removes the service from the network.
	Close(ctx context.Context) error
}

// Publisher creates onion services.
type Publisher interface {
	Publish(ctx context.Context, cfg tornago.HiddenServiceConfig) (Onion, error)
}

// PublishFunc adapts a function to Publisher.
type PublishFunc func(ctx context.Context, cfg tornago.HiddenServiceConfig) (Onion, error)

// Publish calls f.
func (f PublishFunc) Publish(ctx context.Context, cfg tornago.HiddenServiceConfig) (Onion, error) {
	return f(ctx, cfg)
}

// ClientSource hands out the Tor client services are published on.
// *proxy.Manager implements it.
type ClientSource interface {
	Client() (proxy.AnonymityClient, error)
}

// onionPublisher is implemented by *tor.Client.
type onionPublisher interface {
	PublishOnion(ctx context.Context, cfg tornago.HiddenServiceConfig) (*tor.OnionService, error)
}

// ManagedPublisher publishes on the client source currently holds, so a
// rebuilt client is picked up by the next publish.
func ManagedPublisher(source ClientSource) Publisher {
	return PublishFunc(func(ctx context.Context, cfg tornago.HiddenServiceConfig) (Onion, error) {
		client, err := source.Client()
		if err != nil {
			return nil, fmt.Errorf("publish onion service: %w", err)
		}
		p, ok := client.(onionPublisher)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrHostingUnsupported, client)
		}
		svc, err := p.PublishOnion(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return svc, nil
	})
}
