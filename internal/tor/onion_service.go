package tor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nao1215/tornago"
)

// controlEndpoint is implemented by daemons whose control port accepts
// cookie authentication.
type controlEndpoint interface {
	ControlAddr() string
	CookiePath() string
}

// OnionService is an onion service published on the client's daemon.
//
// Tor ties a service created over the control port to that control
// connection, so the service is reachable exactly as long as the
// OnionService is open. Close removes it; so does the daemon exiting.
type OnionService struct {
	hs      tornago.HiddenService
	control *tornago.ControlClient

	closeOnce sync.Once
	closeErr  error
}

// Address returns the service's host name, including the .onion suffix.
func (s *OnionService) Address() string {
	return s.hs.OnionAddress()
}

// PrivateKey returns the service key in tor's "type:blob" form. It is the
// generated key when none was configured.
func (s *OnionService) PrivateKey() string {
	return s.hs.PrivateKey()
}

// SavePrivateKey writes the key to path with 0600 permissions.
func (s *OnionService) SavePrivateKey(path string) error {
	return s.hs.SavePrivateKey(path)
}

// Close removes the service and ends its control connection. Removal
// fails harmlessly when the daemon has already exited.
func (s *OnionService) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		removeErr := s.hs.Remove(ctx)
		s.closeErr = errors.Join(removeErr, s.control.Close())
	})
	return s.closeErr
}

// PublishOnion creates an onion service on the client's daemon,
// bootstrapping it first if needed. Each call opens its own control
// connection, so services are removed independently.
func (c *Client) PublishOnion(ctx context.Context, cfg tornago.HiddenServiceConfig) (*OnionService, error) {
	d, err := c.ensureDaemon(ctx)
	if err != nil {
		return nil, err
	}
	ep, ok := d.(controlEndpoint)
	if !ok {
		return nil, ErrNoControlPort
	}

	cc, err := tornago.NewControlClient(ep.ControlAddr(), tornago.ControlAuthFromCookie(ep.CookiePath()), defaultControlTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to tor control port: %w", err)
	}
	if err := cc.Authenticate(); err != nil {
		cc.Close() //nolint:errcheck,gosec // authentication error takes precedence
		return nil, fmt.Errorf("authenticate to tor control port: %w", err)
	}
	hs, err := cc.CreateHiddenService(ctx, cfg)
	if err != nil {
		cc.Close() //nolint:errcheck,gosec // publish error takes precedence
		return nil, fmt.Errorf("publish onion service: %w", err)
	}
	c.logger.Info("onion service published", "address", hs.OnionAddress())
	return &OnionService{hs: hs, control: cc}, nil
}
