package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Checker confirms that an onion address answers.
type Checker interface {
	Check(ctx context.Context, address string) error
}

// AnonymousSender sends a request over Tor. *transport.HTTPClient
// implements it.
type AnonymousSender interface {
	SendAnonymous(req *http.Request) (*http.Response, error)
}

// HTTPChecker fetches the service's root page through Tor. Any HTTP
// response counts as reachable: the check is about the circuit and the
// descriptor, not the application behind it.
type HTTPChecker struct {
	sender AnonymousSender
}

// NewHTTPChecker returns an HTTPChecker sending through sender.
func NewHTTPChecker(sender AnonymousSender) *HTTPChecker {
	return &HTTPChecker{sender: sender}
}

// Check requests http://address/ and discards the body.
func (c *HTTPChecker) Check(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/", nil)
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	resp, err := c.sender.SendAnonymous(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // the response already arrived
	return nil
}
