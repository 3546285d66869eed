package tor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nao1215/tornago"
)

// CheckURL answers whether the request arrived through a Tor exit.
const CheckURL = "https://check.torproject.org/api/ip"

// maxCheckBody bounds the check response.
const maxCheckBody = 64 * 1024

// ExitInfo is the check.torproject.org verdict.
type ExitInfo struct {
	IsTor bool   `json:"IsTor"`
	IP    string `json:"IP"`
}

// CheckExit fetches checkURL through the SOCKS5 proxy at socksAddr using
// tornago's client and decodes the verdict. An empty checkURL uses CheckURL.
func CheckExit(ctx context.Context, socksAddr, checkURL string, timeout time.Duration) (*ExitInfo, error) {
	if checkURL == "" {
		checkURL = CheckURL
	}

	cfg, err := tornago.NewClientConfig(
		tornago.WithClientSocksAddr(socksAddr),
		tornago.WithClientRequestTimeout(timeout),
		tornago.WithClientDialTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("configure check client: %w", err)
	}
	client, err := tornago.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create check client: %w", err)
	}
	defer client.Close() //nolint:errcheck // nothing to flush

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.HTTP().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", checkURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: unexpected status %s", checkURL, resp.Status)
	}

	var info ExitInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCheckBody)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode check response: %w", err)
	}
	return &info, nil
}
