package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/woozymasta/se4watch/internal/vars"
)

// maxBody caps how much of a gateway response is read.
const maxBody = 1 << 20

// NewHTTPClient returns an HTTP client for gateway calls. Per call timeouts come
// from the request context; timeout is the outer guard.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// FetchJSON performs a GET and decodes a JSON body into out. Failures are returned
// as *EnrichmentError tagged with gateway and key.
func FetchJSON(ctx context.Context, client *http.Client, gateway, key, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return NewError(gateway, key, KindInvalid, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", vars.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return Wrap(gateway, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return NewError(gateway, key, KindStatus, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Wrap(gateway, key, fmt.Errorf("read body: %w", err))
	}

	if len(body) == 0 {
		return NewError(gateway, key, KindEmpty, ErrEmptyResult)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return NewError(gateway, key, KindMalformed, fmt.Errorf("decode body: %w", err))
	}

	return nil
}
